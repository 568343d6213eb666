// seedtokens is a one-shot CLI that walks the OAuth device-code flow and
// writes the resulting user credential to the token file the clip pipeline
// reads at startup.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"clipworks/pkg/clients"
	"clipworks/pkg/config"
	"clipworks/pkg/logging"
	"clipworks/pkg/tokens"
)

const defaultScopes = "clips:edit"

type deviceCodeReply struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
	ExpiresIn       int    `json:"expires_in"`
	Interval        int    `json:"interval"`
}

type tokenReply struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	Scope        []string `json:"scope"`
	Message      string   `json:"message"`
}

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService("seedtokens")

	// Load environment variables
	config.LoadEnv(logger)

	clientID := config.RequireEnv("TWITCH_CLIENT_ID")
	authURL := config.GetEnv("TWITCH_AUTH_URL", "https://id.twitch.tv")
	scopes := strings.Fields(strings.ReplaceAll(config.GetEnv("TWITCH_SCOPES", defaultScopes), ",", " "))

	httpClient := &http.Client{
		Timeout:   30 * time.Second,
		Transport: clients.DefaultTransport(),
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	device, err := requestDeviceCode(ctx, httpClient, authURL, clientID, scopes)
	if err != nil {
		logger.WithError(err).Fatal("Device code request failed")
	}

	fmt.Printf("\nOpen %s and enter code: %s\n", device.VerificationURI, device.UserCode)
	fmt.Printf("Waiting for authorization (expires in %ds)...\n\n", device.ExpiresIn)

	token, err := pollForToken(ctx, httpClient, authURL, clientID, scopes, device)
	if err != nil {
		logger.WithError(err).Fatal("Authorization failed")
	}

	store := tokens.NewStore("")
	if err := store.Seed(token.AccessToken, token.RefreshToken, token.Scope); err != nil {
		logger.WithError(err).Fatal("Failed to write credential file")
	}

	fmt.Printf("Credential written to %s\n", tokens.FilePath())
}

func requestDeviceCode(ctx context.Context, client *http.Client, authURL, clientID string, scopes []string) (*deviceCodeReply, error) {
	form := url.Values{
		"client_id": {clientID},
		"scopes":    {strings.Join(scopes, " ")},
	}

	resp, err := postForm(ctx, client, authURL+"/oauth2/device", form)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("device endpoint returned %d", resp.StatusCode)
	}

	var reply deviceCodeReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return nil, fmt.Errorf("decode device reply: %w", err)
	}
	if reply.DeviceCode == "" || reply.UserCode == "" {
		return nil, fmt.Errorf("device reply missing codes")
	}
	if reply.Interval <= 0 {
		reply.Interval = 5
	}
	return &reply, nil
}

func pollForToken(ctx context.Context, client *http.Client, authURL, clientID string, scopes []string, device *deviceCodeReply) (*tokenReply, error) {
	form := url.Values{
		"client_id":   {clientID},
		"scopes":      {strings.Join(scopes, " ")},
		"device_code": {device.DeviceCode},
		"grant_type":  {"urn:ietf:params:oauth:grant-type:device_code"},
	}

	interval := time.Duration(device.Interval) * time.Second
	deadline := time.Now().Add(time.Duration(device.ExpiresIn) * time.Second)

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}

		resp, err := postForm(ctx, client, authURL+"/oauth2/token", form)
		if err != nil {
			return nil, err
		}

		var reply tokenReply
		decodeErr := json.NewDecoder(resp.Body).Decode(&reply)
		resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
			if decodeErr != nil {
				return nil, fmt.Errorf("decode token reply: %w", decodeErr)
			}
			if reply.AccessToken == "" || reply.RefreshToken == "" {
				return nil, fmt.Errorf("token reply missing tokens")
			}
			return &reply, nil
		case strings.Contains(reply.Message, "authorization_pending"):
			continue
		case strings.Contains(reply.Message, "slow_down"):
			interval += time.Second
		default:
			return nil, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, reply.Message)
		}
	}
	return nil, fmt.Errorf("device code expired before authorization")
}

func postForm(ctx context.Context, client *http.Client, endpoint string, form url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return client.Do(req)
}
