package twitch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"clipworks/pkg/clients"
	"clipworks/pkg/logging"
)

const (
	defaultHelixURL = "https://api.twitch.tv/helix"
	defaultAuthURL  = "https://id.twitch.tv"

	requestTimeout = 30 * time.Second
)

// Channel identifies a live channel returned by ListTopLive, ordered by rank.
type Channel struct {
	ID    int
	Login string
}

// ClipDetails is the subset of clip metadata the pipeline persists.
type ClipDetails struct {
	EmbedURL     string `json:"embed_url"`
	ThumbnailURL string `json:"thumbnail_url"`
}

// CredentialStore is the persistence hook for refreshed user tokens.
type CredentialStore interface {
	Save(accessToken, refreshToken string) error
}

// Config configures a Helix client.
type Config struct {
	ClientID     string
	ClientSecret string

	// Initial user credential; refreshed in place on 401.
	AccessToken  string
	RefreshToken string

	// Store receives every refreshed token pair. Optional for app-only use.
	Store CredentialStore

	Logger logging.Logger

	// Overridable for tests.
	HelixURL   string
	AuthURL    string
	HTTPClient *http.Client
}

// Client is a typed wrapper over the Helix REST API. Streams listing uses
// app-only auth via client credentials; clip operations use the user
// credential guarded by a mutex so a refresh cannot race a header build.
type Client struct {
	clientID string
	secret   string
	helixURL string
	authURL  string
	logger   logging.Logger
	http     *http.Client
	store    CredentialStore

	appTokens oauth2.TokenSource

	mu           sync.Mutex
	accessToken  string
	refreshToken string
}

// NewClient creates a Helix client.
func NewClient(cfg Config) *Client {
	helixURL := cfg.HelixURL
	if helixURL == "" {
		helixURL = defaultHelixURL
	}
	authURL := cfg.AuthURL
	if authURL == "" {
		authURL = defaultAuthURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:   requestTimeout,
			Transport: clients.DefaultTransport(),
		}
	}

	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     authURL + "/oauth2/token",
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, httpClient)

	return &Client{
		clientID:     cfg.ClientID,
		secret:       cfg.ClientSecret,
		helixURL:     helixURL,
		authURL:      authURL,
		logger:       cfg.Logger,
		http:         httpClient,
		store:        cfg.Store,
		appTokens:    cc.TokenSource(tokenCtx),
		accessToken:  cfg.AccessToken,
		refreshToken: cfg.RefreshToken,
	}
}

// ListTopLive returns up to n currently live channels ordered by viewer rank.
// Uses app-only authentication.
func (c *Client) ListTopLive(ctx context.Context, n int) ([]Channel, error) {
	token, err := c.appTokens.Token()
	if err != nil {
		return nil, transportError(fmt.Errorf("app token: %w", err))
	}

	endpoint := fmt.Sprintf("%s/streams?first=%d", c.helixURL, n)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build streams request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)
	req.Header.Set("Client-Id", c.clientID)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, transportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp.StatusCode, readErrorBody(resp.Body))
	}

	var payload struct {
		Data []struct {
			UserID    string `json:"user_id"`
			UserLogin string `json:"user_login"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, &APIError{Status: resp.StatusCode, Retryable: false, Message: "malformed streams payload: " + err.Error()}
	}

	channels := make([]Channel, 0, len(payload.Data))
	for _, s := range payload.Data {
		id, err := strconv.Atoi(s.UserID)
		if err != nil {
			continue
		}
		channels = append(channels, Channel{ID: id, Login: strings.ToLower(s.UserLogin)})
		if len(channels) >= n {
			break
		}
	}
	return channels, nil
}

// CreateClip asks Twitch to capture a clip for the broadcaster. Returns the
// clip id on success. A 401 triggers exactly one refresh-and-replay; a
// second 401 is permanent.
func (c *Client) CreateClip(ctx context.Context, broadcasterID int) (string, error) {
	endpoint := fmt.Sprintf("%s/clips?broadcaster_id=%d", c.helixURL, broadcasterID)

	body, status, err := c.doUserRequest(ctx, http.MethodPost, endpoint)
	if err != nil {
		return "", err
	}
	if status != http.StatusAccepted {
		return "", statusError(status, string(body))
	}

	var payload struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", &APIError{Status: status, Retryable: false, Message: "malformed clip payload: " + err.Error()}
	}
	if len(payload.Data) == 0 || payload.Data[0].ID == "" {
		return "", &APIError{Status: status, Retryable: true, Message: "clip accepted but no id returned"}
	}
	return payload.Data[0].ID, nil
}

// GetClip fetches clip metadata. Returns (nil, nil) when the clip is not yet
// materialized.
func (c *Client) GetClip(ctx context.Context, clipID string) (*ClipDetails, error) {
	endpoint := fmt.Sprintf("%s/clips?id=%s", c.helixURL, url.QueryEscape(clipID))

	body, status, err := c.doUserRequest(ctx, http.MethodGet, endpoint)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, statusError(status, string(body))
	}

	var payload struct {
		Data []ClipDetails `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, &APIError{Status: status, Retryable: false, Message: "malformed clip payload: " + err.Error()}
	}
	if len(payload.Data) == 0 {
		return nil, nil
	}
	return &payload.Data[0], nil
}

// doUserRequest performs a user-authenticated request, refreshing the token
// once if the first reply is a 401.
func (c *Client) doUserRequest(ctx context.Context, method, endpoint string) ([]byte, int, error) {
	body, status, err := c.doOnce(ctx, method, endpoint)
	if err != nil {
		return nil, 0, err
	}
	if status != http.StatusUnauthorized {
		return body, status, nil
	}

	if err := c.refresh(ctx); err != nil {
		return nil, 0, err
	}

	body, status, err = c.doOnce(ctx, method, endpoint)
	if err != nil {
		return nil, 0, err
	}
	if status == http.StatusUnauthorized {
		return nil, 0, &APIError{Status: status, Retryable: false, Message: "unauthorized after token refresh"}
	}
	return body, status, nil
}

func (c *Client) doOnce(ctx context.Context, method, endpoint string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}

	c.mu.Lock()
	access := c.accessToken
	c.mu.Unlock()

	req.Header.Set("Authorization", "Bearer "+access)
	req.Header.Set("Client-Id", c.clientID)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, transportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, transportError(err)
	}
	return body, resp.StatusCode, nil
}

// refresh exchanges the refresh token for a new pair and persists it.
func (c *Client) refresh(ctx context.Context) error {
	c.mu.Lock()
	refreshToken := c.refreshToken
	c.mu.Unlock()

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {c.clientID},
		"client_secret": {c.secret},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.authURL+"/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return transportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// A rejected refresh token cannot be recovered in-process.
		return &APIError{Status: resp.StatusCode, Retryable: false, Message: "token refresh rejected: " + readErrorBody(resp.Body)}
	}

	var payload struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return &APIError{Status: resp.StatusCode, Retryable: false, Message: "malformed refresh payload: " + err.Error()}
	}
	if payload.AccessToken == "" || payload.RefreshToken == "" {
		return &APIError{Status: resp.StatusCode, Retryable: false, Message: "refresh reply missing tokens"}
	}

	c.mu.Lock()
	c.accessToken = payload.AccessToken
	c.refreshToken = payload.RefreshToken
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.Save(payload.AccessToken, payload.RefreshToken); err != nil {
			// The in-memory pair is already rotated; losing the file copy
			// costs a re-seed after restart, not correctness now.
			if c.logger != nil {
				c.logger.WithError(err).Error("Failed to persist refreshed tokens")
			}
		}
	}

	if c.logger != nil {
		c.logger.Info("Refreshed Twitch user token")
	}
	return nil
}

func readErrorBody(r io.Reader) string {
	body, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil {
		return ""
	}
	return string(body)
}
