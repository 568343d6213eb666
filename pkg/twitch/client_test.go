package twitch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
)

type fakeStore struct {
	mu       sync.Mutex
	saves    int
	lastPair [2]string
}

func (f *fakeStore) Save(access, refresh string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves++
	f.lastPair = [2]string{access, refresh}
	return nil
}

type helixFixture struct {
	mux    *http.ServeMux
	server *httptest.Server

	mu            sync.Mutex
	refreshCalls  int
	validAccess   string
	refreshResult string
}

func newHelixFixture(t *testing.T) *helixFixture {
	t.Helper()
	f := &helixFixture{
		mux:         http.NewServeMux(),
		validAccess: "user-access-1",
	}
	f.mux.HandleFunc("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.Form.Get("grant_type") {
		case "client_credentials":
			fmt.Fprint(w, `{"access_token":"app-access","expires_in":3600,"token_type":"bearer"}`)
		case "refresh_token":
			f.mu.Lock()
			f.refreshCalls++
			result := f.refreshResult
			f.mu.Unlock()
			if result == "" {
				result = `{"access_token":"user-access-2","refresh_token":"user-refresh-2"}`
			}
			fmt.Fprint(w, result)
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	})
	f.server = httptest.NewServer(f.mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *helixFixture) client(store CredentialStore) *Client {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewClient(Config{
		ClientID:     "cid",
		ClientSecret: "csecret",
		AccessToken:  "user-access-1",
		RefreshToken: "user-refresh-1",
		Store:        store,
		Logger:       logger,
		HelixURL:     f.server.URL,
		AuthURL:      f.server.URL,
	})
}

func TestListTopLive(t *testing.T) {
	f := newHelixFixture(t)
	f.mux.HandleFunc("/streams", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer app-access" {
			t.Errorf("Authorization = %q, want app token", got)
		}
		if got := r.URL.Query().Get("first"); got != "10" {
			t.Errorf("first = %q, want 10", got)
		}
		fmt.Fprint(w, `{"data":[
			{"user_id":"111","user_login":"Alpha"},
			{"user_id":"222","user_login":"bravo"}
		]}`)
	})

	c := f.client(nil)
	channels, err := c.ListTopLive(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListTopLive: %v", err)
	}
	if len(channels) != 2 {
		t.Fatalf("len = %d, want 2", len(channels))
	}
	if channels[0].ID != 111 || channels[0].Login != "alpha" {
		t.Errorf("rank 1 = %+v, want {111 alpha}", channels[0])
	}
}

func TestCreateClipRefreshesOnceOn401(t *testing.T) {
	f := newHelixFixture(t)
	store := &fakeStore{}
	f.mux.HandleFunc("/clips", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer user-access-2" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		fmt.Fprint(w, `{"data":[{"id":"C1"}]}`)
	})

	c := f.client(store)
	clipID, err := c.CreateClip(context.Background(), 111)
	if err != nil {
		t.Fatalf("CreateClip: %v", err)
	}
	if clipID != "C1" {
		t.Errorf("clipID = %q, want C1", clipID)
	}
	if f.refreshCalls != 1 {
		t.Errorf("refresh calls = %d, want 1", f.refreshCalls)
	}
	if store.saves != 1 {
		t.Errorf("store saves = %d, want 1", store.saves)
	}
	if store.lastPair != [2]string{"user-access-2", "user-refresh-2"} {
		t.Errorf("saved pair = %v", store.lastPair)
	}
}

func TestCreateClipSecond401IsPermanent(t *testing.T) {
	f := newHelixFixture(t)
	f.mux.HandleFunc("/clips", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	c := f.client(&fakeStore{})
	_, err := c.CreateClip(context.Background(), 111)

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want APIError", err)
	}
	if apiErr.Retryable {
		t.Error("second 401 must be permanent")
	}
	if f.refreshCalls != 1 {
		t.Errorf("refresh calls = %d, want exactly 1", f.refreshCalls)
	}
}

func TestCreateClipClassification(t *testing.T) {
	cases := []struct {
		status    int
		retryable bool
	}{
		{http.StatusInternalServerError, true},
		{http.StatusBadGateway, true},
		{http.StatusServiceUnavailable, true},
		{http.StatusGatewayTimeout, true},
		{http.StatusTooManyRequests, true},
		{http.StatusRequestTimeout, true},
		{http.StatusForbidden, false},
		{http.StatusNotFound, false},
	}

	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			f := newHelixFixture(t)
			f.mux.HandleFunc("/clips", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			})

			c := f.client(&fakeStore{})
			_, err := c.CreateClip(context.Background(), 111)

			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("err = %v, want APIError", err)
			}
			if apiErr.Status != tc.status {
				t.Errorf("status = %d, want %d", apiErr.Status, tc.status)
			}
			if apiErr.Retryable != tc.retryable {
				t.Errorf("retryable = %v, want %v", apiErr.Retryable, tc.retryable)
			}
		})
	}
}

func TestGetClipNotFound(t *testing.T) {
	f := newHelixFixture(t)
	f.mux.HandleFunc("/clips", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":[]}`)
	})

	c := f.client(&fakeStore{})
	details, err := c.GetClip(context.Background(), "missing")
	if err != nil {
		t.Fatalf("GetClip: %v", err)
	}
	if details != nil {
		t.Errorf("details = %+v, want nil", details)
	}
}

func TestGetClipReturnsURLs(t *testing.T) {
	f := newHelixFixture(t)
	f.mux.HandleFunc("/clips", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("id"); got != "C1" {
			t.Errorf("id = %q, want C1", got)
		}
		fmt.Fprint(w, `{"data":[{"embed_url":"e1","thumbnail_url":"t1"}]}`)
	})

	c := f.client(&fakeStore{})
	details, err := c.GetClip(context.Background(), "C1")
	if err != nil {
		t.Fatalf("GetClip: %v", err)
	}
	if details == nil || details.EmbedURL != "e1" || details.ThumbnailURL != "t1" {
		t.Errorf("details = %+v, want e1/t1", details)
	}
}

func TestIsRetryableTransportError(t *testing.T) {
	if !IsRetryable(errors.New("connection refused")) {
		t.Error("plain transport errors must be retryable")
	}
	if IsRetryable(nil) {
		t.Error("nil is not retryable")
	}
	if IsRetryable(&APIError{Status: 403, Retryable: false}) {
		t.Error("permanent APIError must not be retryable")
	}
}
