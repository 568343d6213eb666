package tokens

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"clipworks/pkg/config"
)

// DefaultPath is where the seeding tool writes the credential file.
const DefaultPath = "secrets/twitch_user_tokens.json"

var (
	// ErrCredentialMissing indicates the backing file does not exist.
	ErrCredentialMissing = errors.New("credential file missing")
	// ErrCredentialCorrupt indicates the file exists but cannot be used.
	ErrCredentialCorrupt = errors.New("credential file corrupt")
)

// Credential is the persisted OAuth user credential. Scopes are fixed at
// seeding time; the running system never modifies them.
type Credential struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	Scopes       []string  `json:"scopes"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Store owns the credential file. It is the single writer; every Save
// replaces the file atomically via write-temp-then-rename.
type Store struct {
	path string

	mu     sync.Mutex
	scopes []string
}

// FilePath resolves the credential file path from the environment.
func FilePath() string {
	return config.GetEnv("TWITCH_TOKEN_FILE", DefaultPath)
}

// NewStore creates a store over the given file path. An empty path uses
// the environment-resolved default.
func NewStore(path string) *Store {
	if path == "" {
		path = FilePath()
	}
	return &Store{path: path}
}

// Load reads the credential from disk. Returns ErrCredentialMissing when the
// file is absent and ErrCredentialCorrupt when it cannot be parsed or either
// token field is empty.
func (s *Store) Load() (Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Credential{}, fmt.Errorf("%w: %s", ErrCredentialMissing, s.path)
		}
		return Credential{}, fmt.Errorf("read credential file: %w", err)
	}

	var cred Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return Credential{}, fmt.Errorf("%w: %v", ErrCredentialCorrupt, err)
	}
	if cred.AccessToken == "" || cred.RefreshToken == "" {
		return Credential{}, fmt.Errorf("%w: missing access_token or refresh_token", ErrCredentialCorrupt)
	}

	s.scopes = cred.Scopes
	return cred, nil
}

// Save replaces the stored token pair, preserving the scopes from the last
// Load (or Seed). The file is written to a temp sibling and renamed so a
// crash cannot leave a torn file.
func (s *Store) Save(accessToken, refreshToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.write(Credential{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		Scopes:       s.scopes,
		UpdatedAt:    time.Now().UTC(),
	})
}

// Seed writes a brand-new credential including scopes. Used only by the
// one-shot seeding tool.
func (s *Store) Seed(accessToken, refreshToken string, scopes []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.scopes = scopes
	return s.write(Credential{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		Scopes:       scopes,
		UpdatedAt:    time.Now().UTC(),
	})
}

func (s *Store) write(cred Credential) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create credential dir: %w", err)
	}

	data, err := json.MarshalIndent(cred, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal credential: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tokens-*.json")
	if err != nil {
		return fmt.Errorf("create temp credential file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp credential file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp credential file: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace credential file: %w", err)
	}
	return nil
}
