package tokens

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func tempStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tokens.json")
	return NewStore(path), path
}

func TestLoadMissingFile(t *testing.T) {
	store, _ := tempStore(t)

	_, err := store.Load()
	if !errors.Is(err, ErrCredentialMissing) {
		t.Fatalf("Load = %v, want ErrCredentialMissing", err)
	}
}

func TestLoadCorruptFile(t *testing.T) {
	store, path := tempStore(t)
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	_, err := store.Load()
	if !errors.Is(err, ErrCredentialCorrupt) {
		t.Fatalf("Load = %v, want ErrCredentialCorrupt", err)
	}
}

func TestLoadRejectsEmptyTokens(t *testing.T) {
	store, path := tempStore(t)
	if err := os.WriteFile(path, []byte(`{"access_token":"","refresh_token":"r","scopes":[]}`), 0o600); err != nil {
		t.Fatal(err)
	}

	_, err := store.Load()
	if !errors.Is(err, ErrCredentialCorrupt) {
		t.Fatalf("Load = %v, want ErrCredentialCorrupt", err)
	}
}

func TestSaveLoadRoundTripPreservesScopes(t *testing.T) {
	store, _ := tempStore(t)

	scopes := []string{"chat:read", "clips:edit"}
	if err := store.Seed("access-1", "refresh-1", scopes); err != nil {
		t.Fatalf("Seed: %v", err)
	}

	if _, err := store.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if err := store.Save("access-2", "refresh-2"); err != nil {
		t.Fatalf("Save: %v", err)
	}

	cred, err := store.Load()
	if err != nil {
		t.Fatalf("Load after Save: %v", err)
	}
	if cred.AccessToken != "access-2" || cred.RefreshToken != "refresh-2" {
		t.Errorf("tokens = (%q, %q), want (access-2, refresh-2)", cred.AccessToken, cred.RefreshToken)
	}
	if len(cred.Scopes) != 2 || cred.Scopes[0] != "chat:read" || cred.Scopes[1] != "clips:edit" {
		t.Errorf("scopes = %v, want %v", cred.Scopes, scopes)
	}
	if cred.UpdatedAt.IsZero() {
		t.Error("UpdatedAt not set")
	}
}

func TestSaveLeavesNoTempFiles(t *testing.T) {
	store, path := tempStore(t)
	if err := store.Seed("a", "r", nil); err != nil {
		t.Fatalf("Seed: %v", err)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("directory contents = %v, want only tokens.json", names)
	}
}
