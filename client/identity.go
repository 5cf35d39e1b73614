package client

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// Identity is the client's persisted self: a stable UserId plus the
// display attributes chosen once on first run.
type Identity struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
	Color  string `json:"color"`
}

var palette = []string{
	"#e6194b", "#3cb44b", "#ffe119", "#4363d8", "#f58231",
	"#911eb4", "#46f0f0", "#f032e6", "#bcf60c", "#008080",
}

// IdentityStore persists the identity across reconnects and restarts.
// Backed by an afero filesystem so tests run against memory.
type IdentityStore struct {
	fs   afero.Fs
	path string
}

func NewIdentityStore(fs afero.Fs, path string) *IdentityStore {
	return &IdentityStore{fs: fs, path: path}
}

// Load returns the stored identity, generating and persisting a fresh
// one if none exists yet.
func (s *IdentityStore) Load() (Identity, error) {
	data, err := afero.ReadFile(s.fs, s.path)
	if err == nil {
		var id Identity
		if json.Unmarshal(data, &id) == nil && id.UserID != "" {
			return id, nil
		}
		// Corrupt file: regenerate below.
	}

	id := generateIdentity()
	if err := s.save(id); err != nil {
		return Identity{}, err
	}
	return id, nil
}

func (s *IdentityStore) save(id Identity) error {
	if dir := filepath.Dir(s.path); dir != "." {
		if err := s.fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating identity dir: %w", err)
		}
	}
	data, err := json.Marshal(id)
	if err != nil {
		return err
	}
	if err := afero.WriteFile(s.fs, s.path, data, 0o600); err != nil {
		return fmt.Errorf("writing identity: %w", err)
	}
	return nil
}

func generateIdentity() Identity {
	userID := newUserID()
	short := userID
	if len(short) > 8 {
		short = short[:8]
	}
	return Identity{
		UserID: userID,
		Name:   "explorer-" + short,
		Color:  palette[rand.Intn(len(palette))],
	}
}

// newUserID prefers a cryptographically random id and falls back to a
// timestamp+random string if the system randomness source fails.
func newUserID() string {
	if id, err := uuid.NewRandom(); err == nil {
		return id.String()
	}
	return fmt.Sprintf("u-%d-%06x", time.Now().UnixMilli(), rand.Intn(1<<24))
}
