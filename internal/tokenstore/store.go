package tokenstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// Store reads and writes token files. Writers always go through a
// temp-file rename so concurrent readers never observe a torn write.
type Store struct {
	authDir string // managed tree: <authDir>/<provider>/<alias>.json
	homeDir string // legacy tree:  <homeDir>/.<provider>/oauth_creds.json
	logger  *zap.Logger
}

// NewStore builds a store over the managed auth directory. homeDir
// enables legacy per-provider paths; pass "" to disable them.
func NewStore(authDir, homeDir string, logger *zap.Logger) *Store {
	return &Store{
		authDir: authDir,
		homeDir: homeDir,
		logger:  logger.With(zap.String("component", "tokenstore")),
	}
}

// PathFor resolves the managed file path for a provider alias.
func (s *Store) PathFor(provider, alias string) string {
	return filepath.Join(s.authDir, provider, alias+".json")
}

// LegacyPath resolves the legacy home-dotted path for a provider.
func (s *Store) LegacyPath(provider string) string {
	if s.homeDir == "" {
		return ""
	}
	return filepath.Join(s.homeDir, "."+provider, "oauth_creds.json")
}

// Read parses a token file. The returned mtime reflects the file as
// read and feeds the daemon's suspension bookkeeping.
func (s *Store) Read(path string) (*Payload, time.Time, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, time.Time{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, time.Time{}, err
	}
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, info.ModTime(), fmt.Errorf("parse token file %s: %w", path, err)
	}
	return &p, info.ModTime(), nil
}

// Write persists a token payload atomically: mkdir -p, write temp,
// rename over the destination.
func (s *Store) Write(path string, p *Payload) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create token dir: %w", err)
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".token-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp token file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp token file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp token file: %w", err)
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chmod temp token file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace token file: %w", err)
	}
	return nil
}

// Mtime returns the current modification time of a token file.
func (s *Store) Mtime(path string) (time.Time, error) {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

// AuthDir exposes the managed token root (watched by the daemon).
func (s *Store) AuthDir() string { return s.authDir }
