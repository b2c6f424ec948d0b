package tokenstore

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// StaticAlias marks a read-only token file: the daemon and manual
// refresh both skip it.
const StaticAlias = "static"

// Descriptor identifies one discovered token file and its evaluated
// state. Descriptors are rebuilt on every scan; durable bookkeeping
// lives in the history journal.
type Descriptor struct {
	Provider    string    `json:"provider"`
	Alias       string    `json:"alias"`
	Sequence    int       `json:"sequence"`
	FilePath    string    `json:"filePath"`
	DisplayName string    `json:"displayName"`
	State       State     `json:"state"`
	Mtime       time.Time `json:"mtime"`
	HasRefresh  bool      `json:"hasRefresh"`
}

// Key is the history identity of the token: "<provider>:<alias>".
func (d Descriptor) Key() string { return d.Provider + ":" + d.Alias }

// IsStatic reports whether the alias opts out of refresh.
func (d Descriptor) IsStatic() bool { return d.Alias == StaticAlias }

// Scan enumerates token files for the given providers: every
// <authDir>/<provider>/*.json plus the legacy
// <home>/.<provider>/oauth_creds.json when present. Unreadable files
// surface as invalid descriptors rather than being dropped.
func (s *Store) Scan(providers []string, now time.Time) []Descriptor {
	var out []Descriptor

	for _, provider := range providers {
		seq := 0

		dir := filepath.Join(s.authDir, provider)
		entries, err := os.ReadDir(dir)
		if err == nil {
			names := make([]string, 0, len(entries))
			for _, e := range entries {
				if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
					continue
				}
				names = append(names, e.Name())
			}
			sort.Strings(names)
			for _, name := range names {
				seq++
				path := filepath.Join(dir, name)
				alias := strings.TrimSuffix(name, ".json")
				out = append(out, s.describe(provider, alias, seq, path, now))
			}
		}

		if legacy := s.LegacyPath(provider); legacy != "" {
			if _, err := os.Stat(legacy); err == nil {
				seq++
				out = append(out, s.describe(provider, "oauth_creds", seq, legacy, now))
			}
		}
	}
	return out
}

func (s *Store) describe(provider, alias string, seq int, path string, now time.Time) Descriptor {
	d := Descriptor{
		Provider:    provider,
		Alias:       alias,
		Sequence:    seq,
		FilePath:    path,
		DisplayName: provider + "/" + alias,
	}
	payload, mtime, err := s.Read(path)
	d.Mtime = mtime
	if err != nil {
		d.State = State{Status: StatusInvalid}
		return d
	}
	d.State = payload.StateAt(now)
	d.HasRefresh = payload.HasRefreshToken()
	return d
}
