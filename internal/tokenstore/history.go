package tokenstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MaxAutoFailures is the consecutive auto-refresh failure count that
// triggers suspension (given a known token mtime).
const MaxAutoFailures = 3

// Refresh modes recorded in the journal.
const (
	ModeAuto   = "auto"
	ModeManual = "manual"
)

// HistoryEntry is the per-token aggregate in the journal.
type HistoryEntry struct {
	RefreshSuccesses int    `json:"refreshSuccesses"`
	RefreshFailures  int    `json:"refreshFailures"`
	TotalAttempts    int    `json:"totalAttempts"`
	LastAttemptAt    int64  `json:"lastAttemptAt,omitempty"`
	LastDurationMs   int64  `json:"lastDurationMs,omitempty"`
	LastMode         string `json:"lastMode,omitempty"`
	LastResult       string `json:"lastResult,omitempty"`
	LastError        string `json:"lastError,omitempty"`
	FailureStreak    int    `json:"failureStreak"`
	AutoSuspended    bool   `json:"autoSuspended"`
	SuspendedAt      int64  `json:"suspendedAt,omitempty"`
	LastTokenMtime   int64  `json:"lastTokenMtime,omitempty"`
}

type historyFile struct {
	Version int                      `json:"version"`
	Tokens  map[string]*HistoryEntry `json:"tokens"`
}

// RefreshResult is one refresh attempt to be journaled.
type RefreshResult struct {
	Key        string // "<provider>:<alias>"
	Mode       string // auto | manual
	Success    bool
	Err        string
	Duration   time.Duration
	TokenMtime time.Time // mtime after the attempt; zero when unknown
	SuspendNow bool      // request immediate suspension (auto mode only)
}

// History is the durable refresh journal
// (~/.routecodex/statics/token-daemon-history.json, version 1).
type History struct {
	path   string
	logger *zap.Logger

	mu   sync.Mutex
	file historyFile
}

// OpenHistory loads (or initializes) the journal at path.
func OpenHistory(path string, logger *zap.Logger) (*History, error) {
	h := &History{
		path:   path,
		logger: logger.With(zap.String("component", "token-history")),
		file:   historyFile{Version: 1, Tokens: map[string]*HistoryEntry{}},
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return h, nil
		}
		return nil, err
	}
	var f historyFile
	if err := json.Unmarshal(data, &f); err != nil {
		// A corrupt journal is replaced rather than blocking refresh.
		h.logger.Warn("History journal corrupt, starting fresh", zap.String("path", path), zap.Error(err))
		return h, nil
	}
	if f.Tokens == nil {
		f.Tokens = map[string]*HistoryEntry{}
	}
	f.Version = 1
	h.file = f
	return h, nil
}

// Record journals one refresh attempt and applies the streak /
// suspension policy. The updated entry is returned by value.
func (h *History) Record(r RefreshResult) (HistoryEntry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	e := h.file.Tokens[r.Key]
	if e == nil {
		e = &HistoryEntry{}
		h.file.Tokens[r.Key] = e
	}

	now := time.Now()
	e.TotalAttempts++
	e.LastAttemptAt = now.UnixMilli()
	e.LastDurationMs = r.Duration.Milliseconds()
	e.LastMode = r.Mode
	e.LastError = r.Err

	if r.Success {
		e.RefreshSuccesses++
		e.LastResult = "success"
		e.FailureStreak = 0
		e.AutoSuspended = false
		e.SuspendedAt = 0
	} else {
		e.RefreshFailures++
		e.LastResult = "failure"
		if r.Mode == ModeAuto {
			e.FailureStreak++
			mtimeKnown := e.LastTokenMtime > 0 || !r.TokenMtime.IsZero()
			if r.SuspendNow || (e.FailureStreak >= MaxAutoFailures && mtimeKnown) {
				e.AutoSuspended = true
				e.SuspendedAt = now.UnixMilli()
			}
		}
	}
	if !r.TokenMtime.IsZero() {
		e.LastTokenMtime = r.TokenMtime.UnixMilli()
	}

	err := h.saveLocked()
	return *e, err
}

// Get returns the journal entry for a token key.
func (h *History) Get(key string) (HistoryEntry, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.file.Tokens[key]
	if !ok {
		return HistoryEntry{}, false
	}
	return *e, true
}

// Entries returns a copy of the whole journal map.
func (h *History) Entries() map[string]HistoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]HistoryEntry, len(h.file.Tokens))
	for k, v := range h.file.Tokens {
		out[k] = *v
	}
	return out
}

// IsSuspended reports whether auto refresh is halted for the key.
func (h *History) IsSuspended(key string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.file.Tokens[key]
	return ok && e.AutoSuspended
}

// ClearIfMtimeAdvanced lifts a suspension when the on-disk mtime moved
// past the journaled one (the user re-authorized out of band). Returns
// true when a suspension was cleared.
func (h *History) ClearIfMtimeAdvanced(key string, mtime time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.file.Tokens[key]
	if !ok || !e.AutoSuspended || mtime.IsZero() {
		return false
	}
	if mtime.UnixMilli() <= e.LastTokenMtime {
		return false
	}
	e.AutoSuspended = false
	e.SuspendedAt = 0
	e.FailureStreak = 0
	e.LastTokenMtime = mtime.UnixMilli()
	if err := h.saveLocked(); err != nil {
		h.logger.Warn("Failed to persist suspension clear", zap.String("key", key), zap.Error(err))
	}
	return true
}

func (h *History) saveLocked() error {
	if err := os.MkdirAll(filepath.Dir(h.path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(&h.file, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(h.path), ".history-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, h.path)
}
