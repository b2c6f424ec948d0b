package tokenstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Event names emitted to the daemon event log.
const (
	EventRefreshSuccess = "token-refresh-success"
	EventRefreshFailure = "token-refresh-failure"
)

// Event is one line in the append-only JSONL log
// (~/.routecodex/statics/token-daemon-events.log).
type Event struct {
	Event      string `json:"event"`
	Provider   string `json:"provider"`
	Alias      string `json:"alias"`
	FilePath   string `json:"filePath"`
	DurationMs int64  `json:"durationMs"`
	Mode       string `json:"mode"`
	Error      string `json:"error,omitempty"`
	At         string `json:"at"`
}

// EventLog appends refresh events as JSONL. Append failures are the
// caller's to log; they never block a refresh.
type EventLog struct {
	path string
	mu   sync.Mutex
}

// NewEventLog creates an event log writer for path.
func NewEventLog(path string) *EventLog {
	return &EventLog{path: path}
}

// Append writes one event line.
func (l *EventLog) Append(e Event) error {
	if e.At == "" {
		e.At = time.Now().UTC().Format(time.RFC3339)
	}
	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(line, '\n'))
	return err
}
