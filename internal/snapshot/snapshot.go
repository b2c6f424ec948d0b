// Package snapshot captures provider request/response pairs on disk for
// post-mortem replay. Capture is off unless ROUTECODEX_ENABLE_DEBUGCENTER
// is set; a failed write never fails the request it documents.
package snapshot

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// Entry-endpoint buckets under ~/.routecodex/codex-samples/.
const (
	BucketOpenAIChat      = "openai-chat"
	BucketOpenAIResponses = "openai-responses"
	BucketAnthropic       = "anthropic-messages"
	BucketGemini          = "gemini"
)

// BucketFor maps an entry endpoint to its sample bucket.
func BucketFor(entryEndpoint string) string {
	switch {
	case strings.Contains(entryEndpoint, "/responses"):
		return BucketOpenAIResponses
	case strings.Contains(entryEndpoint, "/messages"):
		return BucketAnthropic
	case strings.Contains(entryEndpoint, "generateContent"):
		return BucketGemini
	default:
		return BucketOpenAIChat
	}
}

// Writer persists snapshot files for one samples root.
type Writer struct {
	root    string
	enabled bool
	logger  *zap.Logger
}

// New creates a snapshot writer rooted at dir. Enablement follows
// ROUTECODEX_ENABLE_DEBUGCENTER unless forced via Enable.
func New(dir string, logger *zap.Logger) *Writer {
	enabled := false
	if v := os.Getenv("ROUTECODEX_ENABLE_DEBUGCENTER"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			enabled = b
		} else {
			enabled = true
		}
	}
	return &Writer{
		root:    dir,
		enabled: enabled,
		logger:  logger.With(zap.String("component", "snapshot")),
	}
}

// Enable forces capture on or off (tests, debug subcommands).
func (w *Writer) Enable(on bool) { w.enabled = on }

// Enabled reports whether capture is active.
func (w *Writer) Enabled() bool { return w.enabled }

// Request writes <id>_provider-request.json in the endpoint's bucket.
func (w *Writer) Request(entryEndpoint, requestID string, body any) {
	w.write(entryEndpoint, requestID, "provider-request", body)
}

// Response writes <id>_provider-response.json.
func (w *Writer) Response(entryEndpoint, requestID string, body any) {
	w.write(entryEndpoint, requestID, "provider-response", body)
}

// Pair writes the combined <id>_provider-pair.json.
func (w *Writer) Pair(entryEndpoint, requestID string, request, response any) {
	w.write(entryEndpoint, requestID, "provider-pair", map[string]any{
		"request":  request,
		"response": response,
	})
}

// Error writes <id>_provider-error.json.
func (w *Writer) Error(entryEndpoint, requestID string, errBody any) {
	w.write(entryEndpoint, requestID, "provider-error", errBody)
}

func (w *Writer) write(entryEndpoint, requestID, kind string, body any) {
	if !w.enabled || requestID == "" {
		return
	}
	dir := filepath.Join(w.root, BucketFor(entryEndpoint))
	if err := os.MkdirAll(dir, 0755); err != nil {
		w.logger.Warn("Snapshot dir create failed", zap.String("dir", dir), zap.Error(err))
		return
	}
	data, err := json.MarshalIndent(body, "", "  ")
	if err != nil {
		w.logger.Warn("Snapshot encode failed", zap.String("kind", kind), zap.Error(err))
		return
	}
	path := filepath.Join(dir, requestID+"_"+kind+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		w.logger.Warn("Snapshot write failed", zap.String("path", path), zap.Error(err))
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		w.logger.Warn("Snapshot rename failed", zap.String("path", path), zap.Error(err))
	}
}
