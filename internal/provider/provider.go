// Package provider implements the upstream modules: one per vendor
// family, each owning authentication, the HTTP exchange, streaming
// semantics, and error normalization. Modules register themselves via
// init() in this package; the pipeline selects one by config type.
package provider

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/routecodex/routecodex/internal/auth"
	"github.com/routecodex/routecodex/internal/config"
	"github.com/routecodex/routecodex/internal/oauth"
	"github.com/routecodex/routecodex/internal/snapshot"
	"github.com/routecodex/routecodex/internal/sse"
)

// Request is the provider-stage view of one inbound call. Payload is
// already translated to the provider's wire protocol and shape-adjusted
// by the compatibility stage.
type Request struct {
	RequestID     string
	EntryEndpoint string
	OrigModel     string // inbound model, restored on the response
	Payload       map[string]any
	Stream        bool // entry asked for SSE
}

// Metadata travels back with every response.
type Metadata struct {
	RequestID      string         `json:"requestId"`
	ProcessingTime time.Duration  `json:"processingTime"`
	Model          string         `json:"model"`
	Usage          map[string]any `json:"usage,omitempty"`
}

// Response is the provider result: either a decoded JSON body or, for
// streaming upstreams, a normalized frame channel.
type Response struct {
	Data     map[string]any
	Status   int
	Headers  http.Header
	Stream   <-chan sse.Frame
	Metadata Metadata
}

// Status is the lifecycle snapshot surfaced by CLI and health handlers.
type Status struct {
	Type        string `json:"type"`
	BaseURL     string `json:"baseUrl"`
	Initialized bool   `json:"initialized"`
	Healthy     bool   `json:"healthy,omitempty"`
}

// Module is the provider capability set.
type Module interface {
	Initialize(ctx context.Context) error
	SendRequest(ctx context.Context, req *Request) (*Response, error)
	CheckHealth(ctx context.Context) bool
	Cleanup() error
	Status() Status
}

// Deps carries everything a factory needs to assemble a module.
type Deps struct {
	Pipeline  *config.PipelineConfig
	Auth      auth.Provider
	OAuth     *oauth.Manager
	Snapshots *snapshot.Writer
	Logger    *zap.Logger
}

// Factory creates a Module for one pipeline target.
type Factory func(deps Deps) (Module, error)

var (
	factoryMu sync.RWMutex
	factories = map[string]Factory{}
)

// Register installs a factory for the given provider type. Called from
// init() in each module file.
func Register(typeName string, factory Factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factories[typeName] = factory
}

// New creates the module for deps.Pipeline.Provider.Type.
func New(deps Deps) (Module, error) {
	t := deps.Pipeline.Provider.Type
	factoryMu.RLock()
	factory, ok := factories[t]
	factoryMu.RUnlock()
	if !ok {
		factoryMu.RLock()
		available := make([]string, 0, len(factories))
		for k := range factories {
			available = append(available, k)
		}
		factoryMu.RUnlock()
		return nil, fmt.Errorf("unknown provider type %q (available: %v)", t, available)
	}
	return factory(deps)
}
