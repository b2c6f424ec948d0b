package pipeline

import (
	"container/list"
	"context"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/routecodex/routecodex/internal/auth"
	"github.com/routecodex/routecodex/internal/compat"
	"github.com/routecodex/routecodex/internal/config"
	"github.com/routecodex/routecodex/internal/oauth"
	"github.com/routecodex/routecodex/internal/provider"
	"github.com/routecodex/routecodex/internal/snapshot"
	"github.com/routecodex/routecodex/internal/tokenstore"
	"github.com/routecodex/routecodex/pkg/safego"
)

// cacheCap bounds the number of live pipelines. Eviction removes the
// oldest tenth in one sweep so a hot cache does not thrash.
const cacheCap = 100

// defaultProfiles maps a provider type to its compat profile when the
// config does not name one.
var defaultProfiles = map[string]string{
	"openai":      "openai-normalizer",
	"deepseek":    "openai-normalizer",
	"lmstudio":    "lmstudio-compat",
	"iflow":       "iflow-compat",
	"qwen":        "qwen-compat",
	"glm":         "glm-compat",
	"gemini":      "gemini-compat",
	"geminicli":   "geminicli-compat",
	"antigravity": "geminicli-compat",
}

// Manager builds pipelines on demand and keeps them in an LRU cache
// keyed by the target's canonical provider.model.key identity.
type Manager struct {
	cfg       *config.Config
	store     *tokenstore.Store
	oauth     *oauth.Manager
	snap      *snapshot.Writer
	filterDir string
	logger    *zap.Logger

	mu    sync.Mutex
	cache map[string]*list.Element
	order *list.List // front = most recently used
}

type cacheEntry struct {
	key      string
	pipeline *Pipeline
}

// NewManager wires the pipeline factory over shared infrastructure.
func NewManager(cfg *config.Config, store *tokenstore.Store, mgr *oauth.Manager, snap *snapshot.Writer, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:       cfg,
		store:     store,
		oauth:     mgr,
		snap:      snap,
		filterDir: config.HomeDir(),
		logger:    logger.With(zap.String("component", "pipeline")),
		cache:     map[string]*list.Element{},
		order:     list.New(),
	}
}

// Get returns the pipeline for a target, building it on first use.
func (m *Manager) Get(ctx context.Context, target config.Target) (*Pipeline, error) {
	key := target.Canonical()

	m.mu.Lock()
	if el, ok := m.cache[key]; ok {
		m.order.MoveToFront(el)
		p := el.Value.(*cacheEntry).pipeline
		m.mu.Unlock()
		return p, nil
	}
	m.mu.Unlock()

	p, err := m.build(ctx, target)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// A racing builder may have won; prefer the cached instance and
	// drop ours off the lock.
	if el, ok := m.cache[key]; ok {
		m.order.MoveToFront(el)
		cached := el.Value.(*cacheEntry).pipeline
		safego.Go(m.logger, "pipeline-discard", p.cleanup)
		return cached, nil
	}
	m.cache[key] = m.order.PushFront(&cacheEntry{key: key, pipeline: p})
	m.evictLocked()
	return p, nil
}

// build assembles the full chain for one target.
func (m *Manager) build(ctx context.Context, target config.Target) (*Pipeline, error) {
	pc, err := m.cfg.PipelineFor(target)
	if err != nil {
		return nil, err
	}

	authProv, err := auth.New(pc, m.store, m.oauth, m.logger)
	if err != nil {
		return nil, err
	}

	profile := pc.Provider.Compatibility.Profile
	if profile == "" {
		profile = defaultProfiles[pc.Provider.Type]
	}
	filterDir := m.filterDir
	if pc.Provider.Compatibility.ShapeFilterFile != "" {
		filterDir = filepath.Dir(pc.Provider.Compatibility.ShapeFilterFile)
	}
	stage, err := compat.New(profile, filterDir, m.logger)
	if err != nil {
		return nil, err
	}

	module, err := provider.New(provider.Deps{
		Pipeline:  pc,
		Auth:      authProv,
		OAuth:     m.oauth,
		Snapshots: m.snap,
		Logger:    m.logger,
	})
	if err != nil {
		return nil, err
	}
	if err := module.Initialize(ctx); err != nil {
		return nil, err
	}

	m.logger.Info("Pipeline assembled",
		zap.String("target", target.Canonical()),
		zap.String("compat", stage.Name()),
		zap.String("protocol", pc.OutputProtocol()))
	return &Pipeline{
		target:   target,
		cfg:      pc,
		compat:   stage,
		module:   module,
		outProto: pc.OutputProtocol(),
		logger:   m.logger,
	}, nil
}

// evictLocked trims the cache to capacity, dropping the oldest tenth.
// Module cleanup runs on its own goroutine, off the request path.
func (m *Manager) evictLocked() {
	if m.order.Len() <= cacheCap {
		return
	}
	drop := cacheCap / 10
	if drop < 1 {
		drop = 1
	}
	for i := 0; i < drop && m.order.Len() > 0; i++ {
		oldest := m.order.Back()
		entry := oldest.Value.(*cacheEntry)
		m.order.Remove(oldest)
		delete(m.cache, entry.key)
		safego.Go(m.logger, "pipeline-evict", entry.pipeline.cleanup)
		m.logger.Debug("Pipeline evicted", zap.String("target", entry.key))
	}
}

// Size reports the number of cached pipelines.
func (m *Manager) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order.Len()
}

// Shutdown releases every cached pipeline.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	entries := make([]*cacheEntry, 0, m.order.Len())
	for el := m.order.Front(); el != nil; el = el.Next() {
		entries = append(entries, el.Value.(*cacheEntry))
	}
	m.order.Init()
	m.cache = map[string]*list.Element{}
	m.mu.Unlock()

	for _, e := range entries {
		e.pipeline.cleanup()
	}
}
