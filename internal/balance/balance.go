package balance

import (
	"sync"

	"go.uber.org/zap"

	"github.com/routecodex/routecodex/internal/config"
)

// Balancer selects a concrete target for a route with two-layer
// round-robin: groups of provider.model first, then keys within the
// group. Indices are the only mutable state on the hot path and are
// guarded by a single mutex.
type Balancer struct {
	mu     sync.Mutex
	pools  map[string][]config.Target
	routes map[string]*routeState
	order  []string
	logger *zap.Logger
}

type routeState struct {
	groups  []*group
	poolIdx int
}

// group is one provider.model bucket with its ordered key list.
type group struct {
	model   string
	targets []config.Target
	keyIdx  int
}

// New builds a balancer over the route pools. order is the configured
// route sequence, used when a computed route has no targets.
func New(pools map[string][]config.Target, order []string, logger *zap.Logger) *Balancer {
	b := &Balancer{
		pools:  pools,
		routes: make(map[string]*routeState, len(pools)),
		order:  order,
		logger: logger.With(zap.String("component", "balancer")),
	}
	for name := range pools {
		b.routes[name] = buildRouteState(pools[name])
	}
	return b
}

func buildRouteState(targets []config.Target) *routeState {
	rs := &routeState{}
	index := map[string]*group{}
	for _, t := range targets {
		g, ok := index[t.Group()]
		if !ok {
			g = &group{model: t.Model}
			index[t.Group()] = g
			rs.groups = append(rs.groups, g)
		}
		g.targets = append(g.targets, t)
	}
	return rs
}

// Pick returns the next target for the route. model enables the
// direct-match shortcut; pass "" to skip it. The boolean is false only
// when no route in the whole table has targets.
func (b *Balancer) Pick(route, model string) (config.Target, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rs := b.routes[route]
	if rs == nil || len(rs.groups) == 0 {
		// Fall back to the first configured route that has targets.
		for _, name := range b.order {
			if cand := b.routes[name]; cand != nil && len(cand.groups) > 0 {
				b.logger.Debug("Route has no targets, falling back",
					zap.String("route", route), zap.String("fallback", name))
				rs = cand
				break
			}
		}
		if rs == nil || len(rs.groups) == 0 {
			return config.Target{}, false
		}
	}

	// Direct-match shortcut: the request names a model present in the
	// pool. Both indices advance past the chosen target.
	if model != "" {
		for gi, g := range rs.groups {
			if g.model == model {
				t := g.targets[g.keyIdx]
				g.keyIdx = (g.keyIdx + 1) % len(g.targets)
				rs.poolIdx = (gi + 1) % len(rs.groups)
				return t, true
			}
		}
	}

	// Singleton pool.
	if len(rs.groups) == 1 && len(rs.groups[0].targets) == 1 {
		return rs.groups[0].targets[0], true
	}

	g := rs.groups[rs.poolIdx]
	t := g.targets[g.keyIdx]
	g.keyIdx = (g.keyIdx + 1) % len(g.targets)
	rs.poolIdx = (rs.poolIdx + 1) % len(rs.groups)
	return t, true
}

// Reset clears the indices of one route and rebuilds its groups from
// the pool table.
func (b *Balancer) Reset(route string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if targets, ok := b.pools[route]; ok {
		b.routes[route] = buildRouteState(targets)
	}
}

// Targets returns the configured pool of a route (for status surfaces).
func (b *Balancer) Targets(route string) []config.Target {
	return b.pools[route]
}
