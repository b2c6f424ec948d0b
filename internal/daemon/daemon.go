// Package daemon runs the background token refresh loop: one leader
// per machine scans the managed token files each tick, refreshes the
// expiring ones through a bounded worker pool, and journals every
// attempt. Suspended tokens are left alone until the user re-authorizes
// (observed through the file watcher or the per-tick mtime check).
package daemon

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/routecodex/routecodex/internal/config"
	"github.com/routecodex/routecodex/internal/monitoring"
	"github.com/routecodex/routecodex/internal/oauth"
	"github.com/routecodex/routecodex/internal/tokenstore"
	"github.com/routecodex/routecodex/pkg/safego"
)

// Defaults when the daemon config is silent.
const (
	defaultTick        = 60 * time.Second
	defaultMaxWorkers  = 4
	defaultRefreshRate = 2.0
	leaderRetryDelay   = 30 * time.Second
)

// Daemon is the token refresh loop.
type Daemon struct {
	cfg     *config.Config
	store   *tokenstore.Store
	oauth   *oauth.Manager
	history *tokenstore.History
	events  *tokenstore.EventLog
	leader  *leader
	logger  *zap.Logger

	tick    time.Duration
	workers int
	limiter *rate.Limiter
}

// New assembles the daemon over the shared token infrastructure. The
// journal and event log live under the statics directory.
func New(cfg *config.Config, store *tokenstore.Store, mgr *oauth.Manager, staticsDir, leaderDir string, logger *zap.Logger) (*Daemon, error) {
	logger = logger.With(zap.String("component", "daemon"))
	history, err := tokenstore.OpenHistory(filepath.Join(staticsDir, "token-daemon-history.json"), logger)
	if err != nil {
		return nil, err
	}

	tick := cfg.Daemon.TickInterval
	if tick <= 0 {
		tick = defaultTick
	}
	workers := cfg.Daemon.MaxWorkers
	if workers <= 0 {
		workers = defaultMaxWorkers
	}
	perSec := cfg.Daemon.RefreshPerSec
	if perSec <= 0 {
		perSec = defaultRefreshRate
	}

	return &Daemon{
		cfg:     cfg,
		store:   store,
		oauth:   mgr,
		history: history,
		events:  tokenstore.NewEventLog(filepath.Join(staticsDir, "token-daemon-events.log")),
		leader:  newLeader(leaderDir, uuid.NewString(), logger),
		logger:  logger,
		tick:    tick,
		workers: workers,
		limiter: rate.NewLimiter(rate.Limit(perSec), 1),
	}, nil
}

// History exposes the journal (CLI status views read it).
func (d *Daemon) History() *tokenstore.History { return d.history }

// Run blocks until ctx is cancelled: acquire the lease, watch the token
// directory, and tick the refresh loop.
func (d *Daemon) Run(ctx context.Context) error {
	for {
		ok, err := d.leader.tryAcquire(time.Now())
		if err != nil {
			return err
		}
		if ok {
			break
		}
		d.logger.Info("Another refresh daemon holds the lease, standing by")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(leaderRetryDelay):
		}
	}
	defer d.leader.release()
	d.logger.Info("Refresh daemon is leader", zap.Duration("tick", d.tick))

	if watcher, err := d.startWatcher(ctx); err != nil {
		// Watch failure degrades to the per-tick mtime check.
		d.logger.Warn("Token directory watch unavailable", zap.Error(err))
	} else {
		defer watcher.Close()
	}

	ticker := time.NewTicker(d.tick)
	defer ticker.Stop()
	d.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single scan-and-refresh cycle.
func (d *Daemon) RunOnce(ctx context.Context) {
	now := time.Now()
	descs := d.store.Scan(d.providerIDs(), now)

	suspended := 0
	var due []tokenstore.Descriptor
	for _, desc := range descs {
		key := desc.Key()
		// A suspended token whose file moved on disk was re-authorized
		// out of band; lift the suspension and reconsider it.
		if d.history.IsSuspended(key) {
			if !d.history.ClearIfMtimeAdvanced(key, desc.Mtime) {
				suspended++
				continue
			}
			d.logger.Info("Suspension cleared, token file changed on disk",
				zap.String("token", desc.DisplayName))
		}
		if desc.IsStatic() || !desc.HasRefresh {
			continue
		}
		switch desc.State.Status {
		case tokenstore.StatusExpiring, tokenstore.StatusExpired:
			due = append(due, desc)
		}
	}
	monitoring.SetSuspended(suspended)
	if len(due) == 0 {
		return
	}
	d.logger.Info("Refreshing tokens", zap.Int("due", len(due)), zap.Int("suspended", suspended))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.workers)
	for _, desc := range due {
		desc := desc
		g.Go(func() error {
			if err := d.limiter.Wait(gctx); err != nil {
				return nil
			}
			d.refreshOne(gctx, desc, tokenstore.ModeAuto)
			return nil
		})
	}
	_ = g.Wait()
}

// RefreshManual refreshes one token on user request. Static aliases are
// skipped; the journal records the attempt without touching the
// auto-suspension streak.
func (d *Daemon) RefreshManual(ctx context.Context, desc tokenstore.Descriptor) error {
	if desc.IsStatic() {
		d.logger.Info("Skipping static token", zap.String("token", desc.DisplayName))
		return nil
	}
	return d.refreshOne(ctx, desc, tokenstore.ModeManual)
}

func (d *Daemon) refreshOne(ctx context.Context, desc tokenstore.Descriptor, mode string) error {
	started := time.Now()
	override := d.oauthOverride(desc.Provider)
	_, err := d.oauth.Refresh(ctx, desc.Provider, desc.FilePath, override)
	duration := time.Since(started)

	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	mtime, _ := d.store.Mtime(desc.FilePath)
	entry, recErr := d.history.Record(tokenstore.RefreshResult{
		Key:        desc.Key(),
		Mode:       mode,
		Success:    err == nil,
		Err:        errMsg,
		Duration:   duration,
		TokenMtime: mtime,
		// A rejected grant cannot recover without re-authorization.
		SuspendNow: mode == tokenstore.ModeAuto && strings.Contains(errMsg, "invalid_grant"),
	})
	if recErr != nil {
		d.logger.Warn("Failed to journal refresh attempt", zap.Error(recErr))
	}

	event := tokenstore.Event{
		Event:      tokenstore.EventRefreshSuccess,
		Provider:   desc.Provider,
		Alias:      desc.Alias,
		FilePath:   desc.FilePath,
		DurationMs: duration.Milliseconds(),
		Mode:       mode,
	}
	if err != nil {
		event.Event = tokenstore.EventRefreshFailure
		event.Error = errMsg
	}
	if appendErr := d.events.Append(event); appendErr != nil {
		d.logger.Warn("Failed to append refresh event", zap.Error(appendErr))
	}
	monitoring.ObserveRefresh(desc.Provider, mode, err == nil)

	if err != nil {
		d.logger.Warn("Token refresh failed",
			zap.String("token", desc.DisplayName),
			zap.String("mode", mode),
			zap.Int("failureStreak", entry.FailureStreak),
			zap.Bool("suspended", entry.AutoSuspended),
			zap.Error(err))
		return err
	}
	d.logger.Info("Token refreshed",
		zap.String("token", desc.DisplayName),
		zap.String("mode", mode),
		zap.Duration("duration", duration))
	return nil
}

// providerIDs lists the configured providers whose tokens the daemon
// manages.
func (d *Daemon) providerIDs() []string {
	ids := make([]string, 0, len(d.cfg.Providers))
	for _, p := range d.cfg.Providers {
		ids = append(ids, p.ID)
	}
	return ids
}

func (d *Daemon) oauthOverride(providerID string) config.OAuthConfig {
	if p, ok := d.cfg.Provider(providerID); ok {
		return p.OAuth
	}
	return config.OAuthConfig{}
}

// startWatcher watches the auth directory tree and lifts suspensions as
// soon as a suspended token file changes on disk.
func (d *Daemon) startWatcher(ctx context.Context) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(d.store.AuthDir()); err != nil {
		watcher.Close()
		return nil, err
	}
	for _, id := range d.providerIDs() {
		// Provider subdirectories may not exist yet; ignore add errors.
		_ = watcher.Add(filepath.Join(d.store.AuthDir(), id))
	}

	safego.Go(d.logger, "token-watcher", func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				d.onFileChanged(event.Name)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				d.logger.Warn("Token watcher error", zap.Error(err))
			}
		}
	})
	return watcher, nil
}

func (d *Daemon) onFileChanged(path string) {
	if filepath.Ext(path) != ".json" {
		return
	}
	rel, err := filepath.Rel(d.store.AuthDir(), path)
	if err != nil {
		return
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) != 2 {
		return
	}
	provider := parts[0]
	alias := strings.TrimSuffix(parts[1], ".json")
	key := provider + ":" + alias

	mtime, err := d.store.Mtime(path)
	if err != nil {
		return
	}
	if d.history.ClearIfMtimeAdvanced(key, mtime) {
		d.logger.Info("Suspension cleared by file change", zap.String("token", provider+"/"+alias))
	}
}
