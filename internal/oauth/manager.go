package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/routecodex/routecodex/internal/config"
	"github.com/routecodex/routecodex/internal/tokenstore"
	gwerrors "github.com/routecodex/routecodex/pkg/errors"
)

// Options controls one EnsureValidToken invocation.
type Options struct {
	OpenBrowser                  bool
	ForceReauthorize             bool
	ForceReacquireIfRefreshFails bool
}

// Manager drives the OAuth lifecycle: acquisition flows, refresh with
// retry, and persistence through the token store. Concurrent callers
// for the same token file share a single in-flight refresh.
type Manager struct {
	store  *tokenstore.Store
	client *http.Client
	logger *zap.Logger

	maxRetries  int
	backoffBase time.Duration
	authTimeout time.Duration

	sf singleflight.Group

	// notify and openBrowser are injectable for tests and headless runs.
	notify      func(format string, args ...any)
	openBrowser func(url string)
}

// NewManager builds an OAuth manager over the token store.
func NewManager(store *tokenstore.Store, logger *zap.Logger) *Manager {
	m := &Manager{
		store:       store,
		client:      &http.Client{Timeout: 30 * time.Second},
		logger:      logger.With(zap.String("component", "oauth")),
		maxRetries:  3,
		backoffBase: time.Second,
		authTimeout: defaultAuthTimeout,
	}
	m.notify = func(format string, args ...any) {
		m.logger.Info(fmt.Sprintf(format, args...))
	}
	m.openBrowser = openSystemBrowser
	return m
}

// SetNotifier overrides the user-facing prompt sink (CLI uses stdout).
func (m *Manager) SetNotifier(fn func(format string, args ...any)) {
	if fn != nil {
		m.notify = fn
	}
}

// SetBrowserOpener overrides how verification URLs reach the user.
func (m *Manager) SetBrowserOpener(fn func(url string)) {
	if fn != nil {
		m.openBrowser = fn
	}
}

// SetHTTPClient swaps the transport (tests point it at httptest servers).
func (m *Manager) SetHTTPClient(c *http.Client) {
	if c != nil {
		m.client = c
	}
}

// openSystemBrowser launches the platform browser, best effort.
func openSystemBrowser(url string) {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}
	_ = cmd.Start()
}

// EnsureValidToken returns a token payload that is valid for at least
// the expiry buffer, refreshing or re-acquiring as needed and persisting
// any change atomically. Concurrent calls for one path collapse into a
// single upstream exchange.
func (m *Manager) EnsureValidToken(ctx context.Context, provider, path string, override config.OAuthConfig, opts Options) (*tokenstore.Payload, error) {
	v, err, _ := m.sf.Do(path, func() (any, error) {
		return m.ensureValidToken(ctx, provider, path, override, opts)
	})
	if err != nil {
		return nil, err
	}
	return v.(*tokenstore.Payload), nil
}

func (m *Manager) ensureValidToken(ctx context.Context, provider, path string, override config.OAuthConfig, opts Options) (*tokenstore.Payload, error) {
	prof, ok := ProfileFor(provider, override)
	if !ok {
		return nil, gwerrors.NewConfigError("oauth: no profile for provider " + provider)
	}

	payload, _, readErr := m.store.Read(path)

	if opts.ForceReauthorize || readErr != nil || payload == nil {
		if !opts.ForceReauthorize && readErr != nil && payload == nil && !opts.OpenBrowser {
			// A missing file without an interactive session is not
			// recoverable here; surface it instead of hanging on a flow.
			return nil, gwerrors.NewAuthError("oauth: token file missing for " + provider + ": " + path)
		}
		return m.acquire(ctx, prof, path, payload)
	}

	state := payload.StateAt(time.Now())
	switch state.Status {
	case tokenstore.StatusValid:
		return payload, nil
	case tokenstore.StatusNoRefresh, tokenstore.StatusInvalid:
		if opts.OpenBrowser {
			return m.acquire(ctx, prof, path, payload)
		}
		return nil, gwerrors.NewAuthError("oauth: token for " + provider + " cannot be refreshed")
	}

	// Expiring or expired with a refresh token.
	resp, err := m.RefreshWithRetry(ctx, prof, payload.RefreshToken)
	if err != nil {
		m.logger.Warn("Token refresh failed",
			zap.String("provider", provider), zap.String("path", path), zap.Error(err))
		if opts.ForceReacquireIfRefreshFails {
			return m.acquire(ctx, prof, path, payload)
		}
		return nil, err
	}
	next := applyToken(payload, resp, time.Now())
	if err := m.store.Write(path, next); err != nil {
		return nil, gwerrors.Wrap(gwerrors.TypeConfig, err, "oauth: persist refreshed token")
	}
	m.logger.Info("Token refreshed", zap.String("provider", provider), zap.String("path", path))
	return next, nil
}

// acquire runs the profile's flows in preference order and persists the
// first success, enriched with vendor extras (iFlow apiKey).
func (m *Manager) acquire(ctx context.Context, prof Profile, path string, old *tokenstore.Payload) (*tokenstore.Payload, error) {
	var resp *tokenResponse
	var lastErr error
	for _, flow := range prof.Flows {
		var err error
		switch flow {
		case FlowAuthCode:
			resp, err = m.authCodeFlow(ctx, prof)
		case FlowDevice:
			resp, err = m.deviceFlow(ctx, prof)
		default:
			err = gwerrors.NewConfigError("oauth: unknown flow " + flow)
		}
		if err == nil {
			break
		}
		lastErr = err
		m.logger.Warn("Authorization flow failed, trying next",
			zap.String("provider", prof.Provider), zap.String("flow", flow), zap.Error(err))
		resp = nil
	}
	if resp == nil {
		if lastErr == nil {
			lastErr = gwerrors.NewAuthError("oauth: provider " + prof.Provider + " has no flows configured")
		}
		return nil, lastErr
	}

	next := applyToken(old, resp, time.Now())
	if prof.UserInfoURL != "" {
		if apiKey, err := m.fetchAPIKey(ctx, prof, next.AccessToken); err != nil {
			m.logger.Warn("apiKey attachment failed", zap.String("provider", prof.Provider), zap.Error(err))
		} else if apiKey != "" {
			next.APIKey = apiKey
		}
	}
	if err := m.store.Write(path, next); err != nil {
		return nil, gwerrors.Wrap(gwerrors.TypeConfig, err, "oauth: persist acquired token")
	}
	m.logger.Info("Authorization complete",
		zap.String("provider", prof.Provider), zap.String("path", path))
	return next, nil
}

// Refresh performs one unconditional refresh cycle for the daemon and
// manual paths, bypassing the expiry-buffer check.
func (m *Manager) Refresh(ctx context.Context, provider, path string, override config.OAuthConfig) (*tokenstore.Payload, error) {
	v, err, _ := m.sf.Do(path, func() (any, error) {
		prof, ok := ProfileFor(provider, override)
		if !ok {
			return nil, gwerrors.NewConfigError("oauth: no profile for provider " + provider)
		}
		payload, _, err := m.store.Read(path)
		if err != nil {
			return nil, gwerrors.Wrap(gwerrors.TypeAuth, err, "oauth: read token file")
		}
		if !payload.HasRefreshToken() {
			return nil, gwerrors.NewAuthError("oauth: token for " + provider + " has no refresh token")
		}
		resp, err := m.RefreshWithRetry(ctx, prof, payload.RefreshToken)
		if err != nil {
			return nil, err
		}
		next := applyToken(payload, resp, time.Now())
		if err := m.store.Write(path, next); err != nil {
			return nil, gwerrors.Wrap(gwerrors.TypeConfig, err, "oauth: persist refreshed token")
		}
		return next, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*tokenstore.Payload), nil
}

// invalidTokenMarkers are upstream hints that the bearer is stale, seen
// across the supported vendors.
var invalidTokenMarkers = []string{
	"invalid_token", "invalid token", "token expired", "token_expired",
	"invalid_grant", "unauthorized", "invalid api key", "invalid access token",
}

// HandleUpstreamInvalidToken inspects an upstream failure and, when it
// indicates a stale bearer, refreshes once. The caller may retry exactly
// once when true is returned.
func (m *Manager) HandleUpstreamInvalidToken(ctx context.Context, provider, path string, override config.OAuthConfig, upstreamErr error) bool {
	if !isInvalidTokenError(upstreamErr) {
		return false
	}
	if _, err := m.Refresh(ctx, provider, path, override); err != nil {
		m.logger.Warn("Recovery refresh failed",
			zap.String("provider", provider), zap.Error(err))
		return false
	}
	return true
}

func isInvalidTokenError(err error) bool {
	if err == nil {
		return false
	}
	if status := gwerrors.StatusOf(err); status == 401 {
		return true
	}
	if !gwerrors.IsAuth(err) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range invalidTokenMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// fetchAPIKey trades an access token for a long-lived apiKey via the
// portal userinfo endpoint (iFlow attaches keys this way).
func (m *Manager) fetchAPIKey(ctx context.Context, prof Profile, accessToken string) (string, error) {
	url := prof.UserInfoURL + "?accessToken=" + accessToken
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := m.client.Do(req)
	if err != nil {
		return "", gwerrors.FromTransportError(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return "", gwerrors.FromHTTPStatus(resp.StatusCode, body, prof.Provider)
	}
	var info struct {
		Success bool `json:"success"`
		Data    struct {
			APIKey string `json:"apiKey"`
		} `json:"data"`
		APIKey string `json:"apiKey"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return "", err
	}
	if info.Data.APIKey != "" {
		return info.Data.APIKey, nil
	}
	return info.APIKey, nil
}
