// Package auth builds upstream request credentials from the configured
// key material: static API keys, OAuth token files, or plain token
// files maintained out of band.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"go.uber.org/zap"

	"github.com/routecodex/routecodex/internal/config"
	"github.com/routecodex/routecodex/internal/oauth"
	"github.com/routecodex/routecodex/internal/tokenstore"
	gwerrors "github.com/routecodex/routecodex/pkg/errors"
)

// Provider yields the auth headers for one upstream credential.
// Implementations re-resolve external state (token files) on every call
// so a refresh performed elsewhere is observed immediately.
type Provider interface {
	// Headers returns the headers to attach to an upstream request.
	Headers(ctx context.Context) (map[string]string, error)

	// Signature is a stable digest of the credential identity, used as
	// a component of provider-instance cache keys.
	Signature() string

	// Invalidate drops any cached credential state.
	Invalidate()
}

// New selects the auth provider for a pipeline target.
func New(pc *config.PipelineConfig, store *tokenstore.Store, mgr *oauth.Manager, logger *zap.Logger) (Provider, error) {
	key := pc.Key
	switch key.Auth {
	case "apikey":
		return &apiKeyProvider{value: key.Value}, nil
	case "oauth", "tokenfile":
		path := key.File
		if path == "" {
			path = store.PathFor(pc.Provider.ID, key.Alias)
		}
		return &tokenFileProvider{
			provider: pc.Provider.Type,
			path:     path,
			store:    store,
			mgr:      mgr,
			override: pc.Provider.OAuth,
			refresh:  key.Auth == "oauth",
			logger:   logger.With(zap.String("component", "auth"), zap.String("provider", pc.Provider.ID)),
		}, nil
	default:
		return nil, gwerrors.NewConfigError("auth: unsupported auth type " + key.Auth)
	}
}

// apiKeyProvider is a static bearer credential.
type apiKeyProvider struct {
	value string
}

func (p *apiKeyProvider) Headers(ctx context.Context) (map[string]string, error) {
	if p.value == "" {
		return nil, gwerrors.NewAuthError("auth: empty api key")
	}
	return map[string]string{"Authorization": "Bearer " + p.value}, nil
}

func (p *apiKeyProvider) Signature() string { return digest("apikey", p.value) }
func (p *apiKeyProvider) Invalidate()       {}

// tokenFileProvider reads a token file on every call. With refresh
// enabled it runs the OAuth lifecycle first so an expiring token is
// renewed before the headers are built; without it the file is trusted
// as-is (external daemon keeps it fresh).
type tokenFileProvider struct {
	provider string
	path     string
	store    *tokenstore.Store
	mgr      *oauth.Manager
	override config.OAuthConfig
	refresh  bool
	logger   *zap.Logger
}

func (p *tokenFileProvider) Headers(ctx context.Context) (map[string]string, error) {
	var payload *tokenstore.Payload
	var err error

	if p.refresh && p.mgr != nil {
		payload, err = p.mgr.EnsureValidToken(ctx, p.provider, p.path, p.override, oauth.Options{})
		if err != nil {
			return nil, err
		}
	} else {
		payload, _, err = p.store.Read(p.path)
		if err != nil {
			return nil, gwerrors.Wrap(gwerrors.TypeAuth, err, "auth: read token file")
		}
	}

	secret := payload.BearerSecret()
	if secret == "" {
		return nil, gwerrors.NewAuthError("auth: token file has no usable credential: " + p.path)
	}
	if st := payload.StateAt(time.Now()); st.Status == tokenstore.StatusExpired && payload.APIKey == "" {
		p.logger.Warn("Using expired access token", zap.String("path", p.path))
	}
	return map[string]string{"Authorization": "Bearer " + secret}, nil
}

func (p *tokenFileProvider) Signature() string { return digest("tokenfile", p.path) }
func (p *tokenFileProvider) Invalidate()       {}

// TokenPayload re-reads the current payload (providers need extras such
// as resource_url or project_id next to the bearer).
func (p *tokenFileProvider) TokenPayload(ctx context.Context) (*tokenstore.Payload, error) {
	payload, _, err := p.store.Read(p.path)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.TypeAuth, err, "auth: read token file")
	}
	return payload, nil
}

// TokenSource is implemented by providers backed by a token file; the
// upstream modules use it to reach vendor extras and recovery hooks.
type TokenSource interface {
	TokenPayload(ctx context.Context) (*tokenstore.Payload, error)
	TokenFilePath() string
}

func (p *tokenFileProvider) TokenFilePath() string { return p.path }

func digest(kind, material string) string {
	sum := sha256.Sum256([]byte(kind + ":" + material))
	return hex.EncodeToString(sum[:8])
}
