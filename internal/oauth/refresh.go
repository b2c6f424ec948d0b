package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	gwerrors "github.com/routecodex/routecodex/pkg/errors"
	"github.com/routecodex/routecodex/internal/tokenstore"
)

// tokenResponse is the wire shape shared by refresh and device/code
// exchanges across the supported portals.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
	ResourceURL  string `json:"resource_url"`
	Error        string `json:"error"`
	ErrorDesc    string `json:"error_description"`
}

// applyToken folds a token response into an existing payload. The old
// refresh token survives unless the server rotated it.
func applyToken(old *tokenstore.Payload, resp *tokenResponse, now time.Time) *tokenstore.Payload {
	next := &tokenstore.Payload{}
	if old != nil {
		*next = *old
	}
	next.AccessToken = resp.AccessToken
	if resp.RefreshToken != "" {
		next.RefreshToken = resp.RefreshToken
	}
	if resp.TokenType != "" {
		next.TokenType = resp.TokenType
	}
	if resp.Scope != "" {
		next.Scope = resp.Scope
	}
	if resp.ResourceURL != "" {
		next.ResourceURL = resp.ResourceURL
	}
	if resp.ExpiresIn > 0 {
		next.ExpiresAt = now.Add(time.Duration(resp.ExpiresIn) * time.Second).UnixMilli()
	}
	return next
}

func (m *Manager) refreshOnce(ctx context.Context, prof Profile, refreshToken string) (*tokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", prof.ClientID)
	if prof.ClientSecret != "" {
		form.Set("client_secret", prof.ClientSecret)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, prof.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.TypeConfig, err, "oauth: build refresh request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	httpResp, err := m.client.Do(req)
	if err != nil {
		return nil, gwerrors.FromTransportError(err)
	}
	defer httpResp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if httpResp.StatusCode != http.StatusOK {
		return nil, gwerrors.FromHTTPStatus(httpResp.StatusCode, body, prof.Provider)
	}
	var resp tokenResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, gwerrors.Wrap(gwerrors.TypeServer, err, "oauth: decode refresh response")
	}
	if resp.Error != "" {
		return nil, gwerrors.NewAuthError(fmt.Sprintf("oauth: refresh rejected: %s (%s)", resp.Error, resp.ErrorDesc))
	}
	if resp.AccessToken == "" {
		return nil, gwerrors.NewAuthError("oauth: refresh response has no access_token")
	}
	return &resp, nil
}

// RefreshWithRetry exchanges a refresh token for a fresh access token,
// retrying transient failures with a linear backoff (attempt × base).
func (m *Manager) RefreshWithRetry(ctx context.Context, prof Profile, refreshToken string) (*tokenResponse, error) {
	if refreshToken == "" {
		return nil, gwerrors.NewAuthError("oauth: no refresh token available")
	}
	var lastErr error
	for attempt := 1; attempt <= m.maxRetries; attempt++ {
		resp, err := m.refreshOnce(ctx, prof, refreshToken)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if attempt == m.maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return nil, gwerrors.FromTransportError(ctx.Err())
		case <-time.After(time.Duration(attempt) * m.backoffBase):
		}
	}
	return nil, lastErr
}
