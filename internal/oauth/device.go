package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	gwerrors "github.com/routecodex/routecodex/pkg/errors"
)

type deviceCodeResponse struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete"`
	ExpiresIn               int64  `json:"expires_in"`
	Interval                int64  `json:"interval"`
	Error                   string `json:"error"`
}

// requestDeviceCode walks the profile's endpoint candidates. A 404 or a
// body that does not parse as JSON moves on to the next pair; any other
// failure is final.
func (m *Manager) requestDeviceCode(ctx context.Context, prof Profile, verifier string) (*deviceCodeResponse, DeviceEndpoint, error) {
	if len(prof.DeviceFlow) == 0 {
		return nil, DeviceEndpoint{}, gwerrors.NewConfigError("oauth: provider " + prof.Provider + " has no device endpoint")
	}
	form := url.Values{}
	form.Set("client_id", prof.ClientID)
	if len(prof.Scopes) > 0 {
		form.Set("scope", strings.Join(prof.Scopes, " "))
	}
	if prof.UsePKCE && verifier != "" {
		form.Set("code_challenge", oauth2.S256ChallengeFromVerifier(verifier))
		form.Set("code_challenge_method", "S256")
	}

	var lastErr error
	for _, ep := range prof.DeviceFlow {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.DeviceURL, strings.NewReader(form.Encode()))
		if err != nil {
			return nil, DeviceEndpoint{}, gwerrors.Wrap(gwerrors.TypeConfig, err, "oauth: build device-code request")
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Accept", "application/json")

		httpResp, err := m.client.Do(req)
		if err != nil {
			lastErr = gwerrors.FromTransportError(err)
			continue
		}
		body, _ := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
		httpResp.Body.Close()

		if httpResp.StatusCode == http.StatusNotFound {
			lastErr = gwerrors.FromHTTPStatus(httpResp.StatusCode, body, prof.Provider)
			m.logger.Warn("device endpoint returned 404, trying next candidate",
				zap.String("url", ep.DeviceURL))
			continue
		}
		var resp deviceCodeResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			lastErr = gwerrors.Wrap(gwerrors.TypeServer, err, "oauth: device endpoint returned non-JSON body")
			m.logger.Warn("device endpoint returned non-JSON body, trying next candidate",
				zap.String("url", ep.DeviceURL))
			continue
		}
		if httpResp.StatusCode != http.StatusOK {
			return nil, DeviceEndpoint{}, gwerrors.FromHTTPStatus(httpResp.StatusCode, body, prof.Provider)
		}
		if resp.DeviceCode == "" {
			return nil, DeviceEndpoint{}, gwerrors.NewAuthError("oauth: device-code response has no device_code")
		}
		return &resp, ep, nil
	}
	if lastErr == nil {
		lastErr = gwerrors.NewAuthError("oauth: all device endpoints exhausted")
	}
	return nil, DeviceEndpoint{}, lastErr
}

// deviceFlow runs the full device authorization grant: obtain a user
// code, show it, then poll the token endpoint until the user approves.
// Polling honors authorization_pending and slow_down.
func (m *Manager) deviceFlow(ctx context.Context, prof Profile) (*tokenResponse, error) {
	var verifier string
	if prof.UsePKCE {
		verifier = oauth2.GenerateVerifier()
	}
	code, ep, err := m.requestDeviceCode(ctx, prof, verifier)
	if err != nil {
		return nil, err
	}

	if code.VerificationURIComplete != "" {
		m.notify("Open %s to authorize %s", code.VerificationURIComplete, prof.Provider)
		m.openBrowser(code.VerificationURIComplete)
	} else {
		m.notify("Open %s and enter code %s to authorize %s", code.VerificationURI, code.UserCode, prof.Provider)
		m.openBrowser(code.VerificationURI)
	}

	cfg := &oauth2.Config{
		ClientID:     prof.ClientID,
		ClientSecret: prof.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: ep.TokenURL},
	}
	da := &oauth2.DeviceAuthResponse{
		DeviceCode: code.DeviceCode,
		UserCode:   code.UserCode,
		Interval:   code.Interval,
	}
	if code.ExpiresIn > 0 {
		da.Expiry = time.Now().Add(time.Duration(code.ExpiresIn) * time.Second)
	}
	var opts []oauth2.AuthCodeOption
	if prof.UsePKCE {
		opts = append(opts, oauth2.VerifierOption(verifier))
	}
	tok, err := cfg.DeviceAccessToken(ctx, da, opts...)
	if err != nil {
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) && rerr.Response != nil {
			return nil, gwerrors.FromHTTPStatus(rerr.Response.StatusCode, rerr.Body, prof.Provider)
		}
		return nil, gwerrors.Wrap(gwerrors.TypeAuth, err, "oauth: device authorization failed")
	}
	return fromOAuth2Token(tok), nil
}

// fromOAuth2Token lifts an x/oauth2 token into the portal wire shape so
// all flows persist through one path.
func fromOAuth2Token(tok *oauth2.Token) *tokenResponse {
	resp := &tokenResponse{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
	}
	if !tok.Expiry.IsZero() {
		resp.ExpiresIn = int64(time.Until(tok.Expiry) / time.Second)
	}
	if v, ok := tok.Extra("resource_url").(string); ok {
		resp.ResourceURL = v
	}
	if v, ok := tok.Extra("scope").(string); ok {
		resp.Scope = v
	}
	return resp
}
