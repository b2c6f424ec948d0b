package provider

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/routecodex/routecodex/internal/auth"
	"github.com/routecodex/routecodex/internal/config"
	"github.com/routecodex/routecodex/internal/monitoring"
	"github.com/routecodex/routecodex/internal/oauth"
	"github.com/routecodex/routecodex/internal/snapshot"
	"github.com/routecodex/routecodex/internal/sse"
	gwerrors "github.com/routecodex/routecodex/pkg/errors"
)

// Defaults shared by all modules.
const (
	defaultTimeout    = 60 * time.Second
	sseTimeout        = 10 * time.Minute
	defaultMaxTokens  = 8192
	defaultMaxRetries = 2
)

// base carries the machinery common to every module: HTTP client,
// header assembly, snapshotting, the retry loop, and the single
// 401-recovery retry.
type base struct {
	cfg    *config.PipelineConfig
	auth   auth.Provider
	oauth  *oauth.Manager
	snap   *snapshot.Writer
	logger *zap.Logger
	client *http.Client

	vendor      string
	baseURL     string
	healthPath  string
	timeoutEnvs []string // checked in order before config
	sseVendor   string   // sse dialect for upstream streams
	initialized bool
}

func newBase(deps Deps, vendor, defaultBaseURL string) *base {
	baseURL := strings.TrimRight(deps.Pipeline.Provider.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ResponseHeaderTimeout: 300 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          10,
		MaxIdleConnsPerHost:   5,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
	}
	return &base{
		cfg:         deps.Pipeline,
		auth:        deps.Auth,
		oauth:       deps.OAuth,
		snap:        deps.Snapshots,
		logger:      deps.Logger.With(zap.String("provider", deps.Pipeline.Provider.ID), zap.String("type", vendor)),
		client:      &http.Client{Transport: transport},
		vendor:      vendor,
		baseURL:     baseURL,
		healthPath:  "/models",
		timeoutEnvs: []string{"ROUTECODEX_PROVIDER_TIMEOUT_MS", "RCC_UPSTREAM_TIMEOUT_MS"},
		sseVendor:   sse.VendorOpenAI,
	}
}

func (b *base) Initialize(ctx context.Context) error {
	// OAuth-backed targets validate their token once up front so the
	// first request does not stall on an interactive flow.
	if b.cfg.Key.Auth == "oauth" && b.oauth != nil {
		if ts, ok := b.auth.(auth.TokenSource); ok {
			_, err := b.oauth.EnsureValidToken(ctx, b.cfg.Provider.Type, ts.TokenFilePath(), b.cfg.Provider.OAuth,
				oauth.Options{OpenBrowser: true})
			if err != nil {
				return err
			}
		}
	}
	b.initialized = true
	return nil
}

func (b *base) Cleanup() error {
	b.auth.Invalidate()
	b.client.CloseIdleConnections()
	b.initialized = false
	return nil
}

func (b *base) Status() Status {
	return Status{Type: b.vendor, BaseURL: b.baseURL, Initialized: b.initialized}
}

// CheckHealth probes the vendor model listing. 404 still means the
// credentials and host are fine, only the resource differs per vendor.
func (b *base) CheckHealth(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+b.healthPath, nil)
	if err != nil {
		return false
	}
	headers, err := b.auth.Headers(ctx)
	if err != nil {
		return false
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return (resp.StatusCode >= 200 && resp.StatusCode < 300) || resp.StatusCode == http.StatusNotFound
}

// timeout resolves the per-request deadline: env overrides beat config
// beats the hard default. SSE requests get a generous ceiling instead.
func (b *base) timeout(wantSSE bool) time.Duration {
	if wantSSE {
		return sseTimeout
	}
	for _, env := range b.timeoutEnvs {
		if v := os.Getenv(env); v != "" {
			if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
				return time.Duration(ms) * time.Millisecond
			}
		}
	}
	if b.cfg.Provider.TimeoutMs > 0 {
		return time.Duration(b.cfg.Provider.TimeoutMs) * time.Millisecond
	}
	return defaultTimeout
}

func (b *base) maxRetries() int {
	if v := os.Getenv("ROUTECODEX_PROVIDER_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	if b.cfg.Provider.MaxRetries > 0 {
		return b.cfg.Provider.MaxRetries
	}
	return defaultMaxRetries
}

// preprocess produces the upstream body from the pipeline payload: the
// configured model goes on the wire, envelope fields and the stream
// flag are removed, and max_tokens is resolved by priority
// request > model config > env default > hard default.
func (b *base) preprocess(req *Request, maxTokensField string, keepStream bool) map[string]any {
	body := make(map[string]any, len(req.Payload))
	for k, v := range req.Payload {
		body[k] = v
	}
	body["model"] = b.cfg.Model.ID
	delete(body, "metadata")
	delete(body, "_metadata")
	if !keepStream {
		delete(body, "stream")
	}

	if maxTokensField != "" {
		if _, ok := body[maxTokensField]; !ok {
			limit := b.cfg.Model.MaxTokens
			if limit <= 0 {
				if v := os.Getenv("ROUTECODEX_DEFAULT_MAX_TOKENS"); v != "" {
					if n, err := strconv.Atoi(v); err == nil && n > 0 {
						limit = n
					}
				}
			}
			if limit <= 0 {
				limit = defaultMaxTokens
			}
			body[maxTokensField] = limit
		}
	}
	return body
}

// buildHeaders assembles base + vendor profile + config override + auth
// headers. Auth is resolved last so an in-flight refresh is observed.
func (b *base) buildHeaders(ctx context.Context, profile map[string]string, wantSSE bool) (map[string]string, error) {
	headers := map[string]string{
		"Content-Type": "application/json",
		"Accept":       "application/json",
	}
	if wantSSE {
		headers["Accept"] = "text/event-stream"
	}
	for k, v := range profile {
		headers[k] = v
	}
	for k, v := range b.cfg.Provider.Headers {
		headers[k] = v
	}
	authHeaders, err := b.auth.Headers(ctx)
	if err != nil {
		return nil, err
	}
	for k, v := range authHeaders {
		headers[k] = v
	}
	return headers, nil
}

// exchange runs the full upstream call: snapshot, POST with retries on
// retryable statuses, one 401-recovery retry with fresh headers, and
// response snapshotting. profile holds vendor headers; wantSSE switches
// the call into stream-passthrough mode.
func (b *base) exchange(ctx context.Context, req *Request, url string, body map[string]any, profile map[string]string, wantSSE bool) (*Response, error) {
	started := time.Now()
	b.snap.Request(req.EntryEndpoint, req.RequestID, body)

	resp, err := b.post(ctx, req, url, body, profile, wantSSE)
	if err != nil && b.recoverInvalidToken(ctx, err) {
		b.logger.Info("Retrying after token recovery", zap.String("requestId", req.RequestID))
		resp, err = b.post(ctx, req, url, body, profile, wantSSE)
	}
	if err != nil {
		b.snap.Error(req.EntryEndpoint, req.RequestID, gwerrors.ToEnvelope(err))
		return nil, err
	}

	resp.Metadata = Metadata{
		RequestID:      req.RequestID,
		ProcessingTime: time.Since(started),
		Model:          req.OrigModel,
	}
	monitoring.ObserveLatency(b.vendor, resp.Metadata.ProcessingTime)
	if resp.Data != nil {
		if usage, ok := resp.Data["usage"].(map[string]any); ok {
			resp.Metadata.Usage = usage
		}
		b.snap.Response(req.EntryEndpoint, req.RequestID, resp.Data)
		b.snap.Pair(req.EntryEndpoint, req.RequestID, body, resp.Data)
	}
	return resp, nil
}

// post sends one upstream POST, retrying retryable failures.
func (b *base) post(ctx context.Context, req *Request, url string, body map[string]any, profile map[string]string, wantSSE bool) (*Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.TypeUnknown, err, "encode upstream body")
	}

	var lastErr error
	attempts := b.maxRetries() + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		headers, err := b.buildHeaders(ctx, profile, wantSSE)
		if err != nil {
			return nil, err
		}
		resp, err := b.doOnce(ctx, url, payload, headers, wantSSE)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !gwerrors.IsRetryable(err) || attempt == attempts {
			break
		}
		monitoring.ObserveRetry(b.vendor)
		b.logger.Warn("Upstream request failed, retrying",
			zap.Int("attempt", attempt), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, gwerrors.FromTransportError(ctx.Err())
		case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
		}
	}
	return nil, lastErr
}

func (b *base) doOnce(ctx context.Context, url string, payload []byte, headers map[string]string, wantSSE bool) (*Response, error) {
	callCtx := ctx
	var cancel context.CancelFunc
	if !wantSSE {
		callCtx, cancel = context.WithTimeout(ctx, b.timeout(false))
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.TypeConfig, err, "build upstream request")
	}
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, b.decorate(gwerrors.FromTransportError(err))
	}

	if httpResp.StatusCode >= 400 {
		defer httpResp.Body.Close()
		errBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
		return nil, b.decorate(gwerrors.FromHTTPStatus(httpResp.StatusCode, errBody, b.vendor))
	}

	if wantSSE && strings.Contains(httpResp.Header.Get("Content-Type"), "text/event-stream") {
		frames := sse.Normalize(ctx, httpResp.Body, b.sseVendor, b.logger)
		return &Response{Status: httpResp.StatusCode, Headers: httpResp.Header, Stream: frames}, nil
	}

	defer httpResp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, 32<<20))
	if err != nil {
		return nil, b.decorate(gwerrors.FromTransportError(err))
	}
	var data map[string]any
	if err := json.Unmarshal(respBody, &data); err != nil {
		return nil, b.decorate(gwerrors.Wrap(gwerrors.TypeServer, err, "upstream returned non-JSON body"))
	}
	return &Response{Data: data, Status: httpResp.StatusCode, Headers: httpResp.Header}, nil
}

func (b *base) decorate(err *gwerrors.AppError) *gwerrors.AppError {
	return err.WithProvider(b.vendor, b.baseURL, "provider")
}

// recoverInvalidToken refreshes the OAuth token once after an upstream
// invalid-token rejection. Only token-file credentials can recover.
func (b *base) recoverInvalidToken(ctx context.Context, err error) bool {
	if b.oauth == nil || b.cfg.Key.Auth != "oauth" {
		return false
	}
	ts, ok := b.auth.(auth.TokenSource)
	if !ok {
		return false
	}
	return b.oauth.HandleUpstreamInvalidToken(ctx, b.cfg.Provider.Type, ts.TokenFilePath(), b.cfg.Provider.OAuth, err)
}
