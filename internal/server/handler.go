package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/routecodex/routecodex/internal/balance"
	"github.com/routecodex/routecodex/internal/classify"
	"github.com/routecodex/routecodex/internal/config"
	"github.com/routecodex/routecodex/internal/monitoring"
	"github.com/routecodex/routecodex/internal/pipeline"
	"github.com/routecodex/routecodex/internal/sse"
	gwerrors "github.com/routecodex/routecodex/pkg/errors"
)

// handler dispatches one inbound request: classify, pick a target,
// run the pipeline, answer in the entry dialect.
type handler struct {
	cfg        *config.Config
	classifier *classify.Classifier
	balancer   *balance.Balancer
	pipelines  *pipeline.Manager
	logger     *zap.Logger
}

func newHandler(deps Deps) *handler {
	return &handler{
		cfg:        deps.Config,
		classifier: deps.Classifier,
		balancer:   deps.Balancer,
		pipelines:  deps.Pipelines,
		logger:     deps.Logger.With(zap.String("component", "server")),
	}
}

// entry serves the three body-protocol endpoints; the stream flag lives
// in the payload for all of them.
func (h *handler) entry(entryProto string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var payload map[string]any
		if err := c.ShouldBindJSON(&payload); err != nil {
			c.JSON(http.StatusBadRequest, gwerrors.ToEnvelope(
				gwerrors.NewConfigError("invalid JSON body: "+err.Error())))
			return
		}
		model, _ := payload["model"].(string)
		stream, _ := payload["stream"].(bool)
		h.dispatch(c, entryProto, c.Request.URL.Path, model, stream, payload)
	}
}

// gemini parses the "<model>:<action>" URL form used by the
// Generative Language API.
func (h *handler) gemini(c *gin.Context) {
	modelAction := c.Param("modelAction")
	idx := strings.LastIndex(modelAction, ":")
	if idx <= 0 || idx == len(modelAction)-1 {
		c.JSON(http.StatusBadRequest, gwerrors.ToEnvelope(
			gwerrors.NewConfigError("expected /v1beta/models/<model>:generateContent")))
		return
	}
	model, action := modelAction[:idx], modelAction[idx+1:]

	var payload map[string]any
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gwerrors.ToEnvelope(
			gwerrors.NewConfigError("invalid JSON body: "+err.Error())))
		return
	}
	payload["model"] = model

	stream := action == "streamGenerateContent"
	h.dispatch(c, "gemini", c.Request.URL.Path, model, stream, payload)
}

func (h *handler) dispatch(c *gin.Context, entryProto, endpoint, model string, stream bool, payload map[string]any) {
	requestID := uuid.NewString()

	// User-supplied envelope fields never travel upstream; the gateway
	// owns the metadata slot.
	delete(payload, "metadata")
	delete(payload, "_metadata")

	decision := h.classifier.Classify(payload, endpoint)
	h.logger.Debug("Request classified",
		zap.String("requestId", requestID),
		zap.String("route", decision.Route),
		zap.String("reasoning", decision.Reasoning))

	target, ok := h.balancer.Pick(decision.Route, model)
	if !ok {
		err := gwerrors.NewConfigError("no targets available for route " + decision.Route)
		monitoring.ObserveRequest(decision.Route, "", http.StatusServiceUnavailable)
		c.JSON(http.StatusServiceUnavailable, gwerrors.ToEnvelope(err))
		return
	}

	pl, err := h.pipelines.Get(c.Request.Context(), target)
	monitoring.SetPipelinesCached(h.pipelines.Size())
	if err != nil {
		h.fail(c, decision.Route, target.Provider, requestID, err)
		return
	}

	res, err := pl.Process(c.Request.Context(), &pipeline.Request{
		RequestID:     requestID,
		EntryEndpoint: endpoint,
		EntryProtocol: entryProto,
		Model:         model,
		Payload:       payload,
		Stream:        stream,
	})
	if err != nil {
		h.fail(c, decision.Route, target.Provider, requestID, err)
		return
	}

	monitoring.ObserveRequest(decision.Route, target.Provider, http.StatusOK)
	if res.Stream != nil {
		h.streamOut(c, entryProto, model, res.Stream)
		return
	}
	c.JSON(http.StatusOK, res.Data)
}

func (h *handler) fail(c *gin.Context, route, provider, requestID string, err error) {
	status := gwerrors.StatusOf(err)
	monitoring.ObserveRequest(route, provider, status)
	h.logger.Warn("Request failed",
		zap.String("requestId", requestID),
		zap.String("route", route),
		zap.String("provider", provider),
		zap.Int("status", status),
		zap.Error(err))
	c.JSON(status, gwerrors.ToEnvelope(err))
}

// streamOut renders the normalized frame channel as SSE in the entry
// dialect.
func (h *handler) streamOut(c *gin.Context, entryProto, model string, frames <-chan sse.Frame) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	emitter := sse.NewEmitter(c.Writer, func() { c.Writer.Flush() }, model)
	if err := emitter.Emit(entryProto, frames); err != nil {
		// The stream already carried the terminal error frame; nothing
		// more can reach the client here.
		h.logger.Warn("Stream ended with error", zap.Error(err))
	}
}

// listModels aggregates every configured model, OpenAI list shape.
func (h *handler) listModels(c *gin.Context) {
	now := time.Now().Unix()
	models := make([]gin.H, 0, 8)
	seen := map[string]bool{}
	for _, p := range h.cfg.Providers {
		for _, m := range p.Models {
			if seen[m.ID] {
				continue
			}
			seen[m.ID] = true
			models = append(models, gin.H{
				"id":       m.ID,
				"object":   "model",
				"created":  now,
				"owned_by": p.ID,
			})
		}
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": models})
}
