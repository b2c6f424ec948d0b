package classify

import (
	"strings"

	"go.uber.org/zap"

	"github.com/routecodex/routecodex/internal/config"
	"github.com/routecodex/routecodex/internal/tokenizer"
)

// Decision is the classifier output. Confidence is diagnostic only and
// never drives selection.
type Decision struct {
	Route      string   `json:"route"`
	ModelTier  string   `json:"modelTier"`
	Confidence float64  `json:"confidence"`
	Reasoning  string   `json:"reasoning"`
	Analysis   Analysis `json:"analysis"`
}

// Analysis carries the per-step diagnostics.
type Analysis struct {
	Tokens TokenAnalysis `json:"tokenAnalysis"`
	Tools  ToolAnalysis  `json:"toolAnalysis"`
	Tier   TierAnalysis  `json:"modelTierAnalysis"`
}

// TokenAnalysis is the protocol-aware token breakdown.
type TokenAnalysis struct {
	TotalTokens   int `json:"totalTokens"`
	MessageTokens int `json:"messageTokens"`
	SystemTokens  int `json:"systemTokens"`
	ToolTokens    int `json:"toolTokens"`
}

// ToolAnalysis summarizes request tools by category.
type ToolAnalysis struct {
	HasTools   bool     `json:"hasTools"`
	Count      int      `json:"count"`
	Categories []string `json:"categories"`
}

// TierAnalysis records the matched model tier.
type TierAnalysis struct {
	Tier    string `json:"tier"`
	Matched string `json:"matched,omitempty"`
}

// Tool categories produced by analyzeTools.
const (
	CategoryWebSearch     = "webSearch"
	CategoryCodeExecution = "codeExecution"
	CategoryFileSearch    = "fileSearch"
	CategoryDataAnalysis  = "dataAnalysis"
	CategoryGeneral       = "general"
)

// CounterFunc resolves a token counter for a model.
type CounterFunc func(model string) tokenizer.Counter

// Classifier maps an inbound request to a named route via a fixed
// decision tree. It never returns an error: any internal failure
// degrades to the default route.
type Classifier struct {
	cfg    *config.VirtualRouterConfig
	routes map[string]bool
	first  string // first configured route, fallback when "default" absent

	counterFor CounterFunc
	logger     *zap.Logger
}

// New builds a classifier over the virtual-router config.
func New(cfg *config.VirtualRouterConfig, counterFor CounterFunc, logger *zap.Logger) *Classifier {
	routes := make(map[string]bool, len(cfg.Routes))
	first := ""
	for _, r := range cfg.Routes {
		routes[r.Name] = true
		if first == "" {
			first = r.Name
		}
	}
	if counterFor == nil {
		counterFor = func(model string) tokenizer.Counter {
			return tokenizer.ForModel(model, cfg.Tokenizer)
		}
	}
	return &Classifier{
		cfg:        cfg,
		routes:     routes,
		first:      first,
		counterFor: counterFor,
		logger:     logger.With(zap.String("component", "classifier")),
	}
}

// Classify runs the decision pipeline over a parsed request body.
func (c *Classifier) Classify(payload map[string]any, endpoint string) *Decision {
	d := &Decision{Route: c.fallbackRoute(), ModelTier: "basic", Confidence: 0.5}

	// 1. Protocol detect.
	proto := c.detectProtocol(endpoint)
	if proto == nil {
		d.Reasoning = "fallback:unknown_protocol"
		d.Confidence = 0.1
		return d
	}

	model, _ := payload[proto.ModelField].(string)

	// 2. Token analysis. A counter failure degrades to default.
	tokens, err := c.analyzeTokens(payload, proto)
	if err != nil {
		c.logger.Warn("Token analysis failed, routing to default",
			zap.String("endpoint", endpoint), zap.Error(err))
		d.Reasoning = "fallback:classification_error"
		d.Confidence = 0.1
		return d
	}
	d.Analysis.Tokens = *tokens

	// 3. Tool analysis.
	d.Analysis.Tools = c.analyzeTools(payload, proto)

	// 4. Model tier.
	d.Analysis.Tier = c.analyzeTier(model)
	d.ModelTier = d.Analysis.Tier.Tier

	// 5. Feature extraction.
	hasImage := hasImageContent(payload, proto)
	thinking := c.hasThinkingIntent(payload, proto)

	// 6. Decision tree, first match wins; unconfigured routes are skipped.
	d.Route, d.Reasoning, d.Confidence = c.decide(tokens.TotalTokens, hasImage, thinking, &d.Analysis.Tools)
	return d
}

// detectProtocol returns the first protocol whose endpoint patterns occur
// in the request endpoint.
func (c *Classifier) detectProtocol(endpoint string) *config.ProtocolConfig {
	for i := range c.cfg.Protocols {
		for _, ep := range c.cfg.Protocols[i].Endpoints {
			if ep != "" && strings.Contains(endpoint, ep) {
				return &c.cfg.Protocols[i]
			}
		}
	}
	return nil
}

func (c *Classifier) fallbackRoute() string {
	if c.routes["default"] {
		return "default"
	}
	return c.first
}

func (c *Classifier) decide(totalTokens int, hasImage, thinking bool, tools *ToolAnalysis) (string, string, float64) {
	has := func(name string) bool { return c.routes[name] }
	category := func(name string) bool {
		for _, cat := range tools.Categories {
			if cat == name {
				return true
			}
		}
		return false
	}

	switch {
	case hasImage && has("vision"):
		return "vision", "image content detected", 0.9
	case totalTokens >= c.cfg.LongContextThresholdTokens && has("longContext"):
		return "longContext", "total tokens exceed long-context threshold", 0.9
	case thinking && has("thinking"):
		return "thinking", "thinking keyword matched", 0.9
	case (category(CategoryCodeExecution) || category(CategoryFileSearch)) && has("coding"):
		return "coding", "edit-oriented tools present", 0.8
	case category(CategoryWebSearch) && has("webSearch"):
		return "webSearch", "web-search tool present", 0.8
	case tools.HasTools && has("tools"):
		return "tools", "tools present", 0.7
	default:
		return c.fallbackRoute(), "no special signals", 0.5
	}
}
