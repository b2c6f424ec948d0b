// Package compat applies provider-family shape adjustments to an
// outbound payload: max-tokens field normalization, tool-schema
// cleanup, and declarative shape filters loaded per profile.
package compat

import (
	"go.uber.org/zap"

	gwerrors "github.com/routecodex/routecodex/pkg/errors"
)

// maxTokensAliases are the field spellings seen across the entry
// protocols; a profile keeps exactly one of them.
var maxTokensAliases = []string{"max_tokens", "maxTokens", "max_output_tokens"}

// profileSpec describes the fixed adjustments of one provider family.
type profileSpec struct {
	// maxTokensField is the spelling the upstream accepts; "" drops the
	// field entirely.
	maxTokensField string
	// strip lists top-level fields the upstream rejects.
	strip []string
	// cleanTools removes function.strict from tool schemas and drops
	// tool_choice when no tools remain.
	cleanTools bool
}

var profiles = map[string]profileSpec{
	"passthrough":       {maxTokensField: "max_tokens"},
	"openai-normalizer": {maxTokensField: "max_tokens", cleanTools: true},
	"glm-compat": {
		maxTokensField: "max_tokens",
		strip:          []string{"response_format", "parallel_tool_calls", "store", "logprobs"},
		cleanTools:     true,
	},
	"qwen-compat":    {maxTokensField: "max_tokens", cleanTools: true},
	"iflow-compat":   {maxTokensField: "max_tokens", cleanTools: true},
	"lmstudio-compat": {
		maxTokensField: "max_tokens",
		strip:          []string{"store", "metadata"},
		cleanTools:     true,
	},
	"gemini-compat":    {maxTokensField: "max_output_tokens"},
	"geminicli-compat": {maxTokensField: "max_output_tokens"},
}

// Stage is one configured compatibility layer. Apply is pure: the input
// payload is never mutated.
type Stage struct {
	name   string
	spec   profileSpec
	filter *ShapeFilter
	logger *zap.Logger
}

// New builds the compat stage for a profile. filterDir is searched for
// shape-filters.<profile>.json; a missing file is a no-op filter, an
// unreadable one is a config error.
func New(profile, filterDir string, logger *zap.Logger) (*Stage, error) {
	if profile == "" {
		profile = "passthrough"
	}
	spec, ok := profiles[profile]
	if !ok {
		return nil, gwerrors.NewConfigError("compat: unknown profile " + profile)
	}
	filter, err := LoadShapeFilter(filterDir, profile)
	if err != nil {
		return nil, err
	}
	return &Stage{
		name:   profile,
		spec:   spec,
		filter: filter,
		logger: logger.With(zap.String("component", "compat"), zap.String("profile", profile)),
	}, nil
}

// Name returns the profile name.
func (s *Stage) Name() string { return s.name }

// Apply returns a shape-adjusted copy of the payload.
func (s *Stage) Apply(payload map[string]any) map[string]any {
	out := clonePayload(payload)

	s.normalizeMaxTokens(out)
	for _, field := range s.spec.strip {
		delete(out, field)
	}
	if s.spec.cleanTools {
		cleanTools(out)
	}
	if s.filter != nil {
		out = s.filter.Apply(out)
	}
	return out
}

// normalizeMaxTokens collapses every max-tokens spelling into the
// profile's canonical field, keeping the first value found in alias
// order.
func (s *Stage) normalizeMaxTokens(payload map[string]any) {
	var value any
	found := false
	for _, alias := range maxTokensAliases {
		if v, ok := payload[alias]; ok {
			if !found {
				value = v
				found = true
			}
			delete(payload, alias)
		}
	}
	if found && s.spec.maxTokensField != "" {
		payload[s.spec.maxTokensField] = value
	}
}

// cleanTools strips function.strict from each tool schema and drops
// tool_choice when the request carries no tools.
func cleanTools(payload map[string]any) {
	tools, hasTools := payload["tools"].([]any)
	if !hasTools || len(tools) == 0 {
		delete(payload, "tools")
		delete(payload, "tool_choice")
		return
	}
	for _, t := range tools {
		tool, ok := t.(map[string]any)
		if !ok {
			continue
		}
		if fn, ok := tool["function"].(map[string]any); ok {
			delete(fn, "strict")
		}
	}
}

// clonePayload deep-copies the JSON-shaped map.
func clonePayload(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return clonePayload(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
