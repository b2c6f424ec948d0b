package compat

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	gwerrors "github.com/routecodex/routecodex/pkg/errors"
)

// FilterOp is one declarative payload adjustment. Paths use gjson
// syntax ("messages.0.role", "tools.#.function.strict").
type FilterOp struct {
	Op    string          `json:"op"`              // remove | rename | set
	Path  string          `json:"path"`            // source path
	To    string          `json:"to,omitempty"`    // rename destination
	Value json.RawMessage `json:"value,omitempty"` // set value
}

// ShapeFilter is the parsed shape-filters.<profile>.json content.
type ShapeFilter struct {
	Ops []FilterOp `json:"ops"`
}

// LoadShapeFilter reads the profile's filter file from dir. A missing
// file yields a nil filter (no-op); a malformed one is a config error.
func LoadShapeFilter(dir, profile string) (*ShapeFilter, error) {
	if dir == "" {
		return nil, nil
	}
	path := filepath.Join(dir, "shape-filters."+profile+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, gwerrors.Wrap(gwerrors.TypeConfig, err, "compat: read shape filter "+path)
	}
	var f ShapeFilter
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, gwerrors.Wrap(gwerrors.TypeConfig, err, "compat: parse shape filter "+path)
	}
	for i, op := range f.Ops {
		switch op.Op {
		case "remove":
			if op.Path == "" {
				return nil, gwerrors.NewConfigError(fmt.Sprintf("compat: %s op %d: remove needs a path", path, i))
			}
		case "rename":
			if op.Path == "" || op.To == "" {
				return nil, gwerrors.NewConfigError(fmt.Sprintf("compat: %s op %d: rename needs path and to", path, i))
			}
		case "set":
			if op.Path == "" || len(op.Value) == 0 {
				return nil, gwerrors.NewConfigError(fmt.Sprintf("compat: %s op %d: set needs path and value", path, i))
			}
		default:
			return nil, gwerrors.NewConfigError(fmt.Sprintf("compat: %s op %d: unknown op %q", path, i, op.Op))
		}
	}
	return &f, nil
}

// Apply runs the op list over the payload. Ops referencing absent paths
// are silently skipped, so one filter file serves requests of varying
// shape.
func (f *ShapeFilter) Apply(payload map[string]any) map[string]any {
	if f == nil || len(f.Ops) == 0 {
		return payload
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return payload
	}
	doc := string(raw)
	for _, op := range f.Ops {
		switch op.Op {
		case "remove":
			if gjson.Get(doc, op.Path).Exists() {
				if next, err := sjson.Delete(doc, op.Path); err == nil {
					doc = next
				}
			}
		case "rename":
			src := gjson.Get(doc, op.Path)
			if !src.Exists() {
				continue
			}
			if next, err := sjson.SetRaw(doc, op.To, src.Raw); err == nil {
				if next, err = sjson.Delete(next, op.Path); err == nil {
					doc = next
				}
			}
		case "set":
			if next, err := sjson.SetRaw(doc, op.Path, string(op.Value)); err == nil {
				doc = next
			}
		}
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(doc), &out); err != nil {
		return payload
	}
	return out
}
