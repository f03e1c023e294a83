// Package payload shrinks outbound JSON-shaped payloads under constrained
// bandwidth. Optimize is a pure transform: the input map is never mutated and
// callers apply it exactly once per request.
package payload

import (
	"strings"

	"github.com/samber/lo"

	"github.com/signalpost/flagwire/internal/model"
)

const (
	truncateMarker  = "...[truncated]"
	maxStringLength = 256
	maxArrayLength  = 20
)

// essentialFields survive the level>=7 strip. Everything the backend needs to
// attribute a record is kept; free-form context is dropped.
var essentialFields = map[string]bool{
	"id":            true,
	"name":          true,
	"user_id":       true,
	"session_id":    true,
	"dedup_key":     true,
	"experience_id": true,
	"behaviour_id":  true,
	"variation_id":  true,
	"count":         true,
	"recorded_at":   true,
	"events":        true,
	"summaries":     true,
	"sdk_version":   true,
}

// keyAliases is the level>=9 rename table.
var keyAliases = map[string]string{
	"id":            "i",
	"name":          "n",
	"user_id":       "u",
	"session_id":    "s",
	"dedup_key":     "dk",
	"experience_id": "e",
	"behaviour_id":  "b",
	"variation_id":  "v",
	"count":         "c",
	"recorded_at":   "t",
	"properties":    "p",
	"events":        "ev",
	"summaries":     "sm",
	"sdk_version":   "sv",
}

// Optimize returns a reduced copy of payload according to the compression
// level in cfg: >=5 truncates long strings and arrays (a trimmed array gains
// a trailing marker element), >=7 strips non-essential top-level fields,
// >=9 aliases keys and packs boolean-like strings as 0/1.
func Optimize(payload map[string]any, cfg model.AdaptiveConfig) map[string]any {
	if payload == nil {
		return nil
	}
	level := cfg.CompressionLevel
	if level < 5 {
		return clone(payload)
	}

	out := make(map[string]any, len(payload))
	for key, value := range payload {
		if level >= 7 && !essentialFields[key] {
			continue
		}
		out[key] = reduceValue(value, level)
	}
	if level >= 9 {
		out = aliasKeys(out)
	}
	return out
}

func reduceValue(value any, level int) any {
	switch v := value.(type) {
	case string:
		if level >= 9 {
			if b, ok := boolLike(v); ok {
				return b
			}
		}
		if len(v) > maxStringLength {
			return v[:maxStringLength] + truncateMarker
		}
		return v
	case []any:
		truncated := len(v) > maxArrayLength
		if truncated {
			v = v[:maxArrayLength]
		}
		out := lo.Map(v, func(item any, _ int) any {
			return reduceValue(item, level)
		})
		if truncated {
			out = append(out, truncateMarker)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			out[key] = reduceValue(item, level)
		}
		if level >= 9 {
			out = aliasKeys(out)
		}
		return out
	case bool:
		if level >= 9 {
			if v {
				return 1
			}
			return 0
		}
		return v
	default:
		return v
	}
}

func aliasKeys(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for key, value := range m {
		if alias, ok := keyAliases[key]; ok {
			key = alias
		}
		out[key] = value
	}
	return out
}

func boolLike(s string) (int, bool) {
	switch strings.ToLower(s) {
	case "true", "yes":
		return 1, true
	case "false", "no":
		return 0, true
	default:
		return 0, false
	}
}

// clone is a deep copy for the below-threshold path so callers can always
// treat the result as owned.
func clone(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	for key, value := range payload {
		out[key] = cloneValue(value)
	}
	return out
}

func cloneValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		return clone(v)
	case []any:
		return lo.Map(v, func(item any, _ int) any { return cloneValue(item) })
	default:
		return v
	}
}
