package payload

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalpost/flagwire/internal/model"
)

func cfgAt(level int) model.AdaptiveConfig {
	return model.AdaptiveConfig{CompressionLevel: level}
}

func TestBelowThresholdIsCopy(t *testing.T) {
	in := map[string]any{
		"name":  "click",
		"extra": map[string]any{"a": 1},
	}
	out := Optimize(in, cfgAt(3))
	require.Equal(t, in, out)

	// returned map is a copy, not the input
	out["name"] = "changed"
	outExtra := out["extra"].(map[string]any)
	outExtra["a"] = 2
	assert.Equal(t, "click", in["name"])
	assert.Equal(t, 1, in["extra"].(map[string]any)["a"])
}

func TestLevel5Truncation(t *testing.T) {
	long := strings.Repeat("x", 1000)
	items := make([]any, 50)
	for i := range items {
		items[i] = i
	}
	in := map[string]any{
		"name":  long,
		"count": items,
	}
	out := Optimize(in, cfgAt(5))

	s := out["name"].(string)
	assert.Len(t, s, 256+len("...[truncated]"))
	assert.True(t, strings.HasSuffix(s, "...[truncated]"))

	// trimmed arrays keep 20 items plus a trailing marker
	arr := out["count"].([]any)
	require.Len(t, arr, 21)
	assert.Equal(t, "...[truncated]", arr[20])
	assert.Equal(t, 19, arr[19])

	// input untouched
	assert.Len(t, in["name"].(string), 1000)
	assert.Len(t, in["count"].([]any), 50)
}

func TestLevel7StripsNonEssential(t *testing.T) {
	in := map[string]any{
		"id":          "e-1",
		"user_id":     "u-1",
		"debug_trace": "noise",
		"properties":  map[string]any{"k": "v"},
	}
	out := Optimize(in, cfgAt(7))

	assert.Contains(t, out, "id")
	assert.Contains(t, out, "user_id")
	assert.NotContains(t, out, "debug_trace")
	assert.NotContains(t, out, "properties")
}

func TestLevel9AliasesAndCoerces(t *testing.T) {
	in := map[string]any{
		"experience_id": "exp-1",
		"behaviour_id":  "beh-1",
		"variation_id":  "var-1",
		"user_id":       "u-1",
		"name":          "true",
	}
	out := Optimize(in, cfgAt(9))

	assert.Equal(t, "exp-1", out["e"])
	assert.Equal(t, "beh-1", out["b"])
	assert.Equal(t, "var-1", out["v"])
	assert.Equal(t, "u-1", out["u"])
	assert.Equal(t, 1, out["n"])
	assert.NotContains(t, out, "experience_id")
}

func TestLevel9NestedAliasing(t *testing.T) {
	in := map[string]any{
		"events": []any{
			map[string]any{"name": "click", "session_id": "s-1", "recorded_at": "now"},
		},
	}
	out := Optimize(in, cfgAt(9))

	events := out["ev"].([]any)
	require.Len(t, events, 1)
	first := events[0].(map[string]any)
	assert.Equal(t, "click", first["n"])
	assert.Equal(t, "s-1", first["s"])
}

func TestNilPayload(t *testing.T) {
	assert.Nil(t, Optimize(nil, cfgAt(9)))
}
