package envsubst

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func testResolver(vars map[string]string) *Resolver {
	return NewWithLookup(func(name string) (string, bool) {
		v, ok := vars[name]
		return v, ok
	})
}

func TestExpandString(t *testing.T) {
	r := testResolver(map[string]string{
		"API_KEY": "secret123",
		"HOST":    "db.internal",
	})

	assert.Equal(t, "Bearer secret123", r.ExpandString("Bearer ${API_KEY}"))
	assert.Equal(t, "db.internal:1433", r.ExpandString("${HOST}:1433"))
	assert.Equal(t, "plain", r.ExpandString("plain"))
}

func TestExpandStringDefault(t *testing.T) {
	r := testResolver(map[string]string{"SET": "value"})

	// set variable ignores the default
	assert.Equal(t, "value", r.ExpandString("${SET:-fallback}"))
	// unset variable uses the default
	assert.Equal(t, "fallback", r.ExpandString("${UNSET:-fallback}"))
	// empty default is allowed
	assert.Equal(t, "x", r.ExpandString("x${UNSET:-}"))
}

func TestExpandStringUnsetKeepsPlaceholder(t *testing.T) {
	r := testResolver(nil)
	assert.Equal(t, "${MISSING}", r.ExpandString("${MISSING}"))
}

func TestExpandStringMap(t *testing.T) {
	r := testResolver(map[string]string{"TOKEN": "t0k"})

	got := r.ExpandStringMap(map[string]string{
		"Authorization": "Bearer ${TOKEN}",
		"Accept":        "application/json",
	})
	assert.Equal(t, "Bearer t0k", got["Authorization"])
	assert.Equal(t, "application/json", got["Accept"])

	assert.Nil(t, r.ExpandStringMap(nil))
}

func TestExpandSlice(t *testing.T) {
	r := testResolver(map[string]string{"DB": "analytics"})
	assert.Equal(t, []string{"--db", "analytics"}, r.ExpandSlice([]string{"--db", "${DB}"}))
}

func TestExpandNested(t *testing.T) {
	r := testResolver(map[string]string{"URL": "http://localhost:9000"})

	in := map[string]any{
		"url": "${URL}/mcp",
		"headers": map[string]any{
			"X-Base": "${URL}",
		},
		"args":    []any{"${URL}", 42},
		"enabled": true,
	}
	out := r.Expand(in).(map[string]any)
	assert.Equal(t, "http://localhost:9000/mcp", out["url"])
	assert.Equal(t, "http://localhost:9000", out["headers"].(map[string]any)["X-Base"])
	assert.Equal(t, "http://localhost:9000", out["args"].([]any)[0])
	assert.Equal(t, 42, out["args"].([]any)[1])
	assert.Equal(t, true, out["enabled"])
}
