package expressions

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJQQuery(t *testing.T) {
	q, ok := jqQuery("trigger.payload.items.0.sku")
	assert.True(t, ok)
	assert.Equal(t, `.["trigger"]["payload"]["items"] | (if type == "object" then .["0"] else .[0] end)["sku"]`, q)

	q, ok = jqQuery(`a."b`)
	assert.True(t, ok)
	assert.Equal(t, `.["a"]["\"b"]`, q)

	_, ok = jqQuery("")
	assert.False(t, ok)
	_, ok = jqQuery("a..b")
	assert.False(t, ok)
}

func TestPathResolver_Resolve(t *testing.T) {
	r := NewPathResolver()
	doc := map[string]any{
		"a": map[string]any{"b": []any{"x", map[string]any{"c": 1.5}}},
		"n": nil,
	}

	v, ok := r.Resolve(doc, "a.b.1.c")
	assert.True(t, ok)
	assert.Equal(t, 1.5, v)

	_, ok = r.Resolve(doc, "a.b.0.c")
	assert.False(t, ok, "indexing a string")

	_, ok = r.Resolve(doc, "n")
	assert.False(t, ok, "null is unresolved")

	_, ok = r.Resolve(doc, "missing.deep")
	assert.False(t, ok)
}

func TestPathResolver_NumericSegments(t *testing.T) {
	r := NewPathResolver()
	doc := map[string]any{
		"trigger": map[string]any{"payload": map[string]any{
			"2024":  map[string]any{"total": 10.0},
			"items": []any{"first", "second"},
		}},
	}

	v, ok := r.Resolve(doc, "trigger.payload.2024.total")
	assert.True(t, ok, "numeric key on an object")
	assert.Equal(t, 10.0, v)

	v, ok = r.Resolve(doc, "trigger.payload.items.1")
	assert.True(t, ok, "numeric index on an array")
	assert.Equal(t, "second", v)

	_, ok = r.Resolve(doc, "trigger.payload.items.5")
	assert.False(t, ok)
	_, ok = r.Resolve(doc, "trigger.payload.1999")
	assert.False(t, ok)
	_, ok = r.Resolve(doc, "trigger.missing.0.x")
	assert.False(t, ok)
}

func TestPathResolver_CachesMalformed(t *testing.T) {
	r := NewPathResolver()
	_, ok := r.Resolve(map[string]any{}, "a..b")
	assert.False(t, ok)

	r.mu.RLock()
	code, cached := r.cache["a..b"]
	r.mu.RUnlock()
	assert.True(t, cached)
	assert.Nil(t, code)
}
