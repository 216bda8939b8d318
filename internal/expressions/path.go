package expressions

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/itchyny/gojq"
)

// PathResolver walks dot-separated paths (trigger.payload.items.0.sku) through
// JSON documents. Each path is translated once into a jq index chain and the
// compiled code is cached.
// Thread-safe: compiled *gojq.Code objects are reused across goroutines.
type PathResolver struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// NewPathResolver creates a PathResolver with an empty cache.
func NewPathResolver() *PathResolver {
	return &PathResolver{cache: make(map[string]*gojq.Code)}
}

// Resolve returns the value at path inside doc. The second result is false
// when the path is malformed, a segment is missing, the walk hits a value
// that cannot be indexed, or the final value is null.
func (r *PathResolver) Resolve(doc map[string]any, path string) (any, bool) {
	code, ok := r.getOrCompile(path)
	if !ok {
		return nil, false
	}

	iter := code.RunWithContext(context.Background(), doc)
	v, ok := iter.Next()
	if !ok {
		return nil, false
	}
	if _, isErr := v.(error); isErr {
		return nil, false
	}
	if v == nil {
		return nil, false
	}
	return v, true
}

func (r *PathResolver) getOrCompile(path string) (*gojq.Code, bool) {
	r.mu.RLock()
	if code, ok := r.cache[path]; ok {
		r.mu.RUnlock()
		return code, code != nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock.
	if code, ok := r.cache[path]; ok {
		return code, code != nil
	}

	var code *gojq.Code
	if q, ok := jqQuery(path); ok {
		if parsed, err := gojq.Parse(q); err == nil {
			code, _ = gojq.Compile(parsed,
				gojq.WithEnvironLoader(func() []string { return nil }),
			)
		}
	}
	// Malformed paths are cached as nil so they are not re-parsed.
	r.cache[path] = code
	return code, code != nil
}

// jqQuery converts "a.b.0.c" into a jq index chain. Every name segment is
// quoted, so keys with dashes or spaces need no escaping by authors. A
// numeric segment indexes an array, or looks up the same digits as a key
// when the value at that point is an object ("payload.2024").
func jqQuery(path string) (string, bool) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", false
	}
	var b strings.Builder
	b.WriteString(".")
	for _, seg := range strings.Split(path, ".") {
		if seg == "" {
			return "", false
		}
		key, err := json.Marshal(seg)
		if err != nil {
			return "", false
		}
		if idx, err := strconv.Atoi(seg); err == nil && idx >= 0 {
			fmt.Fprintf(&b, ` | (if type == "object" then .[%s] else .[%d] end)`, key, idx)
			continue
		}
		b.WriteString("[" + string(key) + "]")
	}
	return b.String(), true
}
