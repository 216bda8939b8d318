package expressions

import (
	"encoding/json"
	"strconv"
	"strings"
)

const (
	openToken  = "{{"
	closeToken = "}}"
)

// Interpolator resolves {{path}} tokens against a run Scope.
//
// Resolution is best effort: a token whose path is missing or unresolvable
// becomes the empty string and never produces an error, so the node gets a
// chance to fail explicitly on its own terms.
type Interpolator struct {
	paths *PathResolver
}

// NewInterpolator creates an Interpolator with its own path cache.
func NewInterpolator() *Interpolator {
	return &Interpolator{paths: NewPathResolver()}
}

// Interpolate replaces every {{path}} token in template with the string
// form of the resolved value. Text outside tokens passes through unchanged;
// an unterminated "{{" is kept literally.
func (ip *Interpolator) Interpolate(template string, scope *Scope) string {
	if !strings.Contains(template, openToken) {
		return template
	}

	var out strings.Builder
	out.Grow(len(template))

	rest := template
	for {
		start := strings.Index(rest, openToken)
		if start == -1 {
			out.WriteString(rest)
			break
		}
		end := strings.Index(rest[start+len(openToken):], closeToken)
		if end == -1 {
			out.WriteString(rest)
			break
		}
		end += start + len(openToken)

		out.WriteString(rest[:start])
		path := rest[start+len(openToken) : end]
		if v, ok := ip.Lookup(path, scope); ok {
			out.WriteString(Stringify(v))
		}
		rest = rest[end+len(closeToken):]
	}
	return out.String()
}

// Lookup resolves a single path against the scope.
func (ip *Interpolator) Lookup(path string, scope *Scope) (any, bool) {
	if scope == nil {
		return nil, false
	}
	return ip.paths.Resolve(scope.Document(), strings.TrimSpace(path))
}

// ResolveSettings returns a copy of settings with every string value
// interpolated, recursing into nested objects and arrays. A string that is
// exactly one token keeps the resolved value's own type (number, object...),
// so `"amount": "{{trigger.payload.amount}}"` stays numeric.
func (ip *Interpolator) ResolveSettings(settings map[string]any, scope *Scope) map[string]any {
	if settings == nil {
		return map[string]any{}
	}
	out, _ := ip.resolveValue(settings, scope).(map[string]any)
	return out
}

func (ip *Interpolator) resolveValue(v any, scope *Scope) any {
	switch val := v.(type) {
	case string:
		if path, ok := singleToken(val); ok {
			resolved, found := ip.Lookup(path, scope)
			if !found {
				return ""
			}
			return deepCopyAny(resolved)
		}
		return ip.Interpolate(val, scope)
	case map[string]any:
		cp := make(map[string]any, len(val))
		for k, item := range val {
			cp[k] = ip.resolveValue(item, scope)
		}
		return cp
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = ip.resolveValue(item, scope)
		}
		return cp
	default:
		return v
	}
}

// singleToken reports whether s is exactly one {{path}} token.
func singleToken(s string) (string, bool) {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, openToken) || !strings.HasSuffix(trimmed, closeToken) {
		return "", false
	}
	inner := trimmed[len(openToken) : len(trimmed)-len(closeToken)]
	if strings.Contains(inner, openToken) || strings.Contains(inner, closeToken) {
		return "", false
	}
	return inner, true
}

// HasTemplate reports whether s contains at least one complete token.
func HasTemplate(s string) bool {
	start := strings.Index(s, openToken)
	return start != -1 && strings.Contains(s[start+len(openToken):], closeToken)
}

// Stringify renders a resolved value the way it appears inside text:
// integral numbers without a decimal point, objects and arrays as compact JSON.
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case json.Number:
		return val.String()
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
