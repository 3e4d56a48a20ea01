// -----------------------------------------------------------------------
// Variable substitution over the run context
// -----------------------------------------------------------------------

package pipeline

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Only context.* paths are resolvable; anything else stays literal.
var substitutionPattern = regexp.MustCompile(`\$\{context\.([a-zA-Z0-9_.\-]+)\}`)

// SubstituteString replaces every ${context.a.b.c} marker with the string
// form of the looked-up value. Missing paths become the empty string.
func SubstituteString(s string, context map[string]interface{}) string {
	return substitutionPattern.ReplaceAllStringFunc(s, func(match string) string {
		path := substitutionPattern.FindStringSubmatch(match)[1]
		value, ok := LookupPath(context, path)
		if !ok || value == nil {
			return ""
		}
		return stringify(value)
	})
}

// SubstituteValue applies SubstituteString recursively through strings,
// maps, and slices, leaving other values untouched.
func SubstituteValue(v interface{}, context map[string]interface{}) interface{} {
	switch val := v.(type) {
	case string:
		return SubstituteString(val, context)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = SubstituteValue(item, context)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = SubstituteValue(item, context)
		}
		return out
	default:
		return v
	}
}

// SubstituteStringMap substitutes every value of a string map
func SubstituteStringMap(m map[string]string, context map[string]interface{}) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = SubstituteString(v, context)
	}
	return out
}

// LookupPath resolves a dotted path through nested maps. The second return
// is false when any segment is missing or a non-map is traversed.
func LookupPath(context map[string]interface{}, path string) (interface{}, bool) {
	segments := strings.Split(path, ".")
	var current interface{} = context
	for _, seg := range segments {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// SetPath writes a value at a dotted path, creating intermediate maps
func SetPath(context map[string]interface{}, path string, value interface{}) {
	segments := strings.Split(path, ".")
	current := context
	for _, seg := range segments[:len(segments)-1] {
		next, ok := current[seg].(map[string]interface{})
		if !ok {
			next = make(map[string]interface{})
			current[seg] = next
		}
		current = next
	}
	current[segments[len(segments)-1]] = value
}

// DeletePath removes the value at a dotted path; missing paths are a no-op
func DeletePath(context map[string]interface{}, path string) {
	segments := strings.Split(path, ".")
	current := context
	for _, seg := range segments[:len(segments)-1] {
		next, ok := current[seg].(map[string]interface{})
		if !ok {
			return
		}
		current = next
	}
	delete(current, segments[len(segments)-1])
}

// stringify renders a context value the way it appears in substituted text
func stringify(v interface{}) string {
	switch val := v.(type) {
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
	default:
		return fmt.Sprintf("%v", val)
	}
}
