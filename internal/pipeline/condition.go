// -----------------------------------------------------------------------
// Condition grammar - boolean literal or one comparison, nothing more
// -----------------------------------------------------------------------

package pipeline

import (
	"strconv"
	"strings"
)

// Comparison operators, longest first so ">=" is not read as ">".
var comparisonOps = []string{"===", "!==", "==", "!=", ">=", "<=", ">", "<"}

// EvaluateCondition evaluates the restricted condition grammar over the run
// context: the literals true/false, a single LHS OP RHS comparison, or a
// bare identifier tested for truthiness. Boolean connectives are not part
// of the grammar. Malformed conditions evaluate to false.
func EvaluateCondition(condition string, context map[string]interface{}) bool {
	expr := strings.TrimSpace(condition)
	if expr == "" {
		return true
	}

	switch expr {
	case "true":
		return true
	case "false":
		return false
	}

	if op, lhs, rhs, ok := splitComparison(expr); ok {
		left, lok := evalOperand(lhs, context)
		right, rok := evalOperand(rhs, context)
		if !lok || !rok {
			return false
		}
		return compare(left, right, op)
	}

	// Bare identifier: resolve via the context and test truthiness
	value, ok := LookupPath(context, strings.TrimPrefix(expr, "context."))
	if !ok {
		return false
	}
	return truthy(value)
}

// splitComparison finds the single top-level comparison operator
func splitComparison(expr string) (op, lhs, rhs string, ok bool) {
	for _, candidate := range comparisonOps {
		if idx := strings.Index(expr, candidate); idx > 0 {
			lhs = strings.TrimSpace(expr[:idx])
			rhs = strings.TrimSpace(expr[idx+len(candidate):])
			if lhs == "" || rhs == "" {
				return "", "", "", false
			}
			return candidate, lhs, rhs, true
		}
	}
	return "", "", "", false
}

// evalOperand resolves one side of a comparison to a literal or a context
// value. Unresolvable operands poison the comparison to false.
func evalOperand(token string, context map[string]interface{}) (interface{}, bool) {
	switch token {
	case "true":
		return true, true
	case "false":
		return false, true
	case "null":
		return nil, true
	}

	if len(token) >= 2 {
		if (token[0] == '\'' && token[len(token)-1] == '\'') ||
			(token[0] == '"' && token[len(token)-1] == '"') {
			return token[1 : len(token)-1], true
		}
	}

	if n, err := strconv.ParseFloat(token, 64); err == nil {
		return n, true
	}

	if matches := substitutionPattern.FindStringSubmatch(token); matches != nil && matches[0] == token {
		value, ok := LookupPath(context, matches[1])
		if !ok {
			return nil, true
		}
		return value, true
	}

	// Bare identifier shorthand for ${context.<id>}
	if isIdentifier(token) {
		value, ok := LookupPath(context, token)
		if !ok {
			return nil, true
		}
		return value, true
	}

	return nil, false
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !(r == '_' || r == '.' || r == '-' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			return false
		}
	}
	return true
}

// compare applies the operator. Equality is loose across numeric and string
// forms; ordering comparisons coerce both sides to float64 and fail closed.
func compare(left, right interface{}, op string) bool {
	switch op {
	case "==", "===":
		return looseEqual(left, right)
	case "!=", "!==":
		return !looseEqual(left, right)
	}

	ln, lok := toNumber(left)
	rn, rok := toNumber(right)
	if !lok || !rok {
		return false
	}
	switch op {
	case ">":
		return ln > rn
	case ">=":
		return ln >= rn
	case "<":
		return ln < rn
	case "<=":
		return ln <= rn
	}
	return false
}

func looseEqual(left, right interface{}) bool {
	if left == nil || right == nil {
		return left == nil && right == nil
	}
	if ln, lok := toNumber(left); lok {
		if rn, rok := toNumber(right); rok {
			return ln == rn
		}
	}
	return stringify(left) == stringify(right)
}

func toNumber(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case string:
		n, err := strconv.ParseFloat(val, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

// truthy mirrors the bare-identifier rule: non-empty, not "false", not "0"
func truthy(v interface{}) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != "" && val != "false" && val != "0"
	case float64:
		return val != 0
	case int:
		return val != 0
	default:
		return true
	}
}
