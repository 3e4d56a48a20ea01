// -----------------------------------------------------------------------
// Transform step executor and the restricted element expression evaluator
// -----------------------------------------------------------------------

package pipeline

import (
	"context"
	"strings"

	"github.com/ternarybob/conductor/internal/models"
)

func (e *Engine) executeTransform(ctx context.Context, rs *runState, step *models.Step) (*models.StepResult, error) {
	cfg := step.Config.Transform
	if cfg == nil || len(cfg.Operations) == 0 {
		return nil, failStep(StepCodeConfig, "step %s: missing transform config", step.ID)
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()

	applied := 0
	for _, op := range cfg.Operations {
		if err := applyTransform(rs.run.Context, &op); err != nil {
			return nil, failStep(StepCodeExecution, "step %s: %s operation failed: %v", step.ID, op.Op, err)
		}
		applied++
	}

	return &models.StepResult{
		Success: true,
		Output:  map[string]interface{}{"operationsApplied": applied},
	}, nil
}

func applyTransform(context map[string]interface{}, op *models.TransformOperation) error {
	switch op.Op {
	case models.TransformOpSet:
		SetPath(context, op.Path, SubstituteValue(op.Value, context))
		return nil

	case models.TransformOpDelete:
		DeletePath(context, op.Path)
		return nil

	case models.TransformOpMerge:
		source, _ := LookupPath(context, op.Source)
		target, _ := LookupPath(context, op.Target)
		sm, sok := source.(map[string]interface{})
		tm, tok := target.(map[string]interface{})
		if !sok || !tok {
			return failStep(StepCodeExecution, "merge requires map source and target")
		}
		merged := make(map[string]interface{}, len(tm)+len(sm))
		for k, v := range tm {
			merged[k] = v
		}
		for k, v := range sm {
			merged[k] = v
		}
		SetPath(context, op.Target, merged)
		return nil

	case models.TransformOpMap:
		items, err := listAt(context, op.Source)
		if err != nil {
			return err
		}
		out := make([]interface{}, len(items))
		for i, item := range items {
			mapped, ok := evalElementExpression(op.Expression, item, i, nil)
			if !ok {
				// Per-element evaluation failure defaults to identity
				mapped = item
			}
			out[i] = mapped
		}
		SetPath(context, op.Target, out)
		return nil

	case models.TransformOpFilter:
		items, err := listAt(context, op.Source)
		if err != nil {
			return err
		}
		var out []interface{}
		for i, item := range items {
			keep, ok := evalElementCondition(op.Condition, item, i)
			if !ok {
				// Evaluation failure includes the element
				keep = true
			}
			if keep {
				out = append(out, item)
			}
		}
		if out == nil {
			out = []interface{}{}
		}
		SetPath(context, op.Target, out)
		return nil

	case models.TransformOpReduce:
		items, err := listAt(context, op.Source)
		if err != nil {
			return err
		}
		acc := op.Initial
		for i, item := range items {
			next, ok := evalElementExpression(op.Expression, item, i, acc)
			if !ok {
				// Evaluation failure passes the accumulator through
				continue
			}
			acc = next
		}
		SetPath(context, op.Target, acc)
		return nil

	case models.TransformOpExtract:
		source, ok := LookupPath(context, op.Source)
		if !ok {
			return failStep(StepCodeExecution, "extract source %s not found", op.Source)
		}
		sm, ok := source.(map[string]interface{})
		if !ok {
			return failStep(StepCodeExecution, "extract source %s is not a map", op.Source)
		}
		value, ok := LookupPath(sm, op.Query)
		if !ok {
			value = nil
		}
		SetPath(context, op.Target, value)
		return nil

	default:
		return failStep(StepCodeConfig, "unknown transform operation: %s", op.Op)
	}
}

func listAt(context map[string]interface{}, path string) ([]interface{}, error) {
	value, ok := LookupPath(context, path)
	if !ok {
		return nil, failStep(StepCodeExecution, "source %s not found", path)
	}
	items, ok := value.([]interface{})
	if !ok {
		return nil, failStep(StepCodeExecution, "source %s is not a list", path)
	}
	return items, nil
}

// bindings builds the per-element scope. Only $item, $index, and $acc are
// visible; expressions cannot reach the run context or anything else.
func bindings(item interface{}, index int, acc interface{}) map[string]interface{} {
	return map[string]interface{}{
		"item":  item,
		"index": index,
		"acc":   acc,
	}
}

// rewriteBindings maps $item/$index/$acc markers onto context lookups so
// the evaluators below can resolve them through the scoped bindings map
func rewriteBindings(expr string) string {
	expr = strings.ReplaceAll(expr, "$item", "${context.item}")
	expr = strings.ReplaceAll(expr, "$index", "${context.index}")
	expr = strings.ReplaceAll(expr, "$acc", "${context.acc}")
	return expr
}

// evalElementCondition evaluates a filter condition over one element
func evalElementCondition(condition string, item interface{}, index int) (result, ok bool) {
	if strings.TrimSpace(condition) == "" {
		return false, false
	}
	scope := bindings(item, index, nil)
	return EvaluateCondition(rewriteBindings(condition), scope), true
}

// evalElementExpression evaluates a map/reduce expression over one element:
// a single binding or literal, or one arithmetic operation between two.
func evalElementExpression(expression string, item interface{}, index int, acc interface{}) (interface{}, bool) {
	expr := strings.TrimSpace(rewriteBindings(expression))
	if expr == "" {
		return nil, false
	}
	scope := bindings(item, index, acc)

	// Try a single binary arithmetic operation, scanning operators outside
	// substitution markers
	for _, op := range []string{"+", "-", "*", "/"} {
		if idx := indexOutsideMarkers(expr, op); idx > 0 {
			lhs, lok := evalOperand(strings.TrimSpace(expr[:idx]), scope)
			rhs, rok := evalOperand(strings.TrimSpace(expr[idx+1:]), scope)
			if !lok || !rok {
				return nil, false
			}
			if op == "+" {
				// String concatenation when either side is non-numeric
				if _, isNum := toNumber(lhs); !isNum {
					return stringify(lhs) + stringify(rhs), true
				}
				if _, isNum := toNumber(rhs); !isNum {
					return stringify(lhs) + stringify(rhs), true
				}
			}
			ln, lok := toNumber(lhs)
			rn, rok := toNumber(rhs)
			if !lok || !rok {
				return nil, false
			}
			switch op {
			case "+":
				return ln + rn, true
			case "-":
				return ln - rn, true
			case "*":
				return ln * rn, true
			case "/":
				if rn == 0 {
					return nil, false
				}
				return ln / rn, true
			}
		}
	}

	value, ok := evalOperand(expr, scope)
	if !ok {
		return nil, false
	}
	return value, true
}

// indexOutsideMarkers finds the first occurrence of op not inside a
// ${context.*} marker and not a leading sign
func indexOutsideMarkers(expr, op string) int {
	depth := 0
	for i := 0; i < len(expr); i++ {
		if i+1 < len(expr) && expr[i] == '$' && expr[i+1] == '{' {
			depth++
			i++
			continue
		}
		if expr[i] == '}' && depth > 0 {
			depth--
			continue
		}
		if depth == 0 && string(expr[i]) == op {
			// A leading minus is a sign, not an operator
			if op == "-" && strings.TrimSpace(expr[:i]) == "" {
				continue
			}
			// Skip minus signs directly following another operator
			if op == "-" && i > 0 {
				prev := strings.TrimSpace(expr[:i])
				if len(prev) > 0 {
					last := prev[len(prev)-1]
					if last == '+' || last == '-' || last == '*' || last == '/' {
						continue
					}
				}
			}
			return i
		}
	}
	return -1
}
