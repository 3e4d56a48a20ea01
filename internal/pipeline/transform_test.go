package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/conductor/internal/models"
)

func TestApplyTransformSet(t *testing.T) {
	context := map[string]interface{}{"env": "prod"}

	err := applyTransform(context, &models.TransformOperation{
		Op:    models.TransformOpSet,
		Path:  "deploy.target",
		Value: "cluster-${context.env}",
	})
	require.NoError(t, err)

	v, ok := LookupPath(context, "deploy.target")
	require.True(t, ok)
	assert.Equal(t, "cluster-prod", v)
}

func TestApplyTransformDelete(t *testing.T) {
	context := map[string]interface{}{"a": "x", "b": "y"}

	err := applyTransform(context, &models.TransformOperation{
		Op:   models.TransformOpDelete,
		Path: "a",
	})
	require.NoError(t, err)

	_, ok := LookupPath(context, "a")
	assert.False(t, ok)
	_, ok = LookupPath(context, "b")
	assert.True(t, ok)
}

func TestApplyTransformMerge(t *testing.T) {
	context := map[string]interface{}{
		"defaults": map[string]interface{}{"region": "us-east-1", "size": "small"},
		"override": map[string]interface{}{"size": "large"},
	}

	err := applyTransform(context, &models.TransformOperation{
		Op:     models.TransformOpMerge,
		Source: "override",
		Target: "defaults",
	})
	require.NoError(t, err)

	merged, ok := LookupPath(context, "defaults")
	require.True(t, ok)
	m := merged.(map[string]interface{})
	assert.Equal(t, "large", m["size"], "source wins on conflict")
	assert.Equal(t, "us-east-1", m["region"])
}

func TestApplyTransformMergeRejectsNonMaps(t *testing.T) {
	context := map[string]interface{}{"a": "scalar", "b": map[string]interface{}{}}

	err := applyTransform(context, &models.TransformOperation{
		Op:     models.TransformOpMerge,
		Source: "a",
		Target: "b",
	})
	assert.Error(t, err)
}

func TestApplyTransformMap(t *testing.T) {
	context := map[string]interface{}{
		"nums": []interface{}{float64(1), float64(2), float64(3)},
	}

	err := applyTransform(context, &models.TransformOperation{
		Op:         models.TransformOpMap,
		Source:     "nums",
		Target:     "doubled",
		Expression: "$item * 2",
	})
	require.NoError(t, err)

	out, ok := LookupPath(context, "doubled")
	require.True(t, ok)
	assert.Equal(t, []interface{}{float64(2), float64(4), float64(6)}, out)
}

func TestApplyTransformMapFailureKeepsElement(t *testing.T) {
	context := map[string]interface{}{
		"items": []interface{}{"a", "b"},
	}

	// Division of non-numeric elements fails per element; identity applies
	err := applyTransform(context, &models.TransformOperation{
		Op:         models.TransformOpMap,
		Source:     "items",
		Target:     "out",
		Expression: "$item / 0",
	})
	require.NoError(t, err)

	out, _ := LookupPath(context, "out")
	assert.Equal(t, []interface{}{"a", "b"}, out)
}

func TestApplyTransformFilter(t *testing.T) {
	context := map[string]interface{}{
		"nums": []interface{}{float64(1), float64(5), float64(10)},
	}

	err := applyTransform(context, &models.TransformOperation{
		Op:        models.TransformOpFilter,
		Source:    "nums",
		Target:    "big",
		Condition: "$item >= 5",
	})
	require.NoError(t, err)

	out, _ := LookupPath(context, "big")
	assert.Equal(t, []interface{}{float64(5), float64(10)}, out)
}

func TestApplyTransformFilterEmptyResultIsEmptyList(t *testing.T) {
	context := map[string]interface{}{
		"nums": []interface{}{float64(1)},
	}

	err := applyTransform(context, &models.TransformOperation{
		Op:        models.TransformOpFilter,
		Source:    "nums",
		Target:    "none",
		Condition: "$item > 100",
	})
	require.NoError(t, err)

	out, ok := LookupPath(context, "none")
	require.True(t, ok)
	assert.Equal(t, []interface{}{}, out)
}

func TestApplyTransformReduce(t *testing.T) {
	context := map[string]interface{}{
		"nums": []interface{}{float64(1), float64(2), float64(3)},
	}

	err := applyTransform(context, &models.TransformOperation{
		Op:         models.TransformOpReduce,
		Source:     "nums",
		Target:     "sum",
		Expression: "$acc + $item",
		Initial:    float64(0),
	})
	require.NoError(t, err)

	out, _ := LookupPath(context, "sum")
	assert.Equal(t, float64(6), out)
}

func TestApplyTransformReduceStringConcat(t *testing.T) {
	context := map[string]interface{}{
		"words": []interface{}{"a", "b", "c"},
	}

	err := applyTransform(context, &models.TransformOperation{
		Op:         models.TransformOpReduce,
		Source:     "words",
		Target:     "joined",
		Expression: "$acc + $item",
		Initial:    "",
	})
	require.NoError(t, err)

	out, _ := LookupPath(context, "joined")
	assert.Equal(t, "abc", out)
}

func TestApplyTransformExtract(t *testing.T) {
	context := map[string]interface{}{
		"response": map[string]interface{}{
			"body": map[string]interface{}{"id": "abc-123"},
		},
	}

	err := applyTransform(context, &models.TransformOperation{
		Op:     models.TransformOpExtract,
		Source: "response",
		Query:  "body.id",
		Target: "resourceId",
	})
	require.NoError(t, err)

	out, _ := LookupPath(context, "resourceId")
	assert.Equal(t, "abc-123", out)
}

func TestApplyTransformSourceErrors(t *testing.T) {
	context := map[string]interface{}{"notAList": "x"}

	err := applyTransform(context, &models.TransformOperation{
		Op:     models.TransformOpMap,
		Source: "missing",
		Target: "out",
	})
	assert.Error(t, err)

	err = applyTransform(context, &models.TransformOperation{
		Op:     models.TransformOpMap,
		Source: "notAList",
		Target: "out",
	})
	assert.Error(t, err)
}

func TestEvalElementExpression(t *testing.T) {
	tests := []struct {
		name       string
		expression string
		item       interface{}
		index      int
		acc        interface{}
		expected   interface{}
		ok         bool
	}{
		{"bare item", "$item", float64(7), 0, nil, float64(7), true},
		{"bare index", "$index", "x", 3, nil, 3, true},
		{"addition", "$item + 1", float64(2), 0, nil, float64(3), true},
		{"subtraction", "$item - 1", float64(2), 0, nil, float64(1), true},
		{"multiplication", "$item * $item", float64(3), 0, nil, float64(9), true},
		{"division", "$item / 2", float64(8), 0, nil, float64(4), true},
		{"division by zero fails", "$item / 0", float64(8), 0, nil, nil, false},
		{"string concat", "$item + '!'", "hi", 0, nil, "hi!", true},
		{"accumulator", "$acc + $item", float64(2), 0, float64(5), float64(7), true},
		{"literal only", "42", nil, 0, nil, float64(42), true},
		{"empty expression fails", "", nil, 0, nil, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := evalElementExpression(tt.expression, tt.item, tt.index, tt.acc)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.expected, got)
			}
		})
	}
}

func TestIndexOutsideMarkers(t *testing.T) {
	// The minus inside the marker path must not be treated as an operator
	idx := indexOutsideMarkers("${context.item-name} - 1", "-")
	assert.Equal(t, 21, idx)

	// A leading sign is not an operator
	assert.Equal(t, -1, indexOutsideMarkers("-5", "-"))
}
