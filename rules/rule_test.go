package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEvaluate(t *testing.T) {
	e := NewExprEvaluator()

	tests := []struct {
		name       string
		expression string
		context    map[string]interface{}
		expected   bool
	}{
		{
			name:       "numeric comparison",
			expression: "count >= 5",
			context:    map[string]interface{}{"count": 7},
			expected:   true,
		},
		{
			name:       "string equality",
			expression: `status == "failed"`,
			context:    map[string]interface{}{"status": "completed"},
			expected:   false,
		},
		{
			name:       "compound condition",
			expression: `count > 2 && kind == "transient"`,
			context:    map[string]interface{}{"count": 3, "kind": "transient"},
			expected:   true,
		},
		{
			name:       "nested map access",
			expression: `data.status == "running"`,
			context: map[string]interface{}{
				"data": map[string]interface{}{"status": "running"},
			},
			expected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := e.Evaluate(tt.expression, tt.context)
			assert.NoError(t, err)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestEvaluateNonBoolean(t *testing.T) {
	e := NewExprEvaluator()

	_, err := e.Evaluate("count + 1", map[string]interface{}{"count": 1})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "did not evaluate to a boolean")
}

func TestEvaluateInvalidExpression(t *testing.T) {
	e := NewExprEvaluator()

	_, err := e.Evaluate("count >=", map[string]interface{}{"count": 1})
	assert.Error(t, err)
}

func TestEvaluateUsesCache(t *testing.T) {
	e := NewExprEvaluator()

	result, err := e.Evaluate("count > 1", map[string]interface{}{"count": 2})
	assert.NoError(t, err)
	assert.True(t, result)

	// Second evaluation reuses the compiled program with fresh values.
	result, err = e.Evaluate("count > 1", map[string]interface{}{"count": 0})
	assert.NoError(t, err)
	assert.False(t, result)

	assert.Len(t, e.cache, 1)
}

func TestAddOptionFunc(t *testing.T) {
	e := NewExprEvaluator()
	e.AddOptionFunc("error_rate", func(context map[string]interface{}) interface{} {
		errors, _ := context["errors"].(int)
		total, _ := context["total"].(int)
		if total == 0 {
			return 0.0
		}
		return float64(errors) / float64(total)
	})

	result, err := e.Evaluate("error_rate > 0.5", map[string]interface{}{"errors": 3, "total": 4})
	assert.NoError(t, err)
	assert.True(t, result)
}
