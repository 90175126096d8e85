package contract

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleSchema() *Schema {
	return Object(map[string]*Schema{
		"taskId":   NonEmptyString(),
		"status":   String().WithEnum("todo", "done"),
		"priority": Integer().WithMin(0).WithMax(3),
		"tags":     Array(String()),
		"metadata": OpenObject(),
		"policy": Object(map[string]*Schema{
			"queueDepth": Integer().WithMin(0),
		}),
	}, "taskId")
}

func TestSchema_ValidInput(t *testing.T) {
	errs, err := sampleSchema().Validate(map[string]any{
		"taskId":   "task-1",
		"status":   "todo",
		"priority": 2,
		"tags":     []string{"a"},
		"metadata": map[string]any{"anything": []int{1, 2}},
		"policy":   map[string]any{"queueDepth": 4},
	})
	require.NoError(t, err)
	assert.Empty(t, errs)
}

func TestSchema_ErrorsAreOrdered(t *testing.T) {
	raw := json.RawMessage(`{"zeta":1,"status":"blocked","priority":7,"tags":["a",3],"policy":{"queueDepth":1.5,"extra":true}}`)
	errs, err := sampleSchema().Validate(raw)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"taskId: required field is missing",
		"policy.extra: unknown field",
		"policy.queueDepth: expected integer, got number",
		"priority: must be <= 3",
		`status: value "blocked" is not one of [todo, done]`,
		"tags[1]: expected string, got integer",
		"zeta: unknown field",
	}, errs)
}

func TestSchema_RootMustBeObject(t *testing.T) {
	errs, err := sampleSchema().Validate([]string{"x"})
	require.NoError(t, err)
	assert.Equal(t, []string{"input: expected object, got array"}, errs)
}

func TestSchema_NullCountsAsMissing(t *testing.T) {
	errs, err := sampleSchema().Validate(json.RawMessage(`{"taskId":null,"status":null}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"taskId: required field is missing"}, errs)
}

func TestSchema_EmptyStringRejectedByMinLength(t *testing.T) {
	errs, err := sampleSchema().Validate(map[string]any{"taskId": ""})
	require.NoError(t, err)
	assert.Equal(t, []string{"taskId: length must be at least 1"}, errs)
}

func TestSchema_NumberAcceptsIntegers(t *testing.T) {
	s := Object(map[string]*Schema{"cost": Number().WithMin(0)})
	errs, err := s.Validate(map[string]any{"cost": 3})
	require.NoError(t, err)
	assert.Empty(t, errs)

	errs, err = s.Validate(map[string]any{"cost": -0.5})
	require.NoError(t, err)
	assert.Equal(t, []string{"cost: must be >= 0"}, errs)
}

func TestSchema_MalformedRawJSON(t *testing.T) {
	_, err := sampleSchema().Validate(json.RawMessage(`{"taskId":`))
	assert.Error(t, err)
}
