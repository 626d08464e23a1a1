package app

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pollbot/api/internal/flow"
)

func TestCoerceNumber(t *testing.T) {
	cases := []struct {
		raw   string
		value float64
		ok    bool
	}{
		{raw: `7`, value: 7, ok: true},
		{raw: `-1.25`, value: -1.25, ok: true},
		{raw: `"  42 "`, value: 42, ok: true},
		{raw: `"1e3"`, value: 1000, ok: true},
		{raw: `""`},
		{raw: `"   "`},
		{raw: `"NaN"`},
		{raw: `"Inf"`},
		{raw: `"12abc"`},
		{raw: `false`},
		{raw: `{"n": 1}`},
	}
	for _, tc := range cases {
		value, ok := coerceNumber(json.RawMessage(tc.raw))
		assert.Equal(t, tc.ok, ok, tc.raw)
		if tc.ok {
			assert.Equal(t, tc.value, value, tc.raw)
		}
	}
}

func TestValidateAnswerIgnoresNonNumberQuestions(t *testing.T) {
	question := flow.Question{NodeKey: "role", Type: "text", Validations: json.RawMessage(`{"min": 10}`)}
	assert.NoError(t, validateAnswer(question, "role", json.RawMessage(`"anything"`)))
}

func TestValidateAnswerIgnoresNonNumericBounds(t *testing.T) {
	question := flow.Question{NodeKey: "age", Type: "number", Validations: json.RawMessage(`{"min": "18", "max": null}`)}
	assert.NoError(t, validateAnswer(question, "age", json.RawMessage(`3`)))
}

func TestValidateAnswerBoundsAreInclusive(t *testing.T) {
	question := flow.Question{NodeKey: "score", Type: "number", Validations: json.RawMessage(`{"min": 1, "max": 5}`)}
	require.NoError(t, validateAnswer(question, "score", json.RawMessage(`1`)))
	require.NoError(t, validateAnswer(question, "score", json.RawMessage(`"5"`)))
}
