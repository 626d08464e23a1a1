package app

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"strings"

	"pollbot/api/internal/flow"
)

const questionTypeNumber = "number"

// validateAnswer applies the typed constraints declared by question.
// Only number questions carry constraints today.
func validateAnswer(question flow.Question, nodeKey string, answer json.RawMessage) error {
	if question.Type != questionTypeNumber {
		return nil
	}

	value, ok := coerceNumber(answer)
	if !ok {
		return domainError(http.StatusBadRequest, CodeInvalidTypeNumber, "Answer must be a number",
			map[string]any{"nodeKey": nodeKey})
	}
	if lower, ok := question.Bound("min"); ok && value < lower {
		return domainError(http.StatusBadRequest, CodeNumberBelowMin, "Answer is below the minimum",
			map[string]any{"nodeKey": nodeKey, "min": lower})
	}
	if upper, ok := question.Bound("max"); ok && value > upper {
		return domainError(http.StatusBadRequest, CodeNumberAboveMax, "Answer is above the maximum",
			map[string]any{"nodeKey": nodeKey, "max": upper})
	}
	return nil
}

// coerceNumber accepts a JSON number or a string holding one.
func coerceNumber(raw json.RawMessage) (float64, bool) {
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return 0, false
	}

	var value float64
	switch v := decoded.(type) {
	case float64:
		value = v
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return 0, false
		}
		parsed, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			return 0, false
		}
		value = parsed
	default:
		return 0, false
	}

	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, false
	}
	return value, true
}
