package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewIDIsID(t *testing.T) {
	assert.True(t, IsID(NewID()))
}

func TestIsIDRejectsNonCanonicalForms(t *testing.T) {
	cases := []string{
		"",
		"not-a-uuid",
		"urn:uuid:123e4567-e89b-12d3-a456-426614174000",
		"{123e4567-e89b-12d3-a456-426614174000}",
		"123e4567e89b12d3a456426614174000",
		"123e4567-e89b-12d3-a456-42661417400z",
	}
	for _, value := range cases {
		assert.False(t, IsID(value), value)
	}
	assert.True(t, IsID("123e4567-e89b-12d3-a456-426614174000"))
}
