package util

import "github.com/google/uuid"

// canonicalIDLength is the length of the hyphenated form NewID produces.
const canonicalIDLength = 36

func NewID() string {
	return uuid.NewString()
}

// IsID reports whether value is an identifier in the canonical hyphenated
// form produced by NewID. URN, braced and unhyphenated spellings are rejected.
func IsID(value string) bool {
	if len(value) != canonicalIDLength {
		return false
	}
	_, err := uuid.Parse(value)
	return err == nil
}
