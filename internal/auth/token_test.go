package auth

import (
	"encoding/base64"
	"testing"
)

func TestNewSessionTokenIsRandomAndURLSafe(t *testing.T) {
	first, err := NewSessionToken()
	if err != nil {
		t.Fatalf("NewSessionToken() error = %v", err)
	}
	second, err := NewSessionToken()
	if err != nil {
		t.Fatalf("NewSessionToken() error = %v", err)
	}
	if first == second {
		t.Fatal("expected distinct tokens")
	}
	decoded, err := base64.RawURLEncoding.DecodeString(first)
	if err != nil {
		t.Fatalf("token is not raw url base64: %v", err)
	}
	if len(decoded) != tokenBytes {
		t.Fatalf("expected %d random bytes, got %d", tokenBytes, len(decoded))
	}
}

func TestHashTokenIsStableHex(t *testing.T) {
	got := HashToken("abc")
	want := "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if got != want {
		t.Fatalf("HashToken() = %s, want %s", got, want)
	}
	if HashToken("abd") == got {
		t.Fatal("expected different hash for different input")
	}
}
