package util

import (
	"strings"
	"testing"
)

func TestNewID(t *testing.T) {
	id := NewID("jti")
	if !strings.HasPrefix(id, "jti_") || len(id) != len("jti_")+36 {
		t.Fatalf("unexpected id %q", id)
	}
	if NewID("") == NewID("") {
		t.Fatal("ids must be unique")
	}
	if tok := NewToken(); len(tok) != 64 || strings.Contains(tok, "-") {
		t.Fatalf("unexpected token %q", tok)
	}
}
