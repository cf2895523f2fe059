package util

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestNewID(t *testing.T) {
	id := NewID("upl")
	if !strings.HasPrefix(id, "upl_") {
		t.Fatalf("expected upl_ prefix, got %q", id)
	}
	if _, err := uuid.Parse(strings.TrimPrefix(id, "upl_")); err != nil {
		t.Fatalf("expected a uuid after the prefix: %v", err)
	}
	if NewID("") == NewID("") {
		t.Fatal("expected distinct ids")
	}
}
