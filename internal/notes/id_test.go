package notes

import (
	"errors"
	"testing"

	"github.com/google/uuid"
)

func TestUUIDProviderIssuesVersion7Identifiers(t *testing.T) {
	provider := NewUUIDProvider()
	first, err := provider.NewID()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := provider.NewID()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	parsed, err := uuid.Parse(first)
	if err != nil || parsed.Version() != 7 {
		t.Fatalf("expected a version 7 uuid, got %q (%v)", first, err)
	}
	if first == second {
		t.Fatalf("expected distinct identifiers")
	}
	if _, err := NewNoteID(first); err != nil {
		t.Fatalf("generated id must be a valid note id: %v", err)
	}
}

func TestUUIDProviderPropagatesErrors(t *testing.T) {
	failure := errors.New("entropy exhausted")
	provider := &uuidProvider{generate: func() (uuid.UUID, error) { return uuid.Nil, failure }}
	if _, err := provider.NewID(); !errors.Is(err, failure) {
		t.Fatalf("expected generator error, got %v", err)
	}
}
