package quipodb

import (
	"sort"
	"testing"

	"github.com/google/uuid"
)

func TestNewID(t *testing.T) {
	ids := make([]string, 100)
	for i := range ids {
		ids[i] = NewID()
	}

	seen := make(map[string]bool)
	for _, id := range ids {
		if !IsValidID(id) {
			t.Fatalf("NewID() generated invalid ID: %s", id)
		}
		if seen[id] {
			t.Fatalf("duplicate ID %s", id)
		}
		seen[id] = true

		if v := uuid.MustParse(id).Version(); v != 7 {
			t.Errorf("expected UUIDv7, got version %d", v)
		}
	}

	if !sort.StringsAreSorted(ids) {
		t.Error("IDs should sort in creation order")
	}
}

func TestIsValidID(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"0190a6f8-7b3c-7d4e-8f00-123456789abc", true},
		{"not-a-uuid", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := IsValidID(tt.id); got != tt.want {
			t.Errorf("IsValidID(%q) = %v, want %v", tt.id, got, tt.want)
		}
	}
}
