package common

import "testing"

func TestNewULID_SortableAndUnique(t *testing.T) {
	prev := ""
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id, err := NewULID()
		if err != nil {
			t.Fatalf("new ulid: %v", err)
		}
		if len(id) != 26 {
			t.Fatalf("expected 26 chars, got %d (%q)", len(id), id)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
		if prev != "" && id <= prev {
			t.Fatalf("ids not monotonic: %q <= %q", id, prev)
		}
		prev = id
	}
}
