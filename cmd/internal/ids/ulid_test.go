package ids

import (
	"testing"
	"time"
)

func TestNewULID_ValidAndSortable(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	a, err := NewULID(t0)
	if err != nil {
		t.Fatalf("NewULID: %v", err)
	}
	b, err := NewULID(t0.Add(time.Second))
	if err != nil {
		t.Fatalf("NewULID: %v", err)
	}

	if len(a) != 26 || !Valid(a) {
		t.Fatalf("invalid ulid %q", a)
	}
	if !(a < b) {
		t.Fatalf("expected %q < %q", a, b)
	}
}

func TestValid_Rejects(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"", "short", "01ARZ3NDEKTSV4RRFFQ69G5FA!", "ZZZZZZZZZZZZZZZZZZZZZZZZZZ"} {
		if Valid(in) {
			t.Fatalf("Valid(%q)=true want false", in)
		}
	}
}
