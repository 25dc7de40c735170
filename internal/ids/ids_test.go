package ids

import (
	"strings"
	"testing"
)

func TestNewKindIsSortableAndPrefixed(t *testing.T) {
	a := NewKind(Donation)
	b := NewKind(Donation)
	if !strings.HasPrefix(a, "don_") {
		t.Fatalf("missing prefix: %s", a)
	}
	if a >= b {
		t.Fatalf("ids not monotonic: %s >= %s", a, b)
	}
	if KindOf(a) != Donation {
		t.Fatalf("KindOf(%s)=%q", a, KindOf(a))
	}
	if KindOf(New()) != "" {
		t.Fatal("bare id should have no kind")
	}
}
