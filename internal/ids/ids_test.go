package ids

import (
	"testing"
	"time"
)

func TestNewIsMonotonicWithinSameMillisecond(t *testing.T) {
	at := time.Now()
	prev := NewAt(at)
	for i := 0; i < 100; i++ {
		next := NewAt(at)
		if next <= prev {
			t.Fatalf("ids not increasing: %s <= %s", next, prev)
		}
		prev = next
	}
}

func TestValid(t *testing.T) {
	if !Valid(New()) {
		t.Fatalf("fresh id should be valid")
	}
	for _, bad := range []string{"", "  ", "not-an-id", "42"} {
		if Valid(bad) {
			t.Fatalf("Valid(%q) = true", bad)
		}
	}
}
