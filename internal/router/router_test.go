package router_test

import (
	"testing"

	"github.com/aikv/aikv/internal/router"
)

func TestSlotOfKnownVectors(t *testing.T) {
	cases := map[string]int{
		"foo":                      12182,
		"{user1000}.following":     5474,
		"{user1000}.followers":     5474,
	}
	for key, want := range cases {
		got := router.SlotOf(key)
		if got != want {
			t.Errorf("SlotOf(%q) = %d, want %d", key, got, want)
		}
	}
}

func TestSlotOfEmptyHashtagFallsBackToWholeKey(t *testing.T) {
	// "{}" encloses nothing, so the whole key (including braces) hashes.
	withEmptyTag := router.SlotOf("{}foo")
	whole := router.SlotOf("{}foo")
	if withEmptyTag != whole {
		t.Fatalf("expected deterministic hashing of whole key when hashtag is empty")
	}
}

func TestMultiKeyCheckDetectsCrossSlot(t *testing.T) {
	if _, err := router.MultiKeyCheck([]string{"{user1000}.following", "{user1000}.followers"}); err != nil {
		t.Fatalf("expected co-located keys to pass, got %v", err)
	}
	if _, err := router.MultiKeyCheck([]string{"a", "b"}); err != router.ErrCrossSlot {
		t.Fatalf("expected ErrCrossSlot for unrelated keys, got %v", err)
	}
}

func TestGroupOfStaticMapping(t *testing.T) {
	if g := router.GroupOf(0, 3); g != 1 {
		t.Errorf("GroupOf(0, 3) = %d, want 1", g)
	}
	if g := router.GroupOf(16383, 3); g != 3 {
		t.Errorf("GroupOf(16383, 3) = %d, want 3", g)
	}
}
