package pmm

import "testing"

func TestFrameIsValid(t *testing.T) {
	if NoFrame.IsValid() {
		t.Fatal("NoFrame must not be valid")
	}
	if !Frame(0x1000).IsValid() {
		t.Fatal("a non-zero frame must be valid")
	}
}

func TestFrameAddress(t *testing.T) {
	if got := Frame(0x2000).Address(); got != 0x2000 {
		t.Fatalf("expected 0x2000; got 0x%x", got)
	}
}
