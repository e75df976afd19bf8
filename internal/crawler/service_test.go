package crawler

import (
	"testing"
)

func TestTouchEmulationProfile(t *testing.T) {
	req := touchEmulation()
	if !req.Enabled {
		t.Error("touch emulation should be enabled")
	}
	if req.MaxTouchPoints == nil {
		t.Fatal("MaxTouchPoints must be set explicitly")
	}
	if *req.MaxTouchPoints != 5 {
		t.Errorf("MaxTouchPoints = %d, want 5", *req.MaxTouchPoints)
	}
}
