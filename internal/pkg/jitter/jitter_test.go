package jitter

import (
	"context"
	"testing"
	"time"
)

func TestBetween_WithinBounds(t *testing.T) {
	min := 10 * time.Millisecond
	max := 50 * time.Millisecond

	for i := 0; i < 100; i++ {
		d := Between(min, max)
		if d < min || d > max {
			t.Fatalf("Between(%v, %v) = %v, out of bounds", min, max, d)
		}
	}
}

func TestBetween_DegenerateRanges(t *testing.T) {
	if d := Between(20*time.Millisecond, 20*time.Millisecond); d != 20*time.Millisecond {
		t.Fatalf("equal bounds: got %v", d)
	}
	if d := Between(30*time.Millisecond, 10*time.Millisecond); d != 30*time.Millisecond {
		t.Fatalf("inverted bounds should return min, got %v", d)
	}
	if d := Between(-time.Second, 5*time.Millisecond); d < 0 {
		t.Fatalf("negative min should clamp to zero, got %v", d)
	}
}

func TestSleep_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := Sleep(ctx, time.Second, 2*time.Second)
	if err == nil {
		t.Fatal("expected context error")
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("cancelled sleep took too long: %v", elapsed)
	}
}

func TestSleep_Completes(t *testing.T) {
	start := time.Now()
	if err := Sleep(context.Background(), 5*time.Millisecond, 15*time.Millisecond); err != nil {
		t.Fatalf("sleep: %v", err)
	}
	if time.Since(start) < 5*time.Millisecond {
		t.Fatal("sleep returned too early")
	}
}
