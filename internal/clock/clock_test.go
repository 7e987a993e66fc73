package clock

import (
	"context"
	"testing"
	"time"
)

func TestFakeAdvanceFiresDueTimers(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewFake(start)
	early := c.After(time.Second)
	late := c.After(time.Minute)

	c.Advance(2 * time.Second)
	select {
	case got := <-early:
		if !got.Equal(start.Add(2 * time.Second)) {
			t.Fatalf("fired at %s", got)
		}
	default:
		t.Fatalf("expected early timer to fire")
	}
	select {
	case <-late:
		t.Fatalf("late timer fired too soon")
	default:
	}
	if c.Pending() != 1 {
		t.Fatalf("pending=%d", c.Pending())
	}
}

func TestFakeSleepHonorsContext(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Sleep(ctx, time.Hour) }()

	if err := c.BlockUntil(context.Background(), 1); err != nil {
		t.Fatalf("block: %v", err)
	}
	cancel()
	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("expected context error")
		}
	case <-time.After(time.Second):
		t.Fatalf("sleep did not return after cancel")
	}
}
