package exchange

import (
	"context"
	"testing"
	"time"
)

func TestRateLimiterBurst(t *testing.T) {
	t.Parallel()
	rl := NewRateLimiter()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	start := time.Now()
	for i := 0; i < 10; i++ {
		if err := rl.Data.Wait(ctx); err != nil {
			t.Fatalf("Wait %d: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("burst of 10 took %v, want near-instant", elapsed)
	}
}

func TestRateLimiterCancelled(t *testing.T) {
	t.Parallel()
	rl := NewRateLimiter()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Drain the burst so the next Wait must block, then observe the cancel.
	for i := 0; i < 10; i++ {
		rl.Book.Wait(context.Background())
	}
	if err := rl.Book.Wait(ctx); err == nil {
		t.Error("Wait should fail with a cancelled context")
	}
}

func TestRateLimiterCategoriesIndependent(t *testing.T) {
	t.Parallel()
	rl := NewRateLimiter()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	// Exhausting one category must not consume the other's tokens.
	for i := 0; i < 10; i++ {
		if err := rl.Data.Wait(ctx); err != nil {
			t.Fatalf("Data.Wait %d: %v", i, err)
		}
	}

	start := time.Now()
	if err := rl.Book.Wait(ctx); err != nil {
		t.Fatalf("Book.Wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Errorf("Book.Wait took %v after draining Data, want near-instant", elapsed)
	}
}
