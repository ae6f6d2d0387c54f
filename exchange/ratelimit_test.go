package exchange

import (
	"context"
	"testing"
	"time"
)

func TestTokenBucketBurst(t *testing.T) {
	// slow refill so the burst is the only budget within the test
	tb := NewTokenBucket(0.001, 3)

	for i := 0; i < 3; i++ {
		if !tb.TryTake() {
			t.Fatalf("take %d should succeed within the burst", i)
		}
	}
	if tb.TryTake() {
		t.Error("an exhausted bucket must refuse a token")
	}
}

func TestTokenBucketRefills(t *testing.T) {
	tb := NewTokenBucket(100, 1)
	if !tb.TryTake() {
		t.Fatal("first take should succeed")
	}
	if tb.TryTake() {
		t.Fatal("bucket should be empty immediately after")
	}
	time.Sleep(30 * time.Millisecond)
	if !tb.TryTake() {
		t.Error("bucket should refill at 100 tokens/s")
	}
}

func TestTokenBucketWait(t *testing.T) {
	tb := NewTokenBucket(50, 1)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := tb.Wait(ctx); err != nil {
			t.Fatal(err)
		}
	}
	// two waits at 20ms per token
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("expected the limiter to pace requests, elapsed %v", elapsed)
	}
}

func TestTokenBucketWaitHonoursContext(t *testing.T) {
	tb := NewTokenBucket(0.001, 1)
	if !tb.TryTake() {
		t.Fatal("seed take should succeed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := tb.Wait(ctx)
	if err == nil {
		t.Fatal("a cancelled wait must return the context error")
	}
	if ctx.Err() == nil {
		t.Error("the context should have expired")
	}
}

func TestTokenBucketDefensiveDefaults(t *testing.T) {
	tb := NewTokenBucket(-1, 0)
	if !tb.TryTake() {
		t.Error("degenerate parameters must still yield a working bucket")
	}
}
