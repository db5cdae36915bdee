package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/JakeFAU/media-task-service/internal/metrics"
)

func TestMain(m *testing.M) {
	metrics.Init()
	m.Run()
}

func TestLimiterPacesSameHost(t *testing.T) {
	// 10 RPS with burst 1 means one token every 100ms.
	l := New(Config{RPS: 10, Burst: 1})
	ctx := context.Background()

	if err := l.Wait(ctx, "https://example.com/a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	start := time.Now()
	if err := l.Wait(ctx, "https://example.com/b"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("second wait returned after %v; expected pacing", elapsed)
	}
}

func TestLimiterIsolatesHosts(t *testing.T) {
	l := New(Config{RPS: 1, Burst: 1})
	ctx := context.Background()

	if err := l.Wait(ctx, "https://a.example/v"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	start := time.Now()
	if err := l.Wait(ctx, "https://b.example/v"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Errorf("different host waited %v", elapsed)
	}
	if got := l.Hosts(); got != 2 {
		t.Errorf("Hosts() = %d; want 2", got)
	}
}

func TestLimiterHonoursContext(t *testing.T) {
	l := New(Config{RPS: 0.01, Burst: 1})
	if err := l.Wait(context.Background(), "https://slow.example/"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Wait(ctx, "https://slow.example/")
	if err == nil {
		t.Fatal("expected an error once the context expires")
	}
	if errors.Is(err, context.Canceled) {
		t.Errorf("unexpected cancel error: %v", err)
	}
}

func TestLimiterDisabled(t *testing.T) {
	l := New(Config{})
	for i := 0; i < 100; i++ {
		if err := l.Wait(context.Background(), "https://example.com"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if got := l.Hosts(); got != 0 {
		t.Errorf("disabled limiter tracked %d hosts", got)
	}

	var nilLimiter *Limiter
	if err := nilLimiter.Wait(context.Background(), "https://example.com"); err != nil {
		t.Fatalf("nil limiter: %v", err)
	}
}
