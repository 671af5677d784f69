package crawl

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakeClock drives the governor's injected now/sleep so tests advance
// simulated time instead of waiting.
type fakeClock struct {
	mu    sync.Mutex
	t     time.Time
	slept []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1700000000, 0)}
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.slept = append(c.slept, d)
	c.mu.Unlock()
	return nil
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func testGovernor(opts GovernorOpts) (*Governor, *fakeClock) {
	gov := NewGovernor(opts)
	clk := newFakeClock()
	gov.now = clk.now
	gov.sleep = clk.sleep
	return gov, clk
}

func mustAcquire(t *testing.T, gov *Governor) {
	t.Helper()
	if err := gov.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
}

func TestGovernorMinSpacing(t *testing.T) {
	gov, clk := testGovernor(GovernorOpts{MinInterval: 500 * time.Millisecond, MaxInFlight: 2})
	start := clk.now()

	mustAcquire(t, gov)
	gov.Release()
	mustAcquire(t, gov)
	gov.Release()

	if elapsed := clk.now().Sub(start); elapsed < 500*time.Millisecond {
		t.Errorf("second request after %v, want at least 500ms", elapsed)
	}
}

func TestGovernorRetryAfterHold(t *testing.T) {
	gov, clk := testGovernor(GovernorOpts{MinInterval: time.Millisecond, FallbackWait: time.Second})

	hold := gov.ReportRateLimited(RateInfo{Remaining: -1, RetryAfter: 30 * time.Second})
	if hold != 30*time.Second {
		t.Fatalf("hold = %v, want 30s", hold)
	}

	start := clk.now()
	mustAcquire(t, gov)
	gov.Release()
	if elapsed := clk.now().Sub(start); elapsed < 30*time.Second {
		t.Errorf("request admitted after %v, want at least 30s", elapsed)
	}
}

func TestGovernorResetAtHold(t *testing.T) {
	gov, clk := testGovernor(GovernorOpts{MinInterval: time.Millisecond, FallbackWait: time.Second})

	hold := gov.ReportRateLimited(RateInfo{Remaining: -1, ResetAt: clk.now().Add(45 * time.Second)})
	if hold != 45*time.Second {
		t.Errorf("hold = %v, want 45s", hold)
	}
}

func TestGovernorFallbackDoubles(t *testing.T) {
	gov, _ := testGovernor(GovernorOpts{MinInterval: time.Millisecond, FallbackWait: time.Second})

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	for i, w := range want {
		if hold := gov.ReportRateLimited(UnknownRateInfo); hold != w {
			t.Errorf("strike %d hold = %v, want %v", i+1, hold, w)
		}
	}

	gov.ReportSuccess(UnknownRateInfo)
	if hold := gov.ReportRateLimited(UnknownRateInfo); hold != time.Second {
		t.Errorf("hold after success = %v, want 1s (strikes reset)", hold)
	}
}

func TestGovernorStretchOnLowRemaining(t *testing.T) {
	gov, clk := testGovernor(GovernorOpts{
		MinInterval:  500 * time.Millisecond,
		LowWatermark: 20,
		StretchFor:   30 * time.Second,
	})

	mustAcquire(t, gov)
	gov.Release()
	// remaining 10 of a 20 watermark doubles the spacing
	gov.ReportSuccess(RateInfo{Remaining: 10})

	start := clk.now()
	mustAcquire(t, gov)
	gov.Release()
	elapsed := clk.now().Sub(start)
	if elapsed < time.Second {
		t.Errorf("stretched spacing was %v, want at least 1s", elapsed)
	}

	// past the stretch window the spacing returns to normal
	clk.advance(time.Minute)
	start = clk.now()
	mustAcquire(t, gov)
	gov.Release()
	if elapsed := clk.now().Sub(start); elapsed != 0 {
		t.Errorf("spacing after stretch expiry = %v, want 0 (last stamp a minute old)", elapsed)
	}
}

func TestGovernorInFlightBound(t *testing.T) {
	gov, _ := testGovernor(GovernorOpts{MinInterval: time.Nanosecond, MaxInFlight: 1})

	mustAcquire(t, gov)

	done := make(chan error, 1)
	go func() {
		done <- gov.Acquire(context.Background())
	}()
	select {
	case <-done:
		t.Fatal("second Acquire succeeded while slot held")
	case <-time.After(50 * time.Millisecond):
	}

	gov.Release()
	if err := <-done; err != nil {
		t.Fatalf("Acquire after Release: %v", err)
	}
	gov.Release()
}

func TestGovernorAcquireCancelled(t *testing.T) {
	gov, _ := testGovernor(GovernorOpts{MinInterval: time.Millisecond, MaxInFlight: 1})
	mustAcquire(t, gov)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := gov.Acquire(ctx); err != context.Canceled {
		t.Errorf("Acquire on cancelled context = %v, want context.Canceled", err)
	}
	gov.Release()
}

func TestGovernorRequestsInWindow(t *testing.T) {
	gov, clk := testGovernor(GovernorOpts{MinInterval: time.Millisecond, MaxInFlight: 3})

	for i := 0; i < 3; i++ {
		mustAcquire(t, gov)
		gov.Release()
	}
	if got := gov.RequestsInWindow(); got != 3 {
		t.Errorf("RequestsInWindow = %d, want 3", got)
	}

	clk.advance(61 * time.Second)
	if got := gov.RequestsInWindow(); got != 0 {
		t.Errorf("RequestsInWindow after a minute = %d, want 0", got)
	}
}
