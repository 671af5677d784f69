package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/QuestFinder/quest-crawler/pkg/fn"
)

func testBreaker(opts BreakerOpts) (*Breaker, *time.Time) {
	b := NewBreaker(opts)
	now := time.Unix(1700000000, 0)
	b.now = func() time.Time { return now }
	return b, &now
}

func TestBreakerTripsAfterThreshold(t *testing.T) {
	b, _ := testBreaker(BreakerOpts{FailThreshold: 3, Timeout: time.Minute})
	boom := errors.New("boom")
	fail := func(context.Context) error { return boom }

	for i := 0; i < 3; i++ {
		if err := b.Call(context.Background(), fail); !errors.Is(err, boom) {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}
	if err := b.Call(context.Background(), fail); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("open breaker returned %v, want ErrCircuitOpen", err)
	}
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	b, now := testBreaker(BreakerOpts{FailThreshold: 1, Timeout: time.Minute, HalfOpenMax: 1})
	_ = b.Call(context.Background(), func(context.Context) error { return errors.New("x") })
	if b.State() != StateOpen {
		t.Fatal("breaker should be open")
	}

	*now = now.Add(2 * time.Minute)
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %v, want half-open after timeout", b.State())
	}

	if err := b.Call(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Fatalf("probe call: %v", err)
	}
	if b.State() != StateClosed {
		t.Errorf("state = %v, want closed after successful probe", b.State())
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b, now := testBreaker(BreakerOpts{FailThreshold: 1, Timeout: time.Minute})
	_ = b.Call(context.Background(), func(context.Context) error { return errors.New("x") })
	*now = now.Add(2 * time.Minute)

	_ = b.Call(context.Background(), func(context.Context) error { return errors.New("still down") })
	if b.State() != StateOpen {
		t.Errorf("state = %v, want open after failed probe", b.State())
	}
}

func TestBreakerSuccessResetsCount(t *testing.T) {
	b, _ := testBreaker(BreakerOpts{FailThreshold: 2, Timeout: time.Minute})
	fail := func(context.Context) error { return errors.New("x") }
	ok := func(context.Context) error { return nil }

	_ = b.Call(context.Background(), fail)
	_ = b.Call(context.Background(), ok)
	_ = b.Call(context.Background(), fail)
	if b.State() != StateClosed {
		t.Errorf("state = %v, want closed (failures were not consecutive)", b.State())
	}
}

func TestCallResult(t *testing.T) {
	b, _ := testBreaker(BreakerOpts{FailThreshold: 1, Timeout: time.Minute})

	r := CallResult(b, context.Background(), func(context.Context) fn.Result[int] {
		return fn.Ok(9)
	})
	if v, err := r.Unwrap(); err != nil || v != 9 {
		t.Fatalf("CallResult = %d, %v", v, err)
	}

	_ = CallResult(b, context.Background(), func(context.Context) fn.Result[int] {
		return fn.Err[int](errors.New("x"))
	})
	r = CallResult(b, context.Background(), func(context.Context) fn.Result[int] {
		return fn.Ok(1)
	})
	if _, err := r.Unwrap(); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("err = %v, want ErrCircuitOpen", err)
	}
}
