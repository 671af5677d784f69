package crawl

import (
	"context"
	"sync"
	"time"
)

// GovernorOpts configures the shared request-rate gate.
type GovernorOpts struct {
	// MinInterval is the minimum spacing between any two requests.
	MinInterval time.Duration
	// MaxInFlight is the ceiling on concurrently outstanding requests.
	MaxInFlight int
	// FallbackWait is the base backoff used when a rate-limited response
	// carries no usable reset information. Doubles per consecutive strike.
	FallbackWait time.Duration
	// LowWatermark is the server-reported remaining-request level below
	// which the governor proactively stretches MinInterval.
	LowWatermark float64
	// StretchFor is how long a proactive stretch stays in effect.
	StretchFor time.Duration
}

// DefaultGovernorOpts matches the upstream platform's documented limits.
var DefaultGovernorOpts = GovernorOpts{
	MinInterval:  500 * time.Millisecond,
	MaxInFlight:  3,
	FallbackWait: time.Minute,
	LowWatermark: 20,
	StretchFor:   30 * time.Second,
}

// Governor is the shared gate every fetcher must pass before issuing a
// request. It enforces minimum inter-request spacing, bounds the number of
// in-flight requests, and converts server-reported rate-limit metadata into
// an earliest-next-request time that all callers respect.
//
// Acquire never fails except on context cancellation; callers must pair every
// Acquire with a Release once the response arrives, then report the outcome.
type Governor struct {
	opts GovernorOpts
	sem  chan struct{}

	mu           sync.Mutex
	stamps       []time.Time // trailing one-minute window of request times
	notBefore    time.Time   // earliest next request, from server reset info
	stretch      float64     // spacing multiplier while stretched
	stretchUntil time.Time
	strikes      int // consecutive rate-limited outcomes

	now   func() time.Time                          // for testing
	sleep func(context.Context, time.Duration) error // for testing
}

// NewGovernor creates a Governor. Zero fields in opts fall back to
// DefaultGovernorOpts.
func NewGovernor(opts GovernorOpts) *Governor {
	if opts.MinInterval <= 0 {
		opts.MinInterval = DefaultGovernorOpts.MinInterval
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = DefaultGovernorOpts.MaxInFlight
	}
	if opts.FallbackWait <= 0 {
		opts.FallbackWait = DefaultGovernorOpts.FallbackWait
	}
	if opts.LowWatermark <= 0 {
		opts.LowWatermark = DefaultGovernorOpts.LowWatermark
	}
	if opts.StretchFor <= 0 {
		opts.StretchFor = DefaultGovernorOpts.StretchFor
	}
	return &Governor{
		opts:    opts,
		sem:     make(chan struct{}, opts.MaxInFlight),
		stretch: 1,
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

// Acquire blocks until it is safe to issue one request: an in-flight slot is
// free, the minimum spacing since the most recent request has elapsed, and
// any server-imposed reset time has passed.
func (g *Governor) Acquire(ctx context.Context) error {
	select {
	case g.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	for {
		g.mu.Lock()
		now := g.now()
		wait := g.notBefore.Sub(now)
		if len(g.stamps) > 0 {
			if d := g.stamps[len(g.stamps)-1].Add(g.interval(now)).Sub(now); d > wait {
				wait = d
			}
		}
		if wait <= 0 {
			g.stamps = append(g.stamps, now)
			g.prune(now)
			g.mu.Unlock()
			return nil
		}
		g.mu.Unlock()

		if err := g.sleep(ctx, wait); err != nil {
			g.Release()
			return err
		}
	}
}

// Release returns the in-flight slot taken by Acquire. Call exactly once per
// successful Acquire, after the response (or failure) is in hand.
func (g *Governor) Release() {
	<-g.sem
}

// ReportSuccess records a successful response. A low remaining-request count
// stretches the effective spacing for a short window; the stretch is a plain
// scalar on MinInterval, proportional to how far below the watermark the
// server says we are.
func (g *Governor) ReportSuccess(info RateInfo) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.strikes = 0
	if info.Remaining >= 0 && info.Remaining < g.opts.LowWatermark {
		g.stretch = 1 + (g.opts.LowWatermark-info.Remaining)*0.1
		g.stretchUntil = g.now().Add(g.opts.StretchFor)
	}
	if !info.ResetAt.IsZero() && info.Remaining == 0 {
		g.notBefore = info.ResetAt
	}
}

// ReportRateLimited records a rate-limited response and computes how long the
// governor will hold off: the max of the server's Retry-After, its reset
// time, and an exponential fallback that doubles per consecutive strike.
// Every subsequent Acquire blocks until the hold expires. Returns the hold.
func (g *Governor) ReportRateLimited(info RateInfo) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	wait := g.opts.FallbackWait << min(g.strikes, 6)
	if info.RetryAfter > wait {
		wait = info.RetryAfter
	}
	if !info.ResetAt.IsZero() {
		if d := info.ResetAt.Sub(now); d > wait {
			wait = d
		}
	}
	g.strikes++

	if nb := now.Add(wait); nb.After(g.notBefore) {
		g.notBefore = nb
	}
	return wait
}

// RequestsInWindow returns how many requests were issued in the trailing
// one-minute window.
func (g *Governor) RequestsInWindow() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prune(g.now())
	return len(g.stamps)
}

// interval returns the effective spacing, honoring an active stretch.
// Must hold mu.
func (g *Governor) interval(now time.Time) time.Duration {
	if now.Before(g.stretchUntil) {
		return time.Duration(float64(g.opts.MinInterval) * g.stretch)
	}
	return g.opts.MinInterval
}

// prune drops timestamps older than one minute. Must hold mu.
func (g *Governor) prune(now time.Time) {
	cutoff := now.Add(-time.Minute)
	i := 0
	for i < len(g.stamps) && g.stamps[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		g.stamps = append(g.stamps[:0], g.stamps[i:]...)
	}
}

// sleepCtx sleeps for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
