package crawl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// RateInfo carries server-reported quota metadata from one response.
type RateInfo struct {
	Remaining  float64       // requests left in the window; -1 when unreported
	ResetAt    time.Time     // when the window resets; zero when unreported
	RetryAfter time.Duration // server-requested hold; zero when unreported
}

// UnknownRateInfo is the RateInfo for responses without rate headers.
var UnknownRateInfo = RateInfo{Remaining: -1}

// StatusError is returned by a Transport for non-2xx responses.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http status %d", e.Code)
}

// Transport performs a single request attempt against the upstream source.
// Implementations decode the response body into out and surface non-2xx
// responses as *StatusError. Transport errors and malformed bodies come back
// as ordinary errors.
type Transport interface {
	Get(ctx context.Context, ref string, profile int, out any) (RateInfo, error)
	// Profiles returns how many request-identity profiles are available.
	Profiles() int
}

// Kind classifies the terminal failure of a fetch.
type Kind int

const (
	// KindExhausted means transient failures used up the attempt budget.
	KindExhausted Kind = iota
	// KindRateLimited means rate-limit retries used up the attempt budget.
	KindRateLimited
	// KindAccessDenied means the source refused the request; never retried.
	KindAccessDenied
	// KindFatal means a non-retryable response other than access denial.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindExhausted:
		return "exhausted"
	case KindRateLimited:
		return "rate limit exhausted"
	case KindAccessDenied:
		return "access denied"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// FetchError is the terminal error of a Fetch call.
type FetchError struct {
	Ref  string
	Kind Kind
	Err  error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %s: %v", e.Ref, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// IsAccessDenied reports whether err is a permission-denied fetch failure.
func IsAccessDenied(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Kind == KindAccessDenied
}

// FetcherOpts configures the per-request retry state machine.
type FetcherOpts struct {
	// AttemptBudget bounds attempts per fetch, rate-limited ones included.
	AttemptBudget int
	// RetryBaseWait is the first transient-failure delay; doubles per attempt.
	RetryBaseWait time.Duration
	Logger        *slog.Logger
}

// DefaultFetcherOpts mirrors the retry posture the upstream tolerates.
var DefaultFetcherOpts = FetcherOpts{
	AttemptBudget: 3,
	RetryBaseWait: 5 * time.Second,
}

// Fetcher drives one fetch through an explicit attempt state machine:
//
//	ATTEMPT -> SUCCESS                    2xx and parseable
//	ATTEMPT -> RETRYABLE(wait) -> ATTEMPT timeout / 5xx / malformed body
//	ATTEMPT -> rotate profile -> ATTEMPT  first 429 only, no wait
//	ATTEMPT -> governor hold   -> ATTEMPT later 429s
//	ATTEMPT -> FATAL                      403, other 4xx, budget exhausted
//
// Every attempt passes through the shared Governor, so spacing and in-flight
// bounds hold across all concurrent fetchers.
type Fetcher struct {
	transport Transport
	gov       *Governor
	budget    int
	baseWait  time.Duration
	log       *slog.Logger

	mu      sync.Mutex
	profile int

	sleep func(context.Context, time.Duration) error // for testing
}

// NewFetcher creates a Fetcher sharing the given governor.
func NewFetcher(t Transport, gov *Governor, opts FetcherOpts) *Fetcher {
	if opts.AttemptBudget <= 0 {
		opts.AttemptBudget = DefaultFetcherOpts.AttemptBudget
	}
	if opts.RetryBaseWait <= 0 {
		opts.RetryBaseWait = DefaultFetcherOpts.RetryBaseWait
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Fetcher{
		transport: t,
		gov:       gov,
		budget:    opts.AttemptBudget,
		baseWait:  opts.RetryBaseWait,
		log:       opts.Logger,
		sleep:     sleepCtx,
	}
}

// Fetch retrieves ref and decodes it into out, retrying per the state
// machine above. On terminal failure the returned error is a *FetchError.
func (f *Fetcher) Fetch(ctx context.Context, ref string, out any) error {
	rotated := false
	var lastErr error

	for attempt := 0; attempt < f.budget; attempt++ {
		if err := f.gov.Acquire(ctx); err != nil {
			return err
		}
		info, err := f.transport.Get(ctx, ref, f.currentProfile(), out)
		if err == nil {
			f.gov.Release()
			f.gov.ReportSuccess(info)
			return nil
		}
		lastErr = err

		var st *StatusError
		isStatus := errors.As(err, &st)

		switch {
		case isStatus && st.Code == http.StatusForbidden:
			f.gov.Release()
			return &FetchError{Ref: ref, Kind: KindAccessDenied, Err: err}

		case isStatus && st.Code == http.StatusTooManyRequests:
			// One free shot with a different request identity before any
			// waiting; keeps the in-flight slot since it replaces this
			// attempt's request.
			if !rotated && f.transport.Profiles() > 1 {
				rotated = true
				f.rotateProfile()
				f.log.Info("rate limited, retrying with alternate request profile", "ref", ref)
				retryInfo, retryErr := f.transport.Get(ctx, ref, f.currentProfile(), out)
				if retryErr == nil {
					f.gov.Release()
					f.gov.ReportSuccess(retryInfo)
					return nil
				}
				lastErr = retryErr
				if errors.As(retryErr, &st) && st.Code == http.StatusTooManyRequests {
					info = retryInfo
				}
			}
			f.gov.Release()
			hold := f.gov.ReportRateLimited(info)
			f.log.Warn("rate limited, backing off",
				"ref", ref, "hold", hold, "attempt", attempt+1, "budget", f.budget)
			if attempt == f.budget-1 {
				return &FetchError{Ref: ref, Kind: KindRateLimited, Err: lastErr}
			}
			// Next Acquire blocks until the governor's hold expires.

		case !isStatus || st.Code >= 500:
			// Timeouts, transport errors, malformed bodies, server errors.
			f.gov.Release()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if attempt == f.budget-1 {
				return &FetchError{Ref: ref, Kind: KindExhausted, Err: lastErr}
			}
			delay := f.baseWait << attempt
			f.log.Warn("transient fetch failure, retrying",
				"ref", ref, "error", err, "delay", delay, "attempt", attempt+1, "budget", f.budget)
			if err := f.sleep(ctx, delay); err != nil {
				return err
			}

		default:
			f.gov.Release()
			return &FetchError{Ref: ref, Kind: KindFatal, Err: err}
		}
	}
	return &FetchError{Ref: ref, Kind: KindExhausted, Err: lastErr}
}

func (f *Fetcher) currentProfile() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.profile
}

// rotateProfile switches to the next request-identity profile and keeps it
// for subsequent fetches, matching how a browser session would persist.
func (f *Fetcher) rotateProfile() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profile = (f.profile + 1) % f.transport.Profiles()
}
