package retry

import (
	"context"
	"errors"
	"io"
	"math"
	"math/rand"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
)

// Policy configures exponential backoff between attempts.
type Policy struct {
	MaxRetries int           // attempts after the first one
	BaseDelay  time.Duration // delay before the first retry
	MaxDelay   time.Duration // cap on any single delay
	Multiplier float64
	Jitter     bool        // +/-10% so many clients don't retry in lockstep
	Clock      clock.Clock // nil means the wall clock
}

// Result describes how an operation ended.
type Result struct {
	Attempts  int
	LastError error
	Reasons   []string // one entry per failed attempt
}

// Success reports whether the last attempt succeeded.
func (r Result) Success() bool { return r.LastError == nil }

// Fetch is the policy for idempotent thread reads (comment list, stats).
// Short delays: a stale thread is corrected by the next reality check anyway.
func Fetch() Policy {
	return Policy{
		MaxRetries: 2,
		BaseDelay:  250 * time.Millisecond,
		MaxDelay:   2 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
	}
}

// Reconnect is the real-time channel's schedule. No jitter, so the delays are exact.
func Reconnect(initial, maxDelay time.Duration) Policy {
	return Policy{
		BaseDelay:  initial,
		MaxDelay:   maxDelay,
		Multiplier: 2.0,
	}
}

// ExponentialDelay returns the reconnect delay for the given 1-based attempt:
// min(maxDelay, initial * 2^(attempt-1)).
func ExponentialDelay(initial, maxDelay time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return Reconnect(initial, maxDelay).Delay(attempt - 1)
}

// Delay returns the wait after the given 0-based failed attempt.
func (p Policy) Delay(attempt int) time.Duration {
	delay := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	if p.Jitter {
		spread := delay * 0.1
		delay += (rand.Float64() - 0.5) * 2 * spread
		if delay < 0 {
			delay = float64(p.BaseDelay)
		}
	}
	return time.Duration(delay)
}

// Do runs op until it succeeds, returns a Permanent error, the retries run
// out or ctx is done. op returns a short reason for each failure, used in logs.
func Do(ctx context.Context, p Policy, op func() (string, error), logger zerolog.Logger) Result {
	clk := p.Clock
	if clk == nil {
		clk = clock.New()
	}

	var result Result
	for attempt := 0; ; attempt++ {
		result.Attempts = attempt + 1

		reason, err := op()
		if err == nil {
			if attempt > 0 {
				logger.Debug().Int("retries", attempt).Msg("request succeeded after retries")
			}
			result.LastError = nil
			return result
		}
		result.LastError = err
		result.Reasons = append(result.Reasons, reason)

		var perm *permanentError
		if errors.As(err, &perm) {
			result.LastError = perm.err
			return result
		}
		if attempt >= p.MaxRetries {
			logger.Warn().Err(err).Int("attempts", result.Attempts).Strs("reasons", result.Reasons).Msg("giving up")
			return result
		}
		if ctx.Err() != nil {
			result.LastError = ctx.Err()
			return result
		}

		delay := p.Delay(attempt)
		logger.Debug().Str("reason", reason).Int("attempt", attempt+1).Dur("delay", delay).Msg("backing off")

		timer := clk.Timer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			result.LastError = ctx.Err()
			return result
		case <-timer.C:
		}
	}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err so Do gives up on it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Retryable reports whether err looks like a transient network failure.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}

	var temp interface{ Temporary() bool }
	isTemp := errors.As(err, &temp)
	if isTemp && temp.Temporary() {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	if isTemp {
		return false
	}

	// wrapped errors from proxies and older transports only carry text
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"connection refused", "connection reset", "timeout", "no such host", "unexpected eof", "service unavailable"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
