package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
)

func TestFetchPolicy(t *testing.T) {
	p := Fetch()

	if p.MaxRetries != 2 {
		t.Errorf("Expected MaxRetries=2, got %d", p.MaxRetries)
	}
	if p.BaseDelay != 250*time.Millisecond {
		t.Errorf("Expected BaseDelay=250ms, got %v", p.BaseDelay)
	}
	if p.MaxDelay != 2*time.Second {
		t.Errorf("Expected MaxDelay=2s, got %v", p.MaxDelay)
	}
	if !p.Jitter {
		t.Error("Expected Jitter=true")
	}
}

func TestExponentialDelay(t *testing.T) {
	initial := 1000 * time.Millisecond
	maxDelay := 30000 * time.Millisecond

	expected := []time.Duration{
		1000 * time.Millisecond,
		2000 * time.Millisecond,
		4000 * time.Millisecond,
		8000 * time.Millisecond,
		16000 * time.Millisecond,
		30000 * time.Millisecond,
		30000 * time.Millisecond,
	}

	for i, want := range expected {
		attempt := i + 1
		if got := ExponentialDelay(initial, maxDelay, attempt); got != want {
			t.Errorf("attempt %d: expected %v, got %v", attempt, want, got)
		}
	}

	if got := ExponentialDelay(initial, maxDelay, 0); got != initial {
		t.Errorf("attempt 0 should clamp to the initial delay, got %v", got)
	}
}

func TestDelayJitter(t *testing.T) {
	p := Policy{BaseDelay: time.Second, MaxDelay: 10 * time.Second, Multiplier: 2.0, Jitter: true}

	for i := 0; i < 20; i++ {
		d := p.Delay(1)
		if d < 1800*time.Millisecond || d > 2200*time.Millisecond {
			t.Fatalf("delay %v outside 2s +/-10%%", d)
		}
	}
}

func quick(maxRetries int) Policy {
	return Policy{MaxRetries: maxRetries, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2.0}
}

func TestDoFirstAttempt(t *testing.T) {
	result := Do(context.Background(), quick(2), func() (string, error) {
		return "", nil
	}, zerolog.Nop())

	if !result.Success() {
		t.Error("Expected success")
	}
	if result.Attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", result.Attempts)
	}
	if len(result.Reasons) != 0 {
		t.Errorf("Expected no reasons, got %v", result.Reasons)
	}
}

func TestDoEventualSuccess(t *testing.T) {
	attempts := 0
	result := Do(context.Background(), quick(3), func() (string, error) {
		attempts++
		if attempts < 3 {
			return "status_503", errors.New("service unavailable")
		}
		return "", nil
	}, zerolog.Nop())

	if !result.Success() {
		t.Errorf("Expected success, got %v", result.LastError)
	}
	if result.Attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", result.Attempts)
	}
	if len(result.Reasons) != 2 || result.Reasons[0] != "status_503" {
		t.Errorf("Expected two status_503 reasons, got %v", result.Reasons)
	}
}

func TestDoGivesUp(t *testing.T) {
	failure := errors.New("connection reset by peer")
	result := Do(context.Background(), quick(2), func() (string, error) {
		return "network", failure
	}, zerolog.Nop())

	if result.Success() {
		t.Error("Expected failure")
	}
	if result.Attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", result.Attempts)
	}
	if result.LastError != failure {
		t.Errorf("Expected %v, got %v", failure, result.LastError)
	}
}

func TestDoPermanent(t *testing.T) {
	notFound := errors.New("GET /comments: status 404")
	calls := 0
	result := Do(context.Background(), quick(5), func() (string, error) {
		calls++
		return "status_404", Permanent(notFound)
	}, zerolog.Nop())

	if calls != 1 {
		t.Errorf("Expected 1 call, got %d", calls)
	}
	if result.LastError != notFound {
		t.Errorf("Expected the unwrapped error, got %v", result.LastError)
	}
	if Permanent(nil) != nil {
		t.Error("Expected Permanent(nil) to be nil")
	}
}

func TestDoCancelledWhileWaiting(t *testing.T) {
	mock := clock.NewMock()
	p := Policy{MaxRetries: 5, BaseDelay: time.Minute, MaxDelay: time.Hour, Multiplier: 2.0, Clock: mock}

	ctx, cancel := context.WithCancel(context.Background())
	called := make(chan struct{}, 1)
	done := make(chan Result)
	go func() {
		done <- Do(ctx, p, func() (string, error) {
			called <- struct{}{}
			return "network", errors.New("timeout")
		}, zerolog.Nop())
	}()

	<-called
	cancel()

	select {
	case result := <-done:
		if result.LastError != context.Canceled {
			t.Errorf("Expected context.Canceled, got %v", result.LastError)
		}
		if result.Attempts != 1 {
			t.Errorf("Expected 1 attempt, got %d", result.Attempts)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not return after cancellation")
	}
}

type tempErr struct{ temporary bool }

func (e tempErr) Error() string   { return "status error" }
func (e tempErr) Temporary() bool { return e.temporary }

func TestRetryable(t *testing.T) {
	retryable := []error{
		errors.New("dial tcp: connection refused"),
		fmt.Errorf("list: %w", syscall.ECONNRESET),
		&net.DNSError{Err: "i/o timeout", IsTimeout: true},
		fmt.Errorf("get: %w", tempErr{temporary: true}),
		context.DeadlineExceeded,
	}
	for _, err := range retryable {
		if !Retryable(err) {
			t.Errorf("Expected %v to be retryable", err)
		}
	}

	notRetryable := []error{
		errors.New("permission denied"),
		fmt.Errorf("get: %w", tempErr{temporary: false}),
		context.Canceled,
		nil,
	}
	for _, err := range notRetryable {
		if Retryable(err) {
			t.Errorf("Expected %v to NOT be retryable", err)
		}
	}
}
