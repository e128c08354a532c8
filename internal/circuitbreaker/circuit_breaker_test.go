package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func newTestBreaker(maxFailures int, timeout time.Duration) *CircuitBreaker {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel) // Reduce noise in tests

	return New(Config{
		Name:        "test",
		MaxFailures: maxFailures,
		Timeout:     timeout,
		MaxRequests: 1,
	}, logger)
}

func fail(context.Context) error    { return errors.New("simulated failure") }
func succeed(context.Context) error { return nil }

func TestStateTransitions(t *testing.T) {
	ctx := context.Background()
	cb := newTestBreaker(3, 50*time.Millisecond)

	for i := 0; i < 3; i++ {
		if err := cb.Execute(ctx, fail); err == nil {
			t.Fatal("Expected failure")
		}
	}
	if cb.State() != StateOpen {
		t.Fatalf("Expected StateOpen, got %s", cb.State())
	}

	called := false
	err := cb.Execute(ctx, func(context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrCircuitBreakerOpen) {
		t.Errorf("Expected ErrCircuitBreakerOpen, got %v", err)
	}
	if called {
		t.Error("Open breaker must not call the function")
	}

	time.Sleep(60 * time.Millisecond)

	if err := cb.Execute(ctx, succeed); err != nil {
		t.Errorf("Expected trial request to succeed, got %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("Expected StateClosed after successful trial request, got %s", cb.State())
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	ctx := context.Background()
	cb := newTestBreaker(1, 20*time.Millisecond)

	cb.Execute(ctx, fail)
	time.Sleep(30 * time.Millisecond)

	cb.Execute(ctx, fail)
	if cb.State() != StateOpen {
		t.Errorf("Expected StateOpen after failed trial request, got %s", cb.State())
	}
}

func TestHalfOpenLimitsTrialRequests(t *testing.T) {
	ctx := context.Background()
	cb := newTestBreaker(1, 20*time.Millisecond)

	cb.Execute(ctx, fail)
	time.Sleep(30 * time.Millisecond)

	release := make(chan struct{})
	started := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		cb.Execute(ctx, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()

	<-started
	if err := cb.Execute(ctx, succeed); !errors.Is(err, ErrCircuitBreakerOpen) {
		t.Errorf("Expected second trial request to be rejected, got %v", err)
	}
	close(release)
	wg.Wait()

	if cb.State() != StateClosed {
		t.Errorf("Expected StateClosed, got %s", cb.State())
	}
}

func TestCancelledCallsDoNotTrip(t *testing.T) {
	cb := newTestBreaker(2, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for i := 0; i < 5; i++ {
		cb.Execute(ctx, func(ctx context.Context) error {
			return ctx.Err()
		})
	}

	if cb.State() != StateClosed {
		t.Errorf("Expected StateClosed, got %s", cb.State())
	}
	if m := cb.Metrics(); m.TotalFailures != 0 {
		t.Errorf("Expected no failures recorded, got %d", m.TotalFailures)
	}
}

func TestConfigDefaults(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	cb := New(Config{}, logger)

	if cb.name != "unnamed" {
		t.Errorf("Expected name 'unnamed', got %q", cb.name)
	}
	if cb.maxFailures != 5 {
		t.Errorf("Expected default MaxFailures 5, got %d", cb.maxFailures)
	}
	if cb.timeout != 30*time.Second {
		t.Errorf("Expected default Timeout 30s, got %s", cb.timeout)
	}
	if cb.maxRequests != 1 {
		t.Errorf("Expected default MaxRequests 1, got %d", cb.maxRequests)
	}
}

func TestMetricsAndReset(t *testing.T) {
	ctx := context.Background()
	cb := newTestBreaker(2, time.Minute)

	cb.Execute(ctx, succeed)
	cb.Execute(ctx, fail)
	cb.Execute(ctx, fail)
	cb.Execute(ctx, succeed) // rejected

	m := cb.Metrics()
	if m.TotalRequests != 3 || m.TotalSuccesses != 1 || m.TotalFailures != 2 {
		t.Errorf("Unexpected counters: %+v", m)
	}
	if m.Rejected != 1 {
		t.Errorf("Expected 1 rejected request, got %d", m.Rejected)
	}
	if m.State != "open" {
		t.Errorf("Expected state open, got %s", m.State)
	}

	cb.Reset()
	if cb.State() != StateClosed {
		t.Errorf("Expected StateClosed after reset, got %s", cb.State())
	}
	if err := cb.Execute(ctx, succeed); err != nil {
		t.Errorf("Expected success after reset, got %v", err)
	}
}

func TestStateChangeCallback(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	changes := make(chan State, 4)
	cb := New(Config{
		Name:        "callback",
		MaxFailures: 1,
		Timeout:     time.Minute,
		OnStateChange: func(name string, from State, to State) {
			changes <- to
		},
	}, logger)

	cb.Execute(context.Background(), fail)

	select {
	case to := <-changes:
		if to != StateOpen {
			t.Errorf("Expected transition to open, got %s", to)
		}
	case <-time.After(time.Second):
		t.Fatal("State change callback was not called")
	}
}
