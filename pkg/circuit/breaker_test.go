package circuit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	poolErrors "github.com/bardlex/ghostpool/pkg/errors"
)

var errNode = errors.New("node unavailable")

func testConfig(maxFailures, successRequired int, timeout time.Duration) *Config {
	return &Config{
		Name:            "test",
		MaxFailures:     maxFailures,
		SuccessRequired: successRequired,
		Timeout:         timeout,
		ResetTimeout:    time.Minute,
	}
}

func TestNew_NilConfig(t *testing.T) {
	breaker := New(nil)

	if breaker.config == nil {
		t.Fatal("Expected default config when nil is passed")
	}
	if breaker.GetState() != StateClosed {
		t.Error("Expected initial state to be Closed")
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(999), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.state.String(); got != tt.expected {
				t.Errorf("State.String() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestBreaker_OpensAfterMaxFailures(t *testing.T) {
	breaker := New(testConfig(2, 1, 10*time.Second))
	ctx := context.Background()

	callCount := 0
	for range 2 {
		_ = breaker.Execute(ctx, func() error {
			callCount++
			return errNode
		})
	}

	if breaker.GetState() != StateOpen {
		t.Fatalf("Expected Open after 2 failures, got %s", breaker.GetState())
	}

	err := breaker.Execute(ctx, func() error {
		callCount++
		return nil
	})
	if !errors.Is(err, ErrOpen) {
		t.Errorf("Expected ErrOpen, got %v", err)
	}
	if !poolErrors.IsRetryable(err) {
		t.Error("Expected open-circuit rejection to be retryable")
	}
	if callCount != 2 {
		t.Errorf("Expected function not to be called while open, calls = %d", callCount)
	}
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	breaker := New(testConfig(1, 2, 5*time.Millisecond))
	ctx := context.Background()

	_ = breaker.Execute(ctx, func() error { return errNode })
	time.Sleep(10 * time.Millisecond)

	if err := breaker.Execute(ctx, func() error { return nil }); err != nil {
		t.Fatalf("Expected request to pass in half-open, got %v", err)
	}
	if breaker.GetState() != StateHalfOpen {
		t.Fatalf("Expected HalfOpen after first success, got %s", breaker.GetState())
	}

	_ = breaker.Execute(ctx, func() error { return nil })
	if breaker.GetState() != StateClosed {
		t.Errorf("Expected Closed after %d successes, got %s", 2, breaker.GetState())
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	breaker := New(testConfig(1, 2, 5*time.Millisecond))
	ctx := context.Background()

	_ = breaker.Execute(ctx, func() error { return errNode })
	time.Sleep(10 * time.Millisecond)
	_ = breaker.Execute(ctx, func() error { return errNode })

	if breaker.GetState() != StateOpen {
		t.Errorf("Expected Open after half-open failure, got %s", breaker.GetState())
	}
}

func TestBreaker_IsFailureFilter(t *testing.T) {
	notFound := errors.New("block not found")
	config := testConfig(1, 1, time.Minute)
	config.IsFailure = func(err error) bool { return !errors.Is(err, notFound) }
	breaker := New(config)

	for range 3 {
		err := breaker.Execute(context.Background(), func() error { return notFound })
		if !errors.Is(err, notFound) {
			t.Fatalf("Expected notFound to be returned, got %v", err)
		}
	}

	if breaker.GetState() != StateClosed {
		t.Errorf("Expected filtered errors to keep the breaker Closed, got %s", breaker.GetState())
	}
}

func TestBreaker_OnStateChange(t *testing.T) {
	var mu sync.Mutex
	var transitions []string

	config := testConfig(1, 1, time.Minute)
	config.OnStateChange = func(name string, from, to State) {
		mu.Lock()
		defer mu.Unlock()
		transitions = append(transitions, name+":"+from.String()+"->"+to.String())
	}
	breaker := New(config)

	_ = breaker.Execute(context.Background(), func() error { return errNode })
	breaker.Reset()

	want := []string{"test:closed->open", "test:open->closed"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transitions[%d] = %q, want %q", i, transitions[i], want[i])
		}
	}
}

func TestExecuteWithResult(t *testing.T) {
	breaker := New(testConfig(3, 1, time.Minute))

	got, err := ExecuteWithResult(context.Background(), breaker, func() (int64, error) {
		return 625000000, nil
	})
	if err != nil {
		t.Fatalf("ExecuteWithResult() error = %v", err)
	}
	if got != 625000000 {
		t.Errorf("ExecuteWithResult() = %d, want 625000000", got)
	}

	stats := breaker.GetStats()
	if stats.Name != "test" || stats.Successes != 1 || stats.Failures != 0 {
		t.Errorf("GetStats() = %+v, want name test, 1 success, 0 failures", stats)
	}
}
