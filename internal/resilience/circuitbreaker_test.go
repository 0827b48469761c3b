package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var errBackend = errors.New("backend unavailable")

// fakeClock is a settable clock for breaker tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(cfg CircuitBreakerConfig) (*CircuitBreaker, *fakeClock) {
	clk := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	cb := NewCircuitBreaker(cfg)
	cb.now = clk.Now
	return cb, clk
}

func fail() error    { return errBackend }
func succeed() error { return nil }

func TestNewCircuitBreaker_Defaults(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "llm-main"})
	if cb.maxFailures != 5 {
		t.Errorf("maxFailures = %d, want 5", cb.maxFailures)
	}
	if cb.resetTimeout != 30*time.Second {
		t.Errorf("resetTimeout = %v, want 30s", cb.resetTimeout)
	}
	if cb.halfOpenMax != 3 {
		t.Errorf("halfOpenMax = %d, want 3", cb.halfOpenMax)
	}
	if cb.State() != StateClosed {
		t.Errorf("initial state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_Transitions(t *testing.T) {
	tests := []struct {
		name  string
		steps []func() error
		// advance is applied after the steps, before checking state.
		advance time.Duration
		want    State
	}{
		{name: "successes stay closed", steps: []func() error{succeed, succeed}, want: StateClosed},
		{name: "below threshold", steps: []func() error{fail, fail}, want: StateClosed},
		{name: "threshold opens", steps: []func() error{fail, fail, fail}, want: StateOpen},
		{name: "success resets count", steps: []func() error{fail, fail, succeed, fail, fail}, want: StateClosed},
		{name: "open reports half-open after timeout", steps: []func() error{fail, fail, fail}, advance: time.Minute, want: StateHalfOpen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb, clk := newTestBreaker(CircuitBreakerConfig{Name: "stt-main", MaxFailures: 3, ResetTimeout: time.Minute})
			for _, step := range tt.steps {
				_ = cb.Execute(step, nil)
			}
			clk.Advance(tt.advance)
			if got := cb.State(); got != tt.want {
				t.Errorf("State() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCircuitBreaker_OpenRejects(t *testing.T) {
	cb, _ := newTestBreaker(CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour})
	_ = cb.Execute(fail, nil)

	called := false
	err := cb.Execute(func() error { called = true; return nil }, nil)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if called {
		t.Error("fn called while open")
	}
}

func TestCircuitBreaker_HalfOpenTrialCalls(t *testing.T) {
	t.Run("successes close", func(t *testing.T) {
		cb, clk := newTestBreaker(CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Second, HalfOpenMax: 2})
		_ = cb.Execute(fail, nil)
		clk.Advance(time.Second)

		for i := range 2 {
			if err := cb.Execute(succeed, nil); err != nil {
				t.Fatalf("trial call %d: %v", i, err)
			}
		}
		if cb.State() != StateClosed {
			t.Errorf("state = %v, want closed", cb.State())
		}
	})

	t.Run("failure re-opens", func(t *testing.T) {
		cb, clk := newTestBreaker(CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Second, HalfOpenMax: 2})
		_ = cb.Execute(fail, nil)
		clk.Advance(time.Second)

		_ = cb.Execute(succeed, nil)
		_ = cb.Execute(fail, nil)
		if cb.State() != StateOpen {
			t.Errorf("state = %v, want open", cb.State())
		}
	})
}

func TestCircuitBreaker_IgnoredErrorsDoNotCount(t *testing.T) {
	cb, _ := newTestBreaker(CircuitBreakerConfig{MaxFailures: 2})
	ignore := func(err error) bool { return errors.Is(err, context.Canceled) }

	for range 5 {
		err := cb.Execute(func() error { return context.Canceled }, ignore)
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	}
	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	var got []string
	cb, clk := newTestBreaker(CircuitBreakerConfig{
		Name:         "llm-main",
		MaxFailures:  1,
		ResetTimeout: time.Second,
		HalfOpenMax:  1,
		OnStateChange: func(name string, from, to State) {
			got = append(got, name+":"+from.String()+">"+to.String())
		},
	})

	_ = cb.Execute(fail, nil)
	clk.Advance(time.Second)
	_ = cb.Execute(succeed, nil)

	want := []string{"llm-main:closed>open", "llm-main:open>half-open", "llm-main:half-open>closed"}
	if len(got) != len(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transition %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb, _ := newTestBreaker(CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour})
	_ = cb.Execute(fail, nil)
	cb.Reset()
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed", cb.State())
	}
	if err := cb.Execute(succeed, nil); err != nil {
		t.Errorf("Execute after Reset: %v", err)
	}
}

func TestCircuitBreaker_Concurrent(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 1000})
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				_ = cb.Execute(fail, nil)
			} else {
				_ = cb.Execute(succeed, nil)
			}
			_ = cb.State()
		}()
	}
	wg.Wait()
}

func TestState_String(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}
