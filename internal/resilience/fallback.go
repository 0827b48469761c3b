package resilience

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
)

// ErrAllFailed is returned when every member of a [Group] fails or has an
// open circuit breaker.
var ErrAllFailed = errors.New("resilience: all providers failed")

// Config configures the circuit breaker created for each member of a
// [Group]. The breaker's Name is set to the member name.
type Config struct {
	CircuitBreaker CircuitBreakerConfig
}

type member[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// Group holds a primary and zero or more fallback providers of the same kind.
// Calls go to the first member whose breaker is not open; a failure moves on
// to the next one. Cancellation of the caller's context stops the walk and is
// not counted against any breaker.
type Group[T any] struct {
	members []member[T]
	cfg     Config
}

// NewGroup creates a [Group] with primary as the first member.
func NewGroup[T any](primaryName string, primary T, cfg Config) *Group[T] {
	g := &Group[T]{cfg: cfg}
	g.Add(primaryName, primary)
	return g
}

// Add appends a fallback. Fallbacks are tried in the order they are added.
// Add must not be called concurrently with [Do].
func (g *Group[T]) Add(name string, value T) {
	cbCfg := g.cfg.CircuitBreaker
	cbCfg.Name = name
	g.members = append(g.members, member[T]{
		name:    name,
		value:   value,
		breaker: NewCircuitBreaker(cbCfg),
	})
}

// Len returns the number of members.
func (g *Group[T]) Len() int { return len(g.members) }

// Primary returns the first member.
func (g *Group[T]) Primary() T { return g.members[0].value }

// Breaker returns the circuit breaker of the named member, or nil.
func (g *Group[T]) Breaker(name string) *CircuitBreaker {
	for i := range g.members {
		if g.members[i].name == name {
			return g.members[i].breaker
		}
	}
	return nil
}

// Close closes every member that implements [io.Closer] and joins the
// errors.
func (g *Group[T]) Close() error {
	var errs []error
	for _, m := range g.members {
		if c, ok := any(m.value).(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", m.name, err))
			}
		}
	}
	return errors.Join(errs...)
}

// Do calls fn with each member in order until one succeeds. It returns the
// result of the first success, ctx's error when ctx is done, or an error
// wrapping [ErrAllFailed] and the last member error.
func Do[T, R any](ctx context.Context, g *Group[T], fn func(T) (R, error)) (R, error) {
	var (
		zero    R
		lastErr error
	)
	cancelled := func(error) bool { return ctx.Err() != nil }
	for i := range g.members {
		m := &g.members[i]
		var result R
		err := m.breaker.Execute(func() error {
			var innerErr error
			result, innerErr = fn(m.value)
			return innerErr
		}, cancelled)
		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil {
			return zero, err
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping provider, circuit open", "provider", m.name)
			continue
		}
		if i < len(g.members)-1 {
			slog.Warn("provider failed, trying next", "provider", m.name, "err", err)
		}
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
