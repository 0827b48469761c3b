package health

import (
	"context"
	"fmt"
)

// pinger is satisfied by memory backends that can probe their connection.
type pinger interface {
	Ping(ctx context.Context) error
}

// checkable is satisfied by background loaders that report their state.
type checkable interface {
	Check(ctx context.Context) error
}

// PingChecker returns a [Checker] that pings p. When p is nil the check
// always passes, so a process without that dependency stays ready.
func PingChecker(name string, p pinger) Checker {
	return Checker{Name: name, Check: func(ctx context.Context) error {
		if p == nil {
			return nil
		}
		if err := p.Ping(ctx); err != nil {
			return fmt.Errorf("ping: %w", err)
		}
		return nil
	}}
}

// LoaderChecker returns a [Checker] that reports l's load state. It fails
// while the resource is still loading or after it failed to load.
func LoaderChecker(name string, l checkable) Checker {
	return Checker{Name: name, Check: l.Check}
}
