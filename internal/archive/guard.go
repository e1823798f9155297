package archive

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// Guard wraps a [Gateway] and tracks whether storage is currently failing.
// Errors still reach the caller so the [Flusher] can retry; Guard only
// remembers the outcome of the most recent call for health reporting.
//
// All methods are safe for concurrent use.
type Guard struct {
	gw       Gateway
	degraded atomic.Bool
}

var _ Gateway = (*Guard)(nil)

// NewGuard creates a new [Guard] wrapping gw.
func NewGuard(gw Gateway) *Guard {
	return &Guard{gw: gw}
}

// Save stores rec. A failure marks the store degraded; a success clears it.
func (g *Guard) Save(ctx context.Context, rec Record) error {
	err := g.gw.Save(ctx, rec)
	g.observe("save", err)
	return err
}

// Ping checks the store and updates the degraded flag.
func (g *Guard) Ping(ctx context.Context) error {
	err := g.gw.Ping(ctx)
	g.observe("ping", err)
	return err
}

// Close closes the wrapped store.
func (g *Guard) Close() error {
	return g.gw.Close()
}

// IsDegraded reports whether the most recent call on the store failed.
func (g *Guard) IsDegraded() bool {
	return g.degraded.Load()
}

func (g *Guard) observe(op string, err error) {
	if err == nil {
		if g.degraded.Swap(false) {
			slog.Info("archive store recovered", "op", op)
		}
		return
	}
	if !g.degraded.Swap(true) {
		slog.Warn("archive store degraded", "op", op, "err", err)
	}
}
