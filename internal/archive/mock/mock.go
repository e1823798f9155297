// Package mock provides a test double for the archive.Gateway interface.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/vocalink/internal/archive"
)

// Gateway is a mock implementation of archive.Gateway. It keeps one copy per
// (SessionID, Seq) like a real store.
type Gateway struct {
	mu sync.Mutex

	// FailTimes makes the first FailTimes Save calls return SaveErr.
	FailTimes int

	// SaveErr is returned by failing Save calls. Nil with FailTimes > 0 means
	// a generic error.
	SaveErr error

	// PingErr is returned by Ping.
	PingErr error

	// SaveCalls counts every Save call, including failures.
	SaveCalls int

	records []archive.Record
	saved   chan struct{}
	closed  bool
}

// Save records rec unless a failure is scripted.
func (g *Gateway) Save(_ context.Context, rec archive.Record) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.SaveCalls++
	if g.FailTimes > 0 {
		g.FailTimes--
		if g.SaveErr != nil {
			return g.SaveErr
		}
		return errSave
	}
	for _, r := range g.records {
		if r.SessionID == rec.SessionID && r.Seq == rec.Seq {
			return nil
		}
	}
	g.records = append(g.records, rec)
	if g.saved != nil {
		select {
		case g.saved <- struct{}{}:
		default:
		}
	}
	return nil
}

// Ping returns PingErr.
func (g *Gateway) Ping(context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.PingErr
}

// Close marks the gateway closed.
func (g *Gateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	return nil
}

// Records returns the stored records in save order. Thread-safe.
func (g *Gateway) Records() []archive.Record {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]archive.Record, len(g.records))
	copy(out, g.records)
	return out
}

// Saved returns a channel that receives a value after each stored record.
func (g *Gateway) Saved() <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.saved == nil {
		g.saved = make(chan struct{}, 16)
	}
	return g.saved
}

// Closed reports whether Close was called.
func (g *Gateway) Closed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

type mockError string

func (e mockError) Error() string { return string(e) }

const errSave = mockError("mock archive: save failed")

var _ archive.Gateway = (*Gateway)(nil)
