package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/vocalink/internal/archive"
)

// defaultConsolidationInterval is the default period between archive cuts.
const defaultConsolidationInterval = 5 * time.Minute

// Submitter accepts finished takes for storage. [*archive.Flusher]
// implements it.
type Submitter interface {
	Submit(t archive.Take) bool
}

// Consolidator periodically cuts the session recorder and hands the take to
// the archive flusher, so long-running sessions are persisted in pieces
// instead of only at teardown.
//
// All methods are safe for concurrent use.
type Consolidator struct {
	recorder  *archive.Recorder
	sink      Submitter
	interval  time.Duration
	sessionID string
	log       *slog.Logger

	mu       sync.Mutex
	takes    int
	done     chan struct{}
	stopOnce sync.Once
}

// ConsolidatorConfig configures a [Consolidator].
type ConsolidatorConfig struct {
	// Recorder is the session recorder to cut.
	Recorder *archive.Recorder

	// Sink receives the cut takes.
	Sink Submitter

	// SessionID identifies the session in logs.
	SessionID string

	// Interval is how often to cut. Defaults to 5 minutes if zero.
	Interval time.Duration

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// NewConsolidator creates a new [Consolidator] with the given configuration.
func NewConsolidator(cfg ConsolidatorConfig) *Consolidator {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultConsolidationInterval
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Consolidator{
		recorder:  cfg.Recorder,
		sink:      cfg.Sink,
		interval:  interval,
		sessionID: cfg.SessionID,
		log:       log,
		done:      make(chan struct{}),
	}
}

// Run cuts the recorder every interval until ctx is cancelled or
// [Consolidator.Stop] is called.
func (c *Consolidator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.ConsolidateNow()
		}
	}
}

// Stop halts the loop. Safe to call multiple times.
func (c *Consolidator) Stop() {
	c.stopOnce.Do(func() {
		close(c.done)
	})
}

// ConsolidateNow cuts everything recorded since the previous cut and submits
// it. It reports whether a take was submitted.
func (c *Consolidator) ConsolidateNow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	take, ok := c.recorder.Cut()
	if !ok {
		return false
	}
	if !c.sink.Submit(take) {
		c.log.Warn("archive take dropped",
			"session_id", c.sessionID,
			"seq", take.Record.Seq,
		)
		return false
	}
	c.takes++
	return true
}

// Takes returns how many takes were submitted.
func (c *Consolidator) Takes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.takes
}
