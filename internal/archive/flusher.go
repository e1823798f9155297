package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/MrWong99/vocalink/internal/observe"
	"github.com/MrWong99/vocalink/internal/resilience"
	"github.com/MrWong99/vocalink/pkg/audio"
)

// Defaults for [NewFlusher].
const (
	DefaultRetryMax     = 5
	DefaultRetryBackoff = time.Second
	DefaultQueueSize    = 64
	DefaultSaveTimeout  = 10 * time.Second
)

// FlusherOption configures a Flusher.
type FlusherOption func(*Flusher)

// WithDir sets the directory WAV artifacts are written under. Empty disables
// artifacts; records are still stored.
func WithDir(dir string) FlusherOption {
	return func(f *Flusher) { f.dir = dir }
}

// WithRetry sets the number of save attempts and the first backoff.
func WithRetry(attempts int, backoff time.Duration) FlusherOption {
	return func(f *Flusher) {
		if attempts > 0 {
			f.retryMax = attempts
		}
		if backoff > 0 {
			f.backoff = backoff
		}
	}
}

// WithQueueSize bounds the number of takes waiting to be stored.
func WithQueueSize(n int) FlusherOption {
	return func(f *Flusher) {
		if n > 0 {
			f.queueSize = n
		}
	}
}

// WithFlusherMetrics sets the metrics recorder.
func WithFlusherMetrics(m *observe.Metrics) FlusherOption {
	return func(f *Flusher) { f.metrics = m }
}

// WithFlusherLogger sets the logger.
func WithFlusherLogger(l *slog.Logger) FlusherOption {
	return func(f *Flusher) { f.log = l }
}

// Flusher writes takes to disk and storage on a background worker. Submit
// never blocks: when the queue is full the take is dropped and logged.
type Flusher struct {
	gw        Gateway
	dir       string
	retryMax  int
	backoff   time.Duration
	queueSize int
	metrics   *observe.Metrics
	log       *slog.Logger

	queue    chan Take
	stop     chan struct{}
	done     chan struct{}
	closeMu  sync.RWMutex
	closed   bool
	stopOnce sync.Once
}

// NewFlusher starts a Flusher that stores records through gw.
func NewFlusher(gw Gateway, opts ...FlusherOption) *Flusher {
	f := &Flusher{
		gw:        gw,
		retryMax:  DefaultRetryMax,
		backoff:   DefaultRetryBackoff,
		queueSize: DefaultQueueSize,
		log:       slog.Default(),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(f)
	}
	if f.metrics == nil {
		f.metrics = observe.DefaultMetrics()
	}
	f.queue = make(chan Take, f.queueSize)
	go f.run()
	return f
}

// Submit queues a take. It reports false when the take was dropped because
// the queue is full or the flusher is closed.
func (f *Flusher) Submit(t Take) bool {
	f.closeMu.RLock()
	defer f.closeMu.RUnlock()
	if f.closed {
		return false
	}
	select {
	case f.queue <- t:
		return true
	default:
		f.log.Error("archive: flush queue full, dropping take",
			"session_id", t.Record.SessionID, "seq", t.Record.Seq)
		f.metrics.RecordArchiveFlush(context.Background(), "dropped")
		return false
	}
}

// Close stops accepting takes and waits until the queued ones are stored or
// ctx expires. Takes still queued when ctx expires are abandoned.
func (f *Flusher) Close(ctx context.Context) error {
	f.closeMu.Lock()
	if !f.closed {
		f.closed = true
		close(f.queue)
	}
	f.closeMu.Unlock()

	select {
	case <-f.done:
		return nil
	case <-ctx.Done():
		f.stopOnce.Do(func() { close(f.stop) })
		<-f.done
		return fmt.Errorf("archive: close: %w", ctx.Err())
	}
}

func (f *Flusher) run() {
	defer close(f.done)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-f.stop:
			cancel()
		case <-ctx.Done():
		}
	}()
	for t := range f.queue {
		if ctx.Err() != nil {
			continue
		}
		f.flush(ctx, t)
	}
}

// flush stores one take, retrying with exponential backoff.
func (f *Flusher) flush(ctx context.Context, t Take) {
	log := f.log.With("session_id", t.Record.SessionID, "device_id", t.Record.DeviceID, "seq", t.Record.Seq)
	rec := t.Record

	err := resilience.Retry(ctx, resilience.RetryConfig{
		Attempts:   f.retryMax,
		Backoff:    f.backoff,
		MaxBackoff: 30 * f.backoff,
		Retryable:  func(err error) bool { return !errors.Is(err, context.Canceled) },
		OnRetry: func(attempt int, err error) {
			log.Warn("archive: flush failed, retrying", "attempt", attempt, "err", err)
			f.metrics.RecordArchiveFlush(ctx, "retry")
		},
	}, func(ctx context.Context) error {
		if rec.ArtifactPath == "" && len(t.Stereo) > 0 && f.dir != "" {
			path, err := f.writeArtifact(t)
			if err != nil {
				return err
			}
			rec.ArtifactPath = path
		}
		sctx, cancel := context.WithTimeout(ctx, DefaultSaveTimeout)
		defer cancel()
		if err := f.gw.Save(sctx, rec); err != nil {
			return fmt.Errorf("%w: save: %w", ErrPersistence, err)
		}
		return nil
	})
	if err != nil {
		log.Error("archive: giving up on record", "err", err)
		f.metrics.RecordArchiveFlush(ctx, "failed")
		return
	}
	log.Debug("archive: record stored", "artifact", rec.ArtifactPath, "messages", len(rec.Messages))
	f.metrics.RecordArchiveFlush(ctx, "ok")
}

// ArtifactPath returns <dir>/<device>/<session>-<seq>.wav.
func ArtifactPath(dir string, rec Record) string {
	return filepath.Join(dir, safeName(rec.DeviceID), safeName(rec.SessionID)+"-"+strconv.Itoa(rec.Seq)+".wav")
}

func (f *Flusher) writeArtifact(t Take) (string, error) {
	path := ArtifactPath(f.dir, t.Record)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("%w: artifact dir: %w", ErrPersistence, err)
	}
	tmp := path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("%w: create artifact: %w", ErrPersistence, err)
	}
	if err := audio.WriteWAV(file, t.Stereo, t.Format); err != nil {
		file.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("%w: write artifact: %w", ErrPersistence, err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("%w: close artifact: %w", ErrPersistence, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("%w: rename artifact: %w", ErrPersistence, err)
	}
	return path, nil
}

// safeName keeps device and session ids from escaping the archive directory.
func safeName(s string) string {
	b := []byte(s)
	for i, c := range b {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_', c == ':', c == '.':
		default:
			b[i] = '_'
		}
	}
	out := string(b)
	if out == "" || out == "." || out == ".." {
		return "_"
	}
	return out
}
