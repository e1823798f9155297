package stt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/MrWong99/vocalink/pkg/types"
)

// Transcribe runs one utterance through p and returns the final transcript.
//
// The audio chunks are sent in order, then the session is closed to flush the
// provider. Every final result is joined into one transcript; partial results
// are passed to onPartial (which may be nil) and never affect the returned
// value. Streaming and batch providers are handled the same way.
//
// The returned error always wraps one of ErrUnavailable, ErrTimeout or
// ErrEmptyResult. A context deadline maps to ErrTimeout.
func Transcribe(ctx context.Context, p Provider, cfg StreamConfig, chunks [][]byte, onPartial func(types.Transcript)) (types.Transcript, error) {
	sess, err := p.StartStream(ctx, cfg)
	if err != nil {
		return types.Transcript{}, classify(ctx, "start stream", err)
	}

	var (
		mu     sync.Mutex
		finals []types.Transcript
		wg     sync.WaitGroup
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		for t := range sess.Partials() {
			if onPartial != nil {
				onPartial(t)
			}
		}
	}()
	go func() {
		defer wg.Done()
		for t := range sess.Finals() {
			mu.Lock()
			finals = append(finals, t)
			mu.Unlock()
		}
	}()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	for _, c := range chunks {
		if err := ctx.Err(); err != nil {
			_ = sess.Close()
			return types.Transcript{}, classify(ctx, "send audio", err)
		}
		if err := sess.SendAudio(c); err != nil {
			_ = sess.Close()
			return types.Transcript{}, classify(ctx, "send audio", err)
		}
	}

	closeErr := make(chan error, 1)
	go func() { closeErr <- sess.Close() }()

	select {
	case <-done:
	case <-ctx.Done():
		return types.Transcript{}, classify(ctx, "await result", ctx.Err())
	}
	if err := <-closeErr; err != nil {
		return types.Transcript{}, classify(ctx, "close", err)
	}

	mu.Lock()
	defer mu.Unlock()
	return join(finals)
}

// join merges the final transcripts of one utterance.
func join(finals []types.Transcript) (types.Transcript, error) {
	var (
		parts []string
		out   types.Transcript
		conf  float64
	)
	for _, f := range finals {
		text := strings.TrimSpace(f.Text)
		if text == "" {
			continue
		}
		if len(parts) == 0 {
			out.Timestamp = f.Timestamp
			out.Language = f.Language
		}
		parts = append(parts, text)
		conf += f.Confidence
		if end := f.Timestamp + f.Duration; end > out.Timestamp+out.Duration {
			out.Duration = end - out.Timestamp
		}
	}
	if len(parts) == 0 {
		return types.Transcript{}, ErrEmptyResult
	}
	out.Text = strings.Join(parts, " ")
	out.IsFinal = true
	out.Confidence = conf / float64(len(parts))
	return out, nil
}

// classify maps err onto the package error taxonomy.
func classify(ctx context.Context, op string, err error) error {
	switch {
	case errors.Is(err, ErrTimeout), errors.Is(err, ErrUnavailable), errors.Is(err, ErrEmptyResult):
		return fmt.Errorf("stt: %s: %w", op, err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("stt: %s: %w: %w", op, ErrTimeout, err)
	default:
		return fmt.Errorf("stt: %s: %w: %w", op, ErrUnavailable, err)
	}
}
