// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a transcription service (e.g., Deepgram, Google Cloud
// Speech, or a local whisper.cpp server) and exposes a uniform streaming
// interface. The central abstraction is SessionHandle: once opened, a session
// accepts raw PCM audio chunks and emits two streams of Transcript values:
// low-latency partials for display and authoritative finals for the
// conversation.
//
// Batch backends implement the same interface by buffering audio until Close
// and emitting a single final result.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"

	"github.com/MrWong99/vocalink/pkg/types"
)

var (
	// ErrUnavailable is returned when the backend cannot be reached or rejects
	// the request (network, authentication, quota).
	ErrUnavailable = errors.New("stt: provider unavailable")

	// ErrTimeout is returned when the backend did not produce a final result
	// before the call deadline.
	ErrTimeout = errors.New("stt: timeout")

	// ErrEmptyResult is returned when the backend heard no speech in the
	// utterance. It is not fatal; callers skip the turn.
	ErrEmptyResult = errors.New("stt: empty result")

	// ErrNotSupported is returned by optional operations a backend does not
	// implement, such as mid-session keyword updates.
	ErrNotSupported = errors.New("stt: operation not supported")
)

// StreamConfig describes the audio format and recognition hints for a new STT
// session.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. The pipeline sends 16000.
	SampleRate int

	// Channels is the number of audio channels. 1 = mono.
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g., "en-US").
	// An empty string lets the provider auto-detect the language, if supported.
	Language string

	// Keywords is a list of vocabulary hints that increase recognition
	// probability for uncommon words.
	Keywords []types.KeywordBoost
}

// SessionHandle represents an open STT streaming session. It is an interface so
// that test code can provide mock implementations without requiring a live
// provider connection.
//
// Callers must call Close when the session is no longer needed.
type SessionHandle interface {
	// SendAudio delivers a chunk of 16-bit little-endian PCM to the provider.
	// Calling SendAudio after Close returns an error.
	SendAudio(chunk []byte) error

	// Partials returns a channel of interim transcripts. They are display-only.
	// The channel is closed when the session ends.
	Partials() <-chan types.Transcript

	// Finals returns a channel of authoritative transcripts. The channel is
	// closed when the session ends.
	Finals() <-chan types.Transcript

	// SetKeywords replaces the active keyword boost list without restarting the
	// session. Providers that do not support this return ErrNotSupported.
	SetKeywords(keywords []types.KeywordBoost) error

	// Close signals end of audio, flushes pending results and releases all
	// associated resources. Pending finals are delivered before the Finals
	// channel closes. Calling Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any STT backend.
//
// Implementations must be safe for concurrent use. Multiple sessions may be
// open simultaneously, one per connected device.
type Provider interface {
	// StartStream opens a new transcription session. The returned SessionHandle
	// is ready to accept audio immediately. Errors that prevent the session from
	// opening wrap ErrUnavailable.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
