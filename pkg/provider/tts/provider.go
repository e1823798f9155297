// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., ElevenLabs or OpenAI)
// and presents a uniform streaming interface. SynthesizeStream accepts a
// channel of text fragments and returns a channel of raw PCM audio as it
// becomes available. The audio channel is a lazy, finite sequence: it is
// closed when synthesis completes, and cancelling the context stops
// production at the next chunk and releases the vendor stream.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"errors"

	"github.com/MrWong99/vocalink/pkg/audio"
	"github.com/MrWong99/vocalink/pkg/types"
)

// ErrUnavailable is returned when a synthesis stream cannot be started. The
// pipeline degrades to a text-only reply.
var ErrUnavailable = errors.New("tts: provider unavailable")

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// SynthesizeStream consumes text fragments from the text channel and returns
	// a channel that emits raw 16-bit little-endian PCM in the provider's
	// Format as it is synthesised.
	//
	// The returned audio channel is closed by the implementation when all text
	// has been synthesised or when ctx is cancelled. Returns a non-nil error,
	// wrapping ErrUnavailable, only if the stream cannot be started. Failures
	// during synthesis close the audio channel early.
	SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (<-chan []byte, error)

	// ListVoices returns the voice profiles available from this provider.
	ListVoices(ctx context.Context) ([]types.VoiceProfile, error)

	// Format reports the PCM format of the audio emitted by SynthesizeStream.
	Format() audio.Format
}

// Speak synthesises a single piece of text. It is a convenience wrapper around
// SynthesizeStream for callers that already hold the complete text.
func Speak(ctx context.Context, p Provider, text string, voice types.VoiceProfile) (<-chan []byte, error) {
	in := make(chan string, 1)
	in <- text
	close(in)
	return p.SynthesizeStream(ctx, in, voice)
}
