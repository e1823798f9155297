// Package energy provides an RMS-energy voice activity detector. It implements
// the vad.Engine interface without any model files, which makes it the default
// engine for devices that already run echo cancellation and noise suppression
// on their side of the link.
//
// The speech probability of a frame is its normalised RMS level multiplied by
// a gain and clamped to [0, 1].
package energy

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/vocalink/pkg/audio"
	"github.com/MrWong99/vocalink/pkg/provider/vad"
)

const defaultGain = 8.0

// Option is a functional option for configuring the Engine.
type Option func(*Engine)

// WithGain sets the factor applied to the normalised RMS level before it is
// used as a probability. Larger values make the detector more sensitive.
func WithGain(g float64) Option {
	return func(e *Engine) {
		if g > 0 {
			e.gain = g
		}
	}
}

// Engine is the energy-based vad.Engine.
type Engine struct {
	gain float64
}

// New creates an energy Engine.
func New(opts ...Option) *Engine {
	e := &Engine{gain: defaultGain}
	for _, o := range opts {
		o(e)
	}
	return e
}

// NewSession validates cfg and returns a detector for one audio stream.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("energy: sample rate must be positive, got %d", cfg.SampleRate)
	}
	if cfg.FrameSizeMs <= 0 {
		return nil, fmt.Errorf("energy: frame size must be positive, got %d", cfg.FrameSizeMs)
	}
	if cfg.SpeechThreshold <= 0 || cfg.SpeechThreshold > 1 {
		return nil, fmt.Errorf("energy: speech threshold must be in (0, 1], got %v", cfg.SpeechThreshold)
	}
	silence := cfg.SilenceThreshold
	if silence == 0 {
		silence = cfg.SpeechThreshold
	}
	if silence < 0 || silence > cfg.SpeechThreshold {
		return nil, fmt.Errorf("energy: silence threshold %v must be in [0, %v]", silence, cfg.SpeechThreshold)
	}
	return &session{
		gain:       e.gain,
		frameBytes: cfg.SampleRate * cfg.FrameSizeMs / 1000 * 2,
		speech:     cfg.SpeechThreshold,
		silence:    silence,
	}, nil
}

var _ vad.Engine = (*Engine)(nil)

// session tracks hysteresis state for one stream.
type session struct {
	mu         sync.Mutex
	gain       float64
	frameBytes int
	speech     float64
	silence    float64
	speaking   bool
	closed     bool
}

var errClosed = errors.New("energy: session closed")

func (s *session) ProcessFrame(frame []byte) (vad.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return vad.Event{}, errClosed
	}
	if len(frame) != s.frameBytes {
		return vad.Event{}, fmt.Errorf("energy: frame is %d bytes, want %d", len(frame), s.frameBytes)
	}

	prob := min(audio.RMS(frame)*s.gain, 1)
	ev := vad.Event{Probability: prob}
	switch {
	case !s.speaking && prob >= s.speech:
		s.speaking = true
		ev.Type = vad.SpeechStart
	case s.speaking && prob < s.silence:
		s.speaking = false
		ev.Type = vad.SpeechEnd
	case s.speaking:
		ev.Type = vad.SpeechContinue
	default:
		ev.Type = vad.Silence
	}
	return ev, nil
}

func (s *session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.speaking = false
}

func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
