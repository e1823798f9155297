// Package segmenter turns a stream of PCM audio frames into utterances.
//
// A Segmenter runs a three-state machine over per-frame speech probabilities
// reported by a vad.SessionHandle:
//
//	Idle ──(N frames ≥ threshold)──▶ SpeechActive ──(frame < threshold)──▶ Hangover
//	  ▲                                   ▲                                   │
//	  │                                   └─────────(speech resumes)──────────┤
//	  └──────────────(hangover elapsed: UtteranceComplete)────────────────────┘
//
// Time is measured in frames, so the machine is deterministic for a given
// input regardless of wall-clock scheduling. A Segmenter is not safe for
// concurrent use; the session pipeline owns it from a single goroutine.
package segmenter

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/vocalink/pkg/audio"
	"github.com/MrWong99/vocalink/pkg/provider/vad"
)

// State is the segmentation state.
type State int

const (
	Idle State = iota
	SpeechActive
	Hangover
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case SpeechActive:
		return "speech_active"
	case Hangover:
		return "hangover"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// EventType identifies a segmentation event.
type EventType int

const (
	// SpeechStarted is emitted on the Idle→SpeechActive transition.
	SpeechStarted EventType = iota + 1

	// BargeIn is emitted when the machine enters SpeechActive while the
	// session is speaking and barge-in is enabled. It follows SpeechStarted
	// in the same batch and is emitted at most once per utterance.
	BargeIn

	// UtteranceComplete carries a finished utterance.
	UtteranceComplete
)

// String returns the event name.
func (t EventType) String() string {
	switch t {
	case SpeechStarted:
		return "speech_started"
	case BargeIn:
		return "barge_in"
	case UtteranceComplete:
		return "utterance_complete"
	default:
		return fmt.Sprintf("event(%d)", int(t))
	}
}

// EndReason says why an utterance was closed.
type EndReason string

const (
	EndSilence EndReason = "silence"
	EndMaxLen  EndReason = "max_duration"
	EndFlush   EndReason = "flush"
)

// Event is one segmentation event. Utterance is set only for
// UtteranceComplete.
type Event struct {
	Type      EventType
	Utterance *Utterance
}

// Utterance is an ordered run of frames between speech start and speech end.
// Ownership passes to the receiver of the UtteranceComplete event; the
// segmenter keeps no reference to it.
type Utterance struct {
	// Frames holds the audio, including any pre-roll, in capture order.
	Frames []audio.Frame

	// Start is the timestamp of the first voiced frame. Pre-roll frames lie
	// before Start.
	Start time.Duration

	// End is the end of the last frame.
	End time.Duration

	// Reason is why the utterance was closed.
	Reason EndReason
}

// Duration returns End - Start.
func (u *Utterance) Duration() time.Duration { return u.End - u.Start }

// PCM concatenates the frame payloads.
func (u *Utterance) PCM() []byte {
	n := 0
	for _, f := range u.Frames {
		n += len(f.Data)
	}
	out := make([]byte, 0, n)
	for _, f := range u.Frames {
		out = append(out, f.Data...)
	}
	return out
}

// Chunks returns the frame payloads without copying.
func (u *Utterance) Chunks() [][]byte {
	out := make([][]byte, len(u.Frames))
	for i, f := range u.Frames {
		out[i] = f.Data
	}
	return out
}

// Config tunes segmentation.
type Config struct {
	// FrameMs is the duration of each frame passed to Push.
	FrameMs int

	// Threshold is the speech probability that counts as voiced.
	Threshold float64

	// SilenceThreshold is the probability below which an active utterance
	// starts its hangover. Zero means Threshold.
	SilenceThreshold float64

	// DebounceFrames is the number of consecutive voiced frames required to
	// leave Idle. Zero means 1.
	DebounceFrames int

	// HangoverMs is the silence that ends an utterance.
	HangoverMs int

	// PrerollMs of audio before the debounce window are prepended to the
	// utterance. Zero disables pre-roll.
	PrerollMs int

	// MaxUtteranceMs forces an utterance boundary. Zero disables the limit.
	MaxUtteranceMs int

	// Manual disables the silence boundary: utterances end only on Flush or
	// the maximum duration.
	Manual bool

	// BargeIn enables BargeIn events.
	BargeIn bool
}

// Validate reports configuration problems.
func (c Config) Validate() error {
	var errs []error
	if c.FrameMs <= 0 {
		errs = append(errs, fmt.Errorf("segmenter: frame_ms must be positive, got %d", c.FrameMs))
	}
	if c.Threshold <= 0 || c.Threshold > 1 {
		errs = append(errs, fmt.Errorf("segmenter: threshold must be in (0, 1], got %v", c.Threshold))
	}
	if c.SilenceThreshold < 0 || c.SilenceThreshold > c.Threshold {
		errs = append(errs, fmt.Errorf("segmenter: silence threshold %v must be in [0, %v]", c.SilenceThreshold, c.Threshold))
	}
	if c.HangoverMs < 0 || c.PrerollMs < 0 || c.MaxUtteranceMs < 0 || c.DebounceFrames < 0 {
		errs = append(errs, errors.New("segmenter: durations and debounce must not be negative"))
	}
	return errors.Join(errs...)
}

// Segmenter is the VAD state machine for one audio stream.
type Segmenter struct {
	cfg      Config
	vad      vad.SessionHandle
	speaking func() bool

	debounce       int
	hangoverFrames int
	prerollFrames  int
	maxFrames      int
	silence        float64

	state    State
	preroll  []audio.Frame // ring of recent Idle frames
	pending  []audio.Frame // voiced frames counted towards debounce
	utt      []audio.Frame
	tail     []audio.Frame // silent frames seen during Hangover
	start    time.Duration
	bargedIn bool
}

// New creates a Segmenter. speaking reports whether the session is currently
// emitting TTS output; it may be nil when barge-in is not used.
func New(cfg Config, v vad.SessionHandle, speaking func() bool) (*Segmenter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if v == nil {
		return nil, errors.New("segmenter: vad session must not be nil")
	}
	if speaking == nil {
		speaking = func() bool { return false }
	}
	s := &Segmenter{
		cfg:            cfg,
		vad:            v,
		speaking:       speaking,
		debounce:       max(cfg.DebounceFrames, 1),
		hangoverFrames: max(ceilDiv(cfg.HangoverMs, cfg.FrameMs), 1),
		prerollFrames:  ceilDiv(cfg.PrerollMs, cfg.FrameMs),
		maxFrames:      ceilDiv(cfg.MaxUtteranceMs, cfg.FrameMs),
		silence:        cfg.SilenceThreshold,
	}
	if s.silence == 0 {
		s.silence = cfg.Threshold
	}
	return s, nil
}

// State returns the current state.
func (s *Segmenter) State() State { return s.state }

// SetManual switches between automatic (silence-terminated) and manual
// utterance boundaries.
func (s *Segmenter) SetManual(manual bool) { s.cfg.Manual = manual }

// SetBargeIn enables or disables BargeIn events.
func (s *Segmenter) SetBargeIn(enabled bool) { s.cfg.BargeIn = enabled }

// Push feeds one PCM frame and returns the events it caused, in order.
func (s *Segmenter) Push(f audio.Frame) ([]Event, error) {
	ev, err := s.vad.ProcessFrame(f.Data)
	if err != nil {
		return nil, fmt.Errorf("segmenter: vad: %w", err)
	}
	p := ev.Probability

	switch s.state {
	case Idle:
		return s.pushIdle(f, p), nil
	case SpeechActive:
		if p < s.silence {
			s.state = Hangover
			s.tail = append(s.tail[:0], f)
			return s.checkHangover(), nil
		}
		s.utt = append(s.utt, f)
		return s.checkMax(), nil
	case Hangover:
		if p >= s.cfg.Threshold {
			s.utt = append(s.utt, s.tail...)
			s.utt = append(s.utt, f)
			s.tail = s.tail[:0]
			s.state = SpeechActive
			var out []Event
			if s.shouldBargeIn() {
				out = append(out, Event{Type: BargeIn})
			}
			return append(out, s.checkMax()...), nil
		}
		s.tail = append(s.tail, f)
		return s.checkHangover(), nil
	}
	return nil, nil
}

func (s *Segmenter) pushIdle(f audio.Frame, p float64) []Event {
	if p < s.cfg.Threshold {
		if len(s.pending) > 0 {
			for _, pf := range s.pending {
				s.remember(pf)
			}
			s.pending = s.pending[:0]
		}
		s.remember(f)
		return nil
	}
	s.pending = append(s.pending, f)
	if len(s.pending) < s.debounce {
		return nil
	}

	s.start = s.pending[0].Timestamp()
	s.utt = make([]audio.Frame, 0, len(s.preroll)+len(s.pending)+64)
	s.utt = append(s.utt, s.preroll...)
	s.utt = append(s.utt, s.pending...)
	s.preroll = s.preroll[:0]
	s.pending = s.pending[:0]
	s.state = SpeechActive
	s.bargedIn = false

	out := []Event{{Type: SpeechStarted}}
	if s.shouldBargeIn() {
		out = append(out, Event{Type: BargeIn})
	}
	return append(out, s.checkMax()...)
}

func (s *Segmenter) shouldBargeIn() bool {
	if !s.cfg.BargeIn || s.bargedIn || !s.speaking() {
		return false
	}
	s.bargedIn = true
	return true
}

func (s *Segmenter) remember(f audio.Frame) {
	if s.prerollFrames == 0 {
		return
	}
	if len(s.preroll) == s.prerollFrames {
		copy(s.preroll, s.preroll[1:])
		s.preroll = s.preroll[:len(s.preroll)-1]
	}
	s.preroll = append(s.preroll, f)
}

func (s *Segmenter) checkHangover() []Event {
	if !s.cfg.Manual && len(s.tail) >= s.hangoverFrames {
		return []Event{s.complete(EndSilence, false)}
	}
	if s.maxFrames > 0 && len(s.utt)+len(s.tail) >= s.maxFrames {
		return []Event{s.complete(EndMaxLen, true)}
	}
	return nil
}

func (s *Segmenter) checkMax() []Event {
	if s.maxFrames > 0 && len(s.utt) >= s.maxFrames {
		return []Event{s.complete(EndMaxLen, false)}
	}
	return nil
}

// Flush closes the open utterance, if any, and returns its
// UtteranceComplete event. Trailing silence is included, since a manual
// stop means the user decided where the utterance ends.
func (s *Segmenter) Flush() []Event {
	switch s.state {
	case SpeechActive, Hangover:
		return []Event{s.complete(EndFlush, true)}
	}
	s.pending = s.pending[:0]
	return nil
}

// Reset discards all state, including any open utterance.
func (s *Segmenter) Reset() {
	s.state = Idle
	s.preroll = s.preroll[:0]
	s.pending = s.pending[:0]
	s.utt = nil
	s.tail = s.tail[:0]
	s.bargedIn = false
	s.vad.Reset()
}

func (s *Segmenter) complete(reason EndReason, withTail bool) Event {
	frames := s.utt
	if withTail {
		frames = append(frames, s.tail...)
	}
	u := &Utterance{Frames: frames, Start: s.start, Reason: reason}
	if len(frames) > 0 {
		last := frames[len(frames)-1]
		u.End = last.Timestamp() + time.Duration(s.cfg.FrameMs)*time.Millisecond
	}
	s.utt = nil
	s.tail = s.tail[:0]
	s.state = Idle
	s.bargedIn = false
	return Event{Type: UtteranceComplete, Utterance: u}
}

func ceilDiv(a, b int) int {
	if a <= 0 || b <= 0 {
		return 0
	}
	return (a + b - 1) / b
}
