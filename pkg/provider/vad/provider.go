// Package vad defines the voice activity detection contract used by the
// segmenter.
//
// An [Engine] creates one [SessionHandle] per device stream. Sessions keep
// their own smoothing state, so engines may serve many streams at once while
// each handle belongs to a single pipeline goroutine. ProcessFrame is called
// inline for every inbound frame and must not block.
package vad

// EventType classifies one analysed frame.
type EventType int

const (
	// Silence: no speech in this frame or the ones before it.
	Silence EventType = iota

	// SpeechStart: the first speech frame after silence.
	SpeechStart

	// SpeechContinue: speech is ongoing.
	SpeechContinue

	// SpeechEnd: the first silent frame after speech.
	SpeechEnd
)

func (t EventType) String() string {
	switch t {
	case Silence:
		return "silence"
	case SpeechStart:
		return "speech_start"
	case SpeechContinue:
		return "speech_continue"
	case SpeechEnd:
		return "speech_end"
	default:
		return "unknown"
	}
}

// Event is the detector's verdict for one frame. The segmenter works from
// Probability and applies its own hysteresis; Type is the engine's view.
type Event struct {
	Type EventType

	// Probability is the speech likelihood in [0, 1].
	Probability float64
}

// Config describes the stream a session analyses.
type Config struct {
	// SampleRate of the PCM passed to ProcessFrame, in Hz.
	SampleRate int

	// FrameSizeMs is the fixed frame duration. Frames of any other length
	// are rejected.
	FrameSizeMs int

	// SpeechThreshold is the probability at which a frame counts as speech.
	SpeechThreshold float64

	// SilenceThreshold is the probability below which speech ends. Zero
	// means SpeechThreshold.
	SilenceThreshold float64
}

// SessionHandle analyses the frames of one stream.
type SessionHandle interface {
	// ProcessFrame classifies one frame of 16-bit little-endian PCM.
	ProcessFrame(frame []byte) (Event, error)

	// Reset drops the smoothing state, for example after a wake word or a
	// listen.start.
	Reset()

	// Close releases the session. It is idempotent.
	Close() error
}

// Engine creates sessions. It is safe for concurrent use.
type Engine interface {
	NewSession(cfg Config) (SessionHandle, error)
}
