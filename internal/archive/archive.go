// Package archive captures the audio and conversation of a device session and
// hands it to external storage.
//
// A [Recorder] buffers tagged audio segments (user speech and assistant
// speech) at their offsets from session start together with the conversation
// messages. [Recorder.Cut] turns the buffer into a [Take]: the merged stereo
// recording plus the record metadata. A [Flusher] writes the take as a WAV
// artifact and stores the record through a [Gateway], retrying failures in
// the background so live audio is never blocked.
package archive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/vocalink/pkg/types"
)

// ErrPersistence wraps every failure to hand a record to storage.
var ErrPersistence = errors.New("archive: persistence failure")

// Track tags who produced a segment of audio.
type Track string

const (
	// TrackUser is device microphone audio. It is the left channel.
	TrackUser Track = "user"

	// TrackAssistant is synthesised speech. It is the right channel.
	TrackAssistant Track = "assistant"
)

// Segment locates one stretch of audio in the merged recording.
type Segment struct {
	Track      Track `json:"track"`
	OffsetMs   int64 `json:"offset_ms"`
	DurationMs int64 `json:"duration_ms"`
}

// Record is the unit handed to a [Gateway]. It is immutable once built.
type Record struct {
	SessionID string
	DeviceID  string

	// Seq numbers the records of one session, starting at 1.
	Seq int

	StartedAt time.Time
	EndedAt   time.Time

	// Messages is the conversation since the previous record, in order.
	Messages []types.Message

	// ArtifactPath is the merged WAV file, or empty when the take held no
	// audio.
	ArtifactPath string

	// Segments lists the audio segments in offset order.
	Segments []Segment
}

// Validate reports records that no store should accept.
func (r Record) Validate() error {
	var errs []error
	if r.SessionID == "" {
		errs = append(errs, errors.New("archive: record: session id is empty"))
	}
	if r.DeviceID == "" {
		errs = append(errs, errors.New("archive: record: device id is empty"))
	}
	if r.Seq < 1 {
		errs = append(errs, fmt.Errorf("archive: record: seq must be positive, got %d", r.Seq))
	}
	if r.EndedAt.Before(r.StartedAt) {
		errs = append(errs, errors.New("archive: record: ended before it started"))
	}
	return errors.Join(errs...)
}

// Gateway is the persistence collaborator. Save must be atomic: either the
// whole record is stored or none of it is. Saving the same (SessionID, Seq)
// twice must leave one copy, since the flusher delivers at least once.
type Gateway interface {
	Save(ctx context.Context, rec Record) error
	Ping(ctx context.Context) error
	Close() error
}

// Discard is a Gateway that stores nothing. It is used when archive.store is
// "none"; WAV artifacts are still written.
type Discard struct{}

func (Discard) Save(context.Context, Record) error { return nil }
func (Discard) Ping(context.Context) error         { return nil }
func (Discard) Close() error                       { return nil }

var _ Gateway = Discard{}
