package archive

import (
	"sort"
	"sync"
	"time"

	"github.com/MrWong99/vocalink/pkg/audio"
	"github.com/MrWong99/vocalink/pkg/types"
)

// Take is one cut of a session: the record metadata plus the merged
// recording. ArtifactPath is filled in by the [Flusher].
type Take struct {
	Record Record

	// Stereo is the interleaved 16-bit stereo PCM in Format, or nil when the
	// take held no audio.
	Stereo []byte
	Format audio.Format
}

type pendingSegment struct {
	track  Track
	offset time.Duration
	pcm    []byte
}

// Recorder buffers the audio and messages of one session. It is safe for
// concurrent use; the inbound and outbound pipeline stages append from
// different goroutines.
type Recorder struct {
	sessionID string
	deviceID  string
	format    audio.Format
	now       func() time.Time

	mu       sync.Mutex
	origin   time.Time // session start; offsets are measured from here
	cutAt    time.Time // start of the current take
	seq      int
	segments []pendingSegment
	messages []types.Message
	trackEnd map[Track]time.Duration
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithClock replaces time.Now. Tests use it to control offsets.
func WithClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) { r.now = now }
}

// NewRecorder creates a Recorder for one session. format is the mono PCM
// format of the appended audio and of both channels of the merged file.
func NewRecorder(sessionID, deviceID string, format audio.Format, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		sessionID: sessionID,
		deviceID:  deviceID,
		format:    audio.Format{SampleRate: format.SampleRate, Channels: 1},
		now:       time.Now,
		trackEnd:  map[Track]time.Duration{},
	}
	for _, o := range opts {
		o(r)
	}
	r.origin = r.now()
	r.cutAt = r.origin
	return r
}

// Elapsed returns the time since the session started.
func (r *Recorder) Elapsed() time.Duration {
	return r.now().Sub(r.origin)
}

// Append adds mono PCM on track at offset from session start. Offsets are
// kept monotonic per track: a segment that would overlap the previous one on
// the same track is moved to its end.
func (r *Recorder) Append(track Track, offset time.Duration, pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	if offset < 0 {
		offset = 0
	}
	cp := make([]byte, len(pcm)&^1)
	copy(cp, pcm)

	r.mu.Lock()
	defer r.mu.Unlock()
	if end := r.trackEnd[track]; offset < end {
		offset = end
	}
	r.trackEnd[track] = offset + r.format.DurationOf(len(cp))
	r.segments = append(r.segments, pendingSegment{track: track, offset: offset, pcm: cp})
}

// AddMessages appends conversation messages to the current take.
func (r *Recorder) AddMessages(msgs ...types.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msgs...)
}

// Empty reports whether the current take holds neither audio nor messages.
func (r *Recorder) Empty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.segments) == 0 && len(r.messages) == 0
}

// Cut closes the current take and starts a new one. ok is false when the
// take was empty, in which case nothing changes.
func (r *Recorder) Cut() (take Take, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.segments) == 0 && len(r.messages) == 0 {
		return Take{}, false
	}
	now := r.now()
	r.seq++
	segs := r.segments
	sort.SliceStable(segs, func(i, j int) bool { return segs[i].offset < segs[j].offset })

	take = Take{
		Record: Record{
			SessionID: r.sessionID,
			DeviceID:  r.deviceID,
			Seq:       r.seq,
			StartedAt: r.cutAt,
			EndedAt:   now,
			Messages:  r.messages,
		},
		Format: audio.Format{SampleRate: r.format.SampleRate, Channels: 2},
	}
	if len(segs) > 0 {
		// Offsets in the artifact are relative to its first segment.
		base := segs[0].offset
		take.Record.Segments = make([]Segment, len(segs))
		for i, s := range segs {
			take.Record.Segments[i] = Segment{
				Track:      s.track,
				OffsetMs:   (s.offset - base).Milliseconds(),
				DurationMs: r.format.DurationOf(len(s.pcm)).Milliseconds(),
			}
		}
		take.Stereo = r.merge(segs, base)
	}

	r.segments = nil
	r.messages = nil
	r.cutAt = now
	return take, true
}

// merge lays the segments onto a stereo timeline: user left, assistant right.
func (r *Recorder) merge(segs []pendingSegment, base time.Duration) []byte {
	frames := 0
	for _, s := range segs {
		end := r.sampleAt(s.offset-base) + len(s.pcm)/2
		frames = max(frames, end)
	}
	mix := make([]int32, frames*2)
	for _, s := range segs {
		ch := 0
		if s.track == TrackAssistant {
			ch = 1
		}
		start := r.sampleAt(s.offset - base)
		for i, v := range audio.Int16s(s.pcm) {
			mix[(start+i)*2+ch] += int32(v)
		}
	}
	out := make([]int16, len(mix))
	for i, v := range mix {
		out[i] = int16(min(max(v, -32768), 32767))
	}
	return audio.Bytes(out)
}

func (r *Recorder) sampleAt(d time.Duration) int {
	return int(int64(d) * int64(r.format.SampleRate) / int64(time.Second))
}
