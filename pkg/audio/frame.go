// Package audio holds the audio primitives shared by the device link, the VAD
// segmenter, the vendor adapters, and the archive.
//
// Frames are the atomic unit of audio transport. Inbound frames are produced by
// the frame codec from device packets; outbound frames are produced by slicing
// synthesized PCM into fixed-duration chunks. A frame is immutable once it has
// been handed to another pipeline stage.
package audio

import (
	"fmt"
	"time"
)

// Codec identifies how a frame payload is encoded.
type Codec uint8

const (
	// CodecPCM16 is raw 16-bit signed little-endian PCM.
	CodecPCM16 Codec = 1

	// CodecOpus is a single Opus packet.
	CodecOpus Codec = 2
)

// IsValid reports whether c is a known codec.
func (c Codec) IsValid() bool {
	return c == CodecPCM16 || c == CodecOpus
}

// String returns the lowercase codec name used in configuration and logs.
func (c Codec) String() string {
	switch c {
	case CodecPCM16:
		return "pcm16"
	case CodecOpus:
		return "opus"
	default:
		return fmt.Sprintf("codec(%d)", uint8(c))
	}
}

// ParseCodec maps a configuration string to a Codec.
func ParseCodec(s string) (Codec, error) {
	switch s {
	case "pcm16", "pcm":
		return CodecPCM16, nil
	case "opus":
		return CodecOpus, nil
	default:
		return 0, fmt.Errorf("audio: unknown codec %q", s)
	}
}

// Format describes the sample rate and channel count of a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// BytesFor returns the number of 16-bit PCM bytes that cover d.
func (f Format) BytesFor(d time.Duration) int {
	samples := int(int64(f.SampleRate) * int64(d) / int64(time.Second))
	return samples * f.channels() * 2
}

// DurationOf returns the playback duration of n bytes of 16-bit PCM.
func (f Format) DurationOf(n int) time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	samples := n / (2 * f.channels())
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

func (f Format) channels() int {
	if f.Channels <= 0 {
		return 1
	}
	return f.Channels
}

// String returns a human-readable form, e.g. "16000Hz mono".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// Frame is one fixed-duration chunk of audio with its position in the stream.
type Frame struct {
	// Seq is the per-direction sequence number assigned by the producer.
	Seq uint32

	// TimestampMs is the capture (inbound) or playback (outbound) offset from
	// stream start in milliseconds.
	TimestampMs uint32

	// Codec identifies the payload encoding.
	Codec Codec

	// Data is the encoded payload. PCM frames hold 16-bit LE samples.
	Data []byte
}

// Timestamp returns TimestampMs as a duration.
func (f Frame) Timestamp() time.Duration {
	return time.Duration(f.TimestampMs) * time.Millisecond
}
