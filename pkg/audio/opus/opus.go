// Package opus wraps the gopus Opus codec for device link audio.
//
// Devices typically send 16 kHz mono Opus packets of 60 ms. Each device stream
// needs its own Decoder and Encoder because Opus keeps inter-frame state.
package opus

import (
	"fmt"

	"layeh.com/gopus"

	"github.com/MrWong99/vocalink/pkg/audio"
)

// maxPacketBytes bounds a single encoded packet.
const maxPacketBytes = 4000

// maxFrameMs is the longest frame Opus can carry; decode buffers are sized for it.
const maxFrameMs = 120

// Decoder turns Opus packets into 16-bit PCM.
type Decoder struct {
	dec    *gopus.Decoder
	format audio.Format
}

// NewDecoder creates a decoder producing PCM in format f.
func NewDecoder(f audio.Format) (*Decoder, error) {
	dec, err := gopus.NewDecoder(f.SampleRate, channels(f))
	if err != nil {
		return nil, fmt.Errorf("opus: create decoder: %w", err)
	}
	return &Decoder{dec: dec, format: f}, nil
}

// Decode decodes one packet and returns little-endian PCM.
func (d *Decoder) Decode(packet []byte) ([]byte, error) {
	frameSize := d.format.SampleRate * maxFrameMs / 1000
	pcm, err := d.dec.Decode(packet, frameSize, false)
	if err != nil {
		return nil, fmt.Errorf("opus: decode: %w", err)
	}
	return audio.Bytes(pcm), nil
}

// Encoder turns fixed-duration PCM frames into Opus packets.
type Encoder struct {
	enc       *gopus.Encoder
	frameSize int
}

// NewEncoder creates a voice-optimised encoder for format f and frame length
// frameMs. Valid frame lengths are 10, 20, 40 and 60 ms.
func NewEncoder(f audio.Format, frameMs int) (*Encoder, error) {
	switch frameMs {
	case 10, 20, 40, 60:
	default:
		return nil, fmt.Errorf("opus: unsupported frame length %dms", frameMs)
	}
	enc, err := gopus.NewEncoder(f.SampleRate, channels(f), gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("opus: create encoder: %w", err)
	}
	return &Encoder{enc: enc, frameSize: f.SampleRate * frameMs / 1000}, nil
}

// Encode encodes exactly one frame of PCM. Shorter input must be padded by the
// caller (see [audio.Chunker.Flush]).
func (e *Encoder) Encode(pcm []byte) ([]byte, error) {
	packet, err := e.enc.Encode(audio.Int16s(pcm), e.frameSize, maxPacketBytes)
	if err != nil {
		return nil, fmt.Errorf("opus: encode: %w", err)
	}
	return packet, nil
}

func channels(f audio.Format) int {
	if f.Channels <= 0 {
		return 1
	}
	return f.Channels
}
