// Package protocol implements the device link frame codec.
//
// The device link carries two kinds of frames over one bidirectional stream:
//
//   - Binary audio frames: a fixed 12-byte big-endian header followed by the
//     encoded payload.
//
//     0       1       2               4                               8
//     +-------+-------+---------------+-------------------------------+
//     |version| codec | payload length|         sequence number       |
//     +-------+-------+---------------+-------------------------------+
//     |        timestamp (ms)         |  payload ...
//     +-------------------------------+
//
//   - JSON control frames: an object with a "type" field from [ControlType].
//
// Decode and Encode are pure transforms. Every value accepted by Decode
// survives an Encode/Decode round trip unchanged.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MrWong99/vocalink/pkg/audio"
)

const (
	// Version is the binary audio frame header version.
	Version = 1

	// HeaderSize is the length of the binary audio frame header.
	HeaderSize = 12

	// MaxPayload is the largest audio payload a single frame can carry.
	MaxPayload = 0xFFFF
)

// ErrMalformedFrame is the sentinel wrapped by every decode failure.
var ErrMalformedFrame = errors.New("protocol: malformed frame")

// FrameError describes why a frame was rejected. It unwraps to
// [ErrMalformedFrame].
type FrameError struct {
	Reason string
	Len    int
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("protocol: malformed frame (%d bytes): %s", e.Len, e.Reason)
}

func (e *FrameError) Unwrap() error { return ErrMalformedFrame }

func malformed(data []byte, format string, args ...any) error {
	return &FrameError{Reason: fmt.Sprintf(format, args...), Len: len(data)}
}

// Kind distinguishes audio frames from control frames.
type Kind int

const (
	KindAudio Kind = iota + 1
	KindControl
)

// String returns "audio" or "control".
func (k Kind) String() string {
	switch k {
	case KindAudio:
		return "audio"
	case KindControl:
		return "control"
	default:
		return "unknown"
	}
}

// Message is a decoded device-link frame. Exactly one of Audio or Control is
// meaningful, selected by Kind.
type Message struct {
	Kind    Kind
	Audio   audio.Frame
	Control ControlEvent
}

// AudioMessage wraps an audio frame.
func AudioMessage(f audio.Frame) Message {
	return Message{Kind: KindAudio, Audio: f}
}

// ControlMessage wraps a control event.
func ControlMessage(e ControlEvent) Message {
	return Message{Kind: KindControl, Control: e}
}

// Decode parses a single frame. JSON control frames are recognised by a
// leading '{'; everything else is parsed as a binary audio frame.
func Decode(data []byte) (Message, error) {
	if len(data) == 0 {
		return Message{}, malformed(data, "empty frame")
	}
	if data[0] == '{' {
		ev, err := DecodeControl(data)
		if err != nil {
			return Message{}, err
		}
		return ControlMessage(ev), nil
	}
	f, err := DecodeAudio(data)
	if err != nil {
		return Message{}, err
	}
	return AudioMessage(f), nil
}

// Encode serialises m. Transports send KindAudio as a binary frame and
// KindControl as a text frame.
func Encode(m Message) ([]byte, error) {
	switch m.Kind {
	case KindAudio:
		return EncodeAudio(m.Audio)
	case KindControl:
		return EncodeControl(m.Control)
	default:
		return nil, fmt.Errorf("protocol: encode: unknown message kind %d", m.Kind)
	}
}

// DecodeAudio parses a binary audio frame.
func DecodeAudio(data []byte) (audio.Frame, error) {
	if len(data) < HeaderSize {
		return audio.Frame{}, malformed(data, "truncated header")
	}
	if data[0] != Version {
		return audio.Frame{}, malformed(data, "unsupported version %d", data[0])
	}
	codec := audio.Codec(data[1])
	if !codec.IsValid() {
		return audio.Frame{}, malformed(data, "unknown codec %d", data[1])
	}
	n := int(binary.BigEndian.Uint16(data[2:4]))
	if got := len(data) - HeaderSize; got != n {
		return audio.Frame{}, malformed(data, "payload length %d, header says %d", got, n)
	}

	payload := make([]byte, n)
	copy(payload, data[HeaderSize:])
	return audio.Frame{
		Seq:         binary.BigEndian.Uint32(data[4:8]),
		TimestampMs: binary.BigEndian.Uint32(data[8:12]),
		Codec:       codec,
		Data:        payload,
	}, nil
}

// EncodeAudio serialises an audio frame.
func EncodeAudio(f audio.Frame) ([]byte, error) {
	if !f.Codec.IsValid() {
		return nil, fmt.Errorf("protocol: encode audio: unknown codec %d", f.Codec)
	}
	if len(f.Data) > MaxPayload {
		return nil, fmt.Errorf("protocol: encode audio: payload %d bytes exceeds %d", len(f.Data), MaxPayload)
	}
	out := make([]byte, HeaderSize+len(f.Data))
	out[0] = Version
	out[1] = byte(f.Codec)
	binary.BigEndian.PutUint16(out[2:4], uint16(len(f.Data)))
	binary.BigEndian.PutUint32(out[4:8], f.Seq)
	binary.BigEndian.PutUint32(out[8:12], f.TimestampMs)
	copy(out[HeaderSize:], f.Data)
	return out, nil
}

// DecodeControl parses a JSON control frame and validates its type and mode.
// The result is canonical: re-encoding and decoding it yields an identical
// value.
func DecodeControl(data []byte) (ControlEvent, error) {
	var ev ControlEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ControlEvent{}, malformed(data, "invalid json: %v", err)
	}
	if ev.Type == "" {
		return ControlEvent{}, malformed(data, "missing type")
	}
	if !ev.Type.IsValid() {
		return ControlEvent{}, malformed(data, "unknown control type %q", ev.Type)
	}
	if !ev.Mode.IsValid() {
		return ControlEvent{}, malformed(data, "unknown listen mode %q", ev.Mode)
	}
	if ev.Type == TypeMCP && len(ev.Payload) == 0 {
		return ControlEvent{}, malformed(data, "mcp frame without payload")
	}

	// Re-encode once so empty collections and whitespace inside raw payloads
	// take their canonical form.
	canon, err := json.Marshal(ev)
	if err != nil {
		return ControlEvent{}, malformed(data, "re-encode: %v", err)
	}
	var out ControlEvent
	if err := json.Unmarshal(canon, &out); err != nil {
		return ControlEvent{}, malformed(data, "re-decode: %v", err)
	}
	return out, nil
}

// EncodeControl serialises a control event.
func EncodeControl(ev ControlEvent) ([]byte, error) {
	if !ev.Type.IsValid() {
		return nil, fmt.Errorf("protocol: encode control: unknown type %q", ev.Type)
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode control: %w", err)
	}
	return data, nil
}
