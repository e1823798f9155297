package protocol_test

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	"github.com/MrWong99/vocalink/pkg/audio"
	"github.com/MrWong99/vocalink/pkg/protocol"
)

func TestRoundTrip_Audio(t *testing.T) {
	t.Parallel()

	frames := []audio.Frame{
		{Seq: 0, TimestampMs: 0, Codec: audio.CodecOpus, Data: []byte{}},
		{Seq: 1, TimestampMs: 60, Codec: audio.CodecOpus, Data: []byte{0xde, 0xad, 0xbe, 0xef}},
		{Seq: 0xFFFFFFFF, TimestampMs: 0xFFFFFFFF, Codec: audio.CodecPCM16, Data: make([]byte, 1920)},
		{Seq: 42, TimestampMs: 2520, Codec: audio.CodecPCM16, Data: make([]byte, protocol.MaxPayload)},
	}
	for _, f := range frames {
		data, err := protocol.Encode(protocol.AudioMessage(f))
		if err != nil {
			t.Fatalf("Encode(seq=%d): %v", f.Seq, err)
		}
		if len(data) != protocol.HeaderSize+len(f.Data) {
			t.Errorf("encoded len = %d, want %d", len(data), protocol.HeaderSize+len(f.Data))
		}
		got, err := protocol.Decode(data)
		if err != nil {
			t.Fatalf("Decode(seq=%d): %v", f.Seq, err)
		}
		if got.Kind != protocol.KindAudio {
			t.Fatalf("Kind = %v, want audio", got.Kind)
		}
		if !reflect.DeepEqual(got.Audio, f) {
			t.Errorf("round trip = %+v, want %+v", got.Audio, f)
		}
	}
}

func TestRoundTrip_DecodedControl(t *testing.T) {
	t.Parallel()

	inputs := []string{
		`{"type":"listen.start","mode":"auto"}`,
		`{"type":"listen.stop"}`,
		`{"type":"wake.detected","text":"hey there"}`,
		`{"type":"abort","reason":"wake_word_detected"}`,
		`{"type":"tts.start","session_id":"s1"}`,
		`{"type":"tts.stop"}`,
		`{"type":"transcript.partial","text":"turn on"}`,
		`{"type":"transcript.final","text":"turn on the light"}`,
		`{"type":"error","code":"stt_timeout","message":"speech recognition timed out"}`,
		`{"type":"hello","version":1,"audio_params":{"format":"opus","sample_rate":16000,"channels":1,"frame_duration":60},"features":{"mcp":true}}`,
		`{"type":"iot.descriptors","descriptors":[{"name":"lamp","properties":{"power":{"type":"boolean"}},"methods":{"on":{},"set":{"parameters":{"level":{"type":"number"}}}}}]}`,
		`{"type":"iot.states","states":[{"name":"lamp","state":{"power":true,"level":3}}]}`,
		`{"type":"iot.command","commands":[{"name":"lamp","method":"on","parameters":{}}]}`,
		`{"type":"mcp","payload": { "jsonrpc" : "2.0", "id": 1, "result": {} } }`,
		`{"type":"goodbye","unknown_field":"ignored"}`,
	}
	for _, in := range inputs {
		first, err := protocol.Decode([]byte(in))
		if err != nil {
			t.Fatalf("Decode(%s): %v", in, err)
		}
		data, err := protocol.Encode(first)
		if err != nil {
			t.Fatalf("Encode(%s): %v", in, err)
		}
		second, err := protocol.Decode(data)
		if err != nil {
			t.Fatalf("Decode(Encode(%s)): %v", in, err)
		}
		if !reflect.DeepEqual(first, second) {
			t.Errorf("round trip mismatch for %s:\n got %+v\nwant %+v", in, second, first)
		}
	}
}

func TestRoundTrip_ConstructedControl(t *testing.T) {
	t.Parallel()

	ev := protocol.ControlEvent{
		Type: protocol.TypeIoTCommand,
		Commands: []protocol.IoTCommand{
			{Name: "light", Method: "on", Parameters: map[string]any{"brightness": float64(80)}},
		},
	}
	data, err := protocol.EncodeControl(ev)
	if err != nil {
		t.Fatalf("EncodeControl: %v", err)
	}
	got, err := protocol.DecodeControl(data)
	if err != nil {
		t.Fatalf("DecodeControl: %v", err)
	}
	if !reflect.DeepEqual(got, ev) {
		t.Errorf("round trip = %+v, want %+v", got, ev)
	}
}

func TestDecode_Malformed(t *testing.T) {
	t.Parallel()

	valid, err := protocol.EncodeAudio(audio.Frame{Seq: 1, Codec: audio.CodecOpus, Data: []byte{1, 2, 3, 4}})
	if err != nil {
		t.Fatalf("EncodeAudio: %v", err)
	}

	badVersion := append([]byte(nil), valid...)
	badVersion[0] = 9
	badCodec := append([]byte(nil), valid...)
	badCodec[1] = 200

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"short header", valid[:5]},
		{"truncated payload", valid[:len(valid)-1]},
		{"trailing bytes", append(append([]byte(nil), valid...), 0)},
		{"bad version", badVersion},
		{"bad codec", badCodec},
		{"invalid json", []byte(`{"type":`)},
		{"missing type", []byte(`{"text":"hi"}`)},
		{"unknown type", []byte(`{"type":"dance"}`)},
		{"unknown mode", []byte(`{"type":"listen.start","mode":"psychic"}`)},
		{"mcp without payload", []byte(`{"type":"mcp"}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := protocol.Decode(tt.data)
			if !errors.Is(err, protocol.ErrMalformedFrame) {
				t.Fatalf("Decode error = %v, want ErrMalformedFrame", err)
			}
			var fe *protocol.FrameError
			if !errors.As(err, &fe) {
				t.Fatalf("error %T is not *FrameError", err)
			}
			if fe.Len != len(tt.data) {
				t.Errorf("FrameError.Len = %d, want %d", fe.Len, len(tt.data))
			}
		})
	}
}

func TestEncode_Rejects(t *testing.T) {
	t.Parallel()

	if _, err := protocol.EncodeAudio(audio.Frame{Codec: 0}); err == nil {
		t.Error("EncodeAudio with zero codec should fail")
	}
	if _, err := protocol.EncodeAudio(audio.Frame{Codec: audio.CodecPCM16, Data: make([]byte, protocol.MaxPayload+1)}); err == nil {
		t.Error("EncodeAudio with oversized payload should fail")
	}
	if _, err := protocol.EncodeControl(protocol.ControlEvent{Type: "nope"}); err == nil {
		t.Error("EncodeControl with unknown type should fail")
	}
	if _, err := protocol.Encode(protocol.Message{}); err == nil {
		t.Error("Encode with zero kind should fail")
	}
}

func TestEncodeControl_OmitsEmptyFields(t *testing.T) {
	t.Parallel()

	data, err := protocol.EncodeControl(protocol.ControlEvent{Type: protocol.TypeTTSStart})
	if err != nil {
		t.Fatalf("EncodeControl: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(m) != 1 || m["type"] != "tts.start" {
		t.Errorf("encoded = %s, want only the type field", data)
	}
}

func TestMalformedLimiter(t *testing.T) {
	t.Parallel()

	l := protocol.NewMalformedLimiter(3)
	if l.Malformed() || l.Malformed() {
		t.Fatal("limiter tripped before the limit")
	}
	l.OK()
	if l.Malformed() || l.Malformed() {
		t.Fatal("OK should reset the consecutive count")
	}
	if !l.Malformed() {
		t.Error("third consecutive malformed frame should trip the limiter")
	}
	if l.Total() != 5 {
		t.Errorf("Total = %d, want 5", l.Total())
	}

	never := protocol.NewMalformedLimiter(0)
	for range 100 {
		if never.Malformed() {
			t.Fatal("zero limit should never trip")
		}
	}
}
