package audio_test

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/MrWong99/vocalink/pkg/audio"
)

func TestRMS(t *testing.T) {
	t.Parallel()

	if got := audio.RMS(nil); got != 0 {
		t.Errorf("RMS(nil) = %v, want 0", got)
	}
	if got := audio.RMS(audio.Silence(320)); got != 0 {
		t.Errorf("RMS(silence) = %v, want 0", got)
	}

	// A constant half-scale signal has RMS 0.5.
	samples := make([]int16, 160)
	for i := range samples {
		samples[i] = 16384
	}
	if got := audio.RMS(audio.Bytes(samples)); math.Abs(got-0.5) > 1e-3 {
		t.Errorf("RMS(half scale) = %v, want 0.5", got)
	}
}

func TestChunker(t *testing.T) {
	t.Parallel()

	c := audio.NewChunker(4)
	if got := c.Write([]byte{1, 2, 3}); len(got) != 0 {
		t.Fatalf("Write(3 bytes) returned %d frames, want 0", len(got))
	}
	got := c.Write([]byte{4, 5, 6, 7, 8, 9})
	if len(got) != 2 {
		t.Fatalf("frames = %d, want 2", len(got))
	}
	if !bytes.Equal(got[0], []byte{1, 2, 3, 4}) || !bytes.Equal(got[1], []byte{5, 6, 7, 8}) {
		t.Errorf("frames = %v", got)
	}
	tail := c.Flush()
	if !bytes.Equal(tail, []byte{9, 0, 0, 0}) {
		t.Errorf("Flush = %v, want [9 0 0 0]", tail)
	}
	if c.Flush() != nil {
		t.Error("second Flush should return nil")
	}
}

func TestFormatBytesAndDuration(t *testing.T) {
	t.Parallel()

	f := audio.Format{SampleRate: 16000, Channels: 1}
	if got := f.BytesFor(60 * time.Millisecond); got != 1920 {
		t.Errorf("BytesFor(60ms) = %d, want 1920", got)
	}
	if got := f.DurationOf(1920); got != 60*time.Millisecond {
		t.Errorf("DurationOf(1920) = %v, want 60ms", got)
	}
}

func TestWAVRoundTrip(t *testing.T) {
	t.Parallel()

	f := audio.Format{SampleRate: 16000, Channels: 2}
	pcm := audio.Bytes([]int16{1, -1, 2, -2, 3, -3})

	data, err := audio.EncodeWAV(pcm, f)
	if err != nil {
		t.Fatalf("EncodeWAV: %v", err)
	}
	if len(data) != 44+len(pcm) {
		t.Fatalf("wav len = %d, want %d", len(data), 44+len(pcm))
	}
	gotPCM, gotFormat, err := audio.DecodeWAV(data)
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if gotFormat != f {
		t.Errorf("format = %v, want %v", gotFormat, f)
	}
	if !bytes.Equal(gotPCM, pcm) {
		t.Errorf("pcm = %v, want %v", gotPCM, pcm)
	}
}

func TestDecodeWAV_Invalid(t *testing.T) {
	t.Parallel()
	if _, _, err := audio.DecodeWAV([]byte("not a wav")); err == nil {
		t.Error("expected error for short input")
	}
}

func TestDecodeWAV_SkipsExtraChunks(t *testing.T) {
	t.Parallel()
	f := audio.Format{SampleRate: 22050, Channels: 1}
	pcm := audio.Bytes([]int16{10, 20, 30})
	data, err := audio.EncodeWAV(pcm, f)
	if err != nil {
		t.Fatalf("EncodeWAV: %v", err)
	}
	// Insert an odd-sized LIST chunk between fmt and data and mark the data
	// size unknown.
	list := []byte{'L', 'I', 'S', 'T', 3, 0, 0, 0, 'a', 'b', 'c', 0}
	withList := append(append(append([]byte(nil), data[:36]...), list...), data[36:]...)
	binary.LittleEndian.PutUint32(withList[36+len(list)+4:], 0xFFFFFFFF)

	gotPCM, gotFormat, err := audio.DecodeWAV(withList)
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if gotFormat != f {
		t.Errorf("format = %v, want %v", gotFormat, f)
	}
	if !bytes.Equal(gotPCM, pcm) {
		t.Errorf("pcm = %v, want %v", gotPCM, pcm)
	}
}

func TestParseCodec(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]audio.Codec{"opus": audio.CodecOpus, "pcm16": audio.CodecPCM16, "pcm": audio.CodecPCM16} {
		got, err := audio.ParseCodec(in)
		if err != nil || got != want {
			t.Errorf("ParseCodec(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := audio.ParseCodec("mp3"); err == nil {
		t.Error("ParseCodec(mp3) should fail")
	}
}
