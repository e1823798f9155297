package energy_test

import (
	"math"
	"testing"

	"github.com/MrWong99/vocalink/pkg/audio"
	"github.com/MrWong99/vocalink/pkg/provider/vad"
	"github.com/MrWong99/vocalink/pkg/provider/vad/energy"
)

func tone(n int, amp float64) []byte {
	s := make([]int16, n)
	for i := range s {
		s[i] = int16(amp * 32767 * math.Sin(2*math.Pi*440*float64(i)/16000))
	}
	return audio.Bytes(s)
}

func newSession(t *testing.T) vad.SessionHandle {
	t.Helper()
	s, err := energy.New().NewSession(vad.Config{
		SampleRate:       16000,
		FrameSizeMs:      20,
		SpeechThreshold:  0.5,
		SilenceThreshold: 0.3,
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return s
}

func TestProcessFrame_Transitions(t *testing.T) {
	t.Parallel()

	s := newSession(t)
	silence := audio.Silence(640)
	speech := tone(320, 0.3)

	want := []struct {
		frame []byte
		typ   vad.EventType
	}{
		{silence, vad.Silence},
		{speech, vad.SpeechStart},
		{speech, vad.SpeechContinue},
		{silence, vad.SpeechEnd},
		{silence, vad.Silence},
	}
	for i, w := range want {
		ev, err := s.ProcessFrame(w.frame)
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if ev.Type != w.typ {
			t.Errorf("frame %d: type = %v, want %v", i, ev.Type, w.typ)
		}
	}
}

func TestProcessFrame_Probability(t *testing.T) {
	t.Parallel()

	s := newSession(t)
	ev, err := s.ProcessFrame(tone(320, 0.9))
	if err != nil {
		t.Fatalf("ProcessFrame: %v", err)
	}
	if ev.Probability != 1 {
		t.Errorf("loud probability = %v, want 1", ev.Probability)
	}
	ev, _ = s.ProcessFrame(audio.Silence(640))
	if ev.Probability != 0 {
		t.Errorf("silent probability = %v, want 0", ev.Probability)
	}
}

func TestProcessFrame_WrongSize(t *testing.T) {
	t.Parallel()

	s := newSession(t)
	if _, err := s.ProcessFrame(make([]byte, 100)); err == nil {
		t.Error("expected error for wrong frame size")
	}
	_ = s.Close()
	if _, err := s.ProcessFrame(audio.Silence(640)); err == nil {
		t.Error("expected error after Close")
	}
}

func TestNewSession_Validation(t *testing.T) {
	t.Parallel()

	bad := []vad.Config{
		{SampleRate: 0, FrameSizeMs: 20, SpeechThreshold: 0.5},
		{SampleRate: 16000, FrameSizeMs: 0, SpeechThreshold: 0.5},
		{SampleRate: 16000, FrameSizeMs: 20, SpeechThreshold: 0},
		{SampleRate: 16000, FrameSizeMs: 20, SpeechThreshold: 0.5, SilenceThreshold: 0.7},
	}
	for _, cfg := range bad {
		if _, err := energy.New().NewSession(cfg); err == nil {
			t.Errorf("NewSession(%+v) should fail", cfg)
		}
	}
}
