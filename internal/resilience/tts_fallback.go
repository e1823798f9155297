package resilience

import (
	"context"

	"github.com/MrWong99/vocalink/pkg/audio"
	"github.com/MrWong99/vocalink/pkg/provider/tts"
	"github.com/MrWong99/vocalink/pkg/types"
)

// TTSFallback implements [tts.Provider] with failover across several
// synthesis backends, each behind its own circuit breaker. Audio from a
// fallback is converted to the primary's format so the session pipeline
// sees one format regardless of which backend answered.
type TTSFallback struct {
	group *FallbackGroup[tts.Provider]
}

var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred backend.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional backend.
func (f *TTSFallback) AddFallback(name string, provider tts.Provider) {
	f.group.AddFallback(name, provider)
}

// SynthesizeStream starts synthesis on the first healthy backend. The text
// channel can be consumed only once, so failover covers stream setup only.
func (f *TTSFallback) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (<-chan []byte, error) {
	want := f.Format()
	return ExecuteWithResult(f.group, func(p tts.Provider) (<-chan []byte, error) {
		ch, err := p.SynthesizeStream(ctx, text, voice)
		if err != nil {
			return nil, err
		}
		if got := p.Format(); got != want {
			return convertStream(ctx, ch, got, want), nil
		}
		return ch, nil
	})
}

// ListVoices returns voices from the first healthy backend.
func (f *TTSFallback) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	return ExecuteWithResult(f.group, func(p tts.Provider) ([]types.VoiceProfile, error) {
		return p.ListVoices(ctx)
	})
}

// Format returns the primary's output format.
func (f *TTSFallback) Format() audio.Format {
	return f.group.Primary().Format()
}

func convertStream(ctx context.Context, in <-chan []byte, from, to audio.Format) <-chan []byte {
	out := make(chan []byte, cap(in))
	go func() {
		defer close(out)
		for chunk := range in {
			select {
			case out <- audio.Convert(chunk, from, to):
			case <-ctx.Done():
				for range in {
				}
				return
			}
		}
	}()
	return out
}
