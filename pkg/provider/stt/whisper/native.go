package whisper

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/vocalink/pkg/audio"
	"github.com/MrWong99/vocalink/pkg/provider/stt"
)

// Compile-time assertion that NativeProvider satisfies stt.Provider.
var _ stt.Provider = (*NativeProvider)(nil)

// modelSampleRate is the only rate whisper.cpp accepts.
const modelSampleRate = 16000

// nativeModel is a loaded whisper.cpp model. Implementations must allow
// concurrent transcribe calls.
type nativeModel interface {
	transcribe(samples []float32, language string) (string, error)
	Close() error
}

// loadModel opens the model at path. It is replaced in tests.
var loadModel = loadCGOModel

// NativeProvider implements stt.Provider with the whisper.cpp Go bindings,
// without a whisper-server in between. The model is loaded once and shared
// by all sessions. Sessions use the same batch semantics as [Provider].
//
// The bindings are compiled in with the whispercpp build tag; libwhisper.a
// and whisper.h must be on LIBRARY_PATH and C_INCLUDE_PATH. Without the tag
// [NewNative] fails with [stt.ErrUnavailable].
type NativeProvider struct {
	model               nativeModel
	language            string
	maxBufferDurationMs int

	// inferMu serialises inference.
	inferMu sync.Mutex
}

// NativeOption is a functional option for configuring a NativeProvider.
type NativeOption func(*NativeProvider)

// WithNativeLanguage sets the language code for transcription (e.g., "en",
// "de"). Defaults to "en".
func WithNativeLanguage(lang string) NativeOption {
	return func(p *NativeProvider) { p.language = lang }
}

// WithNativeMaxBufferDurationMs caps the audio kept per session. Defaults to
// 30 000 ms.
func WithNativeMaxBufferDurationMs(ms int) NativeOption {
	return func(p *NativeProvider) { p.maxBufferDurationMs = ms }
}

// NewNative loads the ggml model file at modelPath. The caller must call
// Close when the provider is no longer needed.
func NewNative(modelPath string, opts ...NativeOption) (*NativeProvider, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := loadModel(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}
	p := &NativeProvider{
		model:               model,
		language:            defaultLanguage,
		maxBufferDurationMs: defaultMaxBufferDurationMs,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Close releases the model.
func (p *NativeProvider) Close() error {
	if p.model == nil {
		return nil
	}
	return p.model.Close()
}

// StartStream opens a new transcription session. Audio of any rate and
// channel count is accepted and converted to 16 kHz mono before inference.
func (p *NativeProvider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: start stream: %w", err)
	}
	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	f := audio.Format{SampleRate: cfg.SampleRate, Channels: cfg.Channels}
	if f.SampleRate <= 0 {
		f.SampleRate = modelSampleRate
	}
	if f.Channels <= 0 {
		f.Channels = 1
	}
	return newSession(ctx, p.infer, lang, f, p.maxBufferDurationMs), nil
}

func (p *NativeProvider) infer(ctx context.Context, pcm []byte, f audio.Format, language string) (string, error) {
	samples := pcmToFloat32(audio.Convert(pcm, f, audio.Format{SampleRate: modelSampleRate, Channels: 1}))

	p.inferMu.Lock()
	defer p.inferMu.Unlock()
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("whisper: inference: %w: %w", stt.ErrTimeout, err)
	}
	text, err := p.model.transcribe(samples, baseLanguage(language))
	if err != nil {
		return "", fmt.Errorf("whisper: inference: %w: %w", stt.ErrUnavailable, err)
	}
	return text, nil
}

// baseLanguage trims a region subtag. whisper.cpp knows "de", not "de-DE".
func baseLanguage(lang string) string {
	for i := range len(lang) {
		if lang[i] == '-' || lang[i] == '_' {
			return lang[:i]
		}
	}
	return lang
}
