// Package openai provides a TTS provider backed by the OpenAI speech API.
//
// Every text fragment becomes one POST /audio/speech request with raw PCM
// output (24 kHz, mono, 16-bit). Fragments are synthesised in order and the
// response bodies are streamed onto the audio channel as they arrive.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/vocalink/pkg/audio"
	"github.com/MrWong99/vocalink/pkg/provider/tts"
	"github.com/MrWong99/vocalink/pkg/types"
)

const (
	defaultModel = "gpt-4o-mini-tts"
	defaultVoice = "alloy"

	// readChunk is 100 ms of 24 kHz mono PCM.
	readChunk = 4800
)

// Compile-time assertion that Provider implements tts.Provider.
var _ tts.Provider = (*Provider)(nil)

// builtinVoices are the voices the speech endpoint accepts.
var builtinVoices = []oai.AudioSpeechNewParamsVoice{
	oai.AudioSpeechNewParamsVoiceAlloy,
	oai.AudioSpeechNewParamsVoiceAsh,
	oai.AudioSpeechNewParamsVoiceBallad,
	oai.AudioSpeechNewParamsVoiceCoral,
	oai.AudioSpeechNewParamsVoiceEcho,
	oai.AudioSpeechNewParamsVoiceSage,
	oai.AudioSpeechNewParamsVoiceShimmer,
	oai.AudioSpeechNewParamsVoiceVerse,
}

// Provider implements tts.Provider using the OpenAI speech API.
type Provider struct {
	client       oai.Client
	model        string
	voice        string
	instructions string
}

type config struct {
	baseURL      string
	model        string
	voice        string
	instructions string
	timeout      time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithModel selects the speech model (e.g. "tts-1", "gpt-4o-mini-tts").
func WithModel(model string) Option {
	return func(c *config) { c.model = model }
}

// WithDefaultVoice sets the voice used when the caller's profile has no ID.
func WithDefaultVoice(voice string) Option {
	return func(c *config) { c.voice = voice }
}

// WithInstructions sets speaking-style instructions for models that accept
// them.
func WithInstructions(s string) Option {
	return func(c *config) { c.instructions = s }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// New constructs an OpenAI TTS Provider.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai tts: apiKey must not be empty")
	}
	cfg := &config{model: defaultModel, voice: defaultVoice}
	for _, o := range opts {
		o(cfg)
	}
	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithRequestTimeout(cfg.timeout))
	}
	return &Provider{
		client:       oai.NewClient(reqOpts...),
		model:        cfg.model,
		voice:        cfg.voice,
		instructions: cfg.instructions,
	}, nil
}

// Format is fixed by the API: 24 kHz mono PCM.
func (p *Provider) Format() audio.Format { return audio.Format{SampleRate: 24000, Channels: 1} }

// ListVoices returns the built-in voices.
func (p *Provider) ListVoices(context.Context) ([]types.VoiceProfile, error) {
	out := make([]types.VoiceProfile, len(builtinVoices))
	for i, v := range builtinVoices {
		out[i] = types.VoiceProfile{ID: string(v), Name: string(v), Provider: "openai"}
	}
	return out, nil
}

// SynthesizeStream waits for the first non-blank fragment and requests it
// before returning, so an unreachable API is reported as tts.ErrUnavailable.
// Later fragments are requested in order in the background; a failure there
// closes the audio channel early.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (<-chan []byte, error) {
	out := make(chan []byte, 64)

	first, ok, err := nextFragment(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("openai tts: %w", err)
	}
	if !ok {
		close(out)
		return out, nil
	}
	body, err := p.request(ctx, first, voice)
	if err != nil {
		return nil, err
	}

	go func() {
		defer close(out)
		for {
			if !pump(ctx, body, out) {
				return
			}
			frag, ok, err := nextFragment(ctx, text)
			if err != nil || !ok {
				return
			}
			if body, err = p.request(ctx, frag, voice); err != nil {
				return
			}
		}
	}()
	return out, nil
}

func (p *Provider) request(ctx context.Context, input string, voice types.VoiceProfile) (io.ReadCloser, error) {
	v := voice.ID
	if v == "" {
		v = p.voice
	}
	params := oai.AudioSpeechNewParams{
		Input:          input,
		Model:          p.model,
		Voice:          oai.AudioSpeechNewParamsVoice(v),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatPCM,
	}
	if voice.SpeedFactor > 0 {
		params.Speed = oai.Float(voice.SpeedFactor)
	}
	if p.instructions != "" {
		params.Instructions = oai.String(p.instructions)
	}
	resp, err := p.client.Audio.Speech.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai tts: speech: %w: %w", tts.ErrUnavailable, err)
	}
	return resp.Body, nil
}

// pump copies body onto out in readChunk pieces and closes it. It reports
// whether the body was read to the end.
func pump(ctx context.Context, body io.ReadCloser, out chan<- []byte) bool {
	defer body.Close()
	// Keep sample alignment across reads.
	var carry []byte
	buf := make([]byte, readChunk)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			chunk := append(carry, buf[:n]...)
			even := len(chunk) &^ 1
			carry = append([]byte(nil), chunk[even:]...)
			if even > 0 {
				select {
				case out <- chunk[:even]:
				case <-ctx.Done():
					return false
				}
			}
		}
		if err == io.EOF {
			return true
		}
		if err != nil {
			return false
		}
	}
}

// nextFragment returns the next non-blank fragment. ok is false when text is
// closed.
func nextFragment(ctx context.Context, text <-chan string) (string, bool, error) {
	for {
		select {
		case s, ok := <-text:
			if !ok {
				return "", false, nil
			}
			if s = strings.TrimSpace(s); s != "" {
				return s, true, nil
			}
		case <-ctx.Done():
			return "", false, ctx.Err()
		}
	}
}
