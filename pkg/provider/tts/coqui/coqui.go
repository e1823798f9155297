// Package coqui provides a TTS provider backed by a self-hosted Coqui TTS
// server.
//
// Two server flavours are supported:
//
//   - [APIModeStandard] (default) targets the stock Coqui TTS server
//     (ghcr.io/coqui-ai/tts-cpu): GET /api/tts with query parameters, voices
//     from GET /details.
//   - [APIModeXTTS] targets the XTTS v2 API server: POST /tts_to_audio/ with a
//     JSON body, voices from GET /studio_speakers.
//
// Both servers answer one WAV file per request, so every text fragment is
// one HTTP call. The WAV payload is converted to the provider's [Format] and
// emitted in fixed-size chunks.
//
//	p, err := coqui.New("http://localhost:5002", coqui.WithLanguage("de"))
package coqui

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/MrWong99/vocalink/pkg/audio"
	"github.com/MrWong99/vocalink/pkg/provider/tts"
	"github.com/MrWong99/vocalink/pkg/types"
)

var _ tts.Provider = (*Provider)(nil)

const (
	defaultLanguage   = "en"
	defaultTimeout    = 30 * time.Second
	defaultSampleRate = 22050

	apiTTSEndpoint         = "/api/tts"
	detailsEndpoint        = "/details"
	xttsEndpoint           = "/tts_to_audio/"
	studioSpeakersEndpoint = "/studio_speakers"

	// chunkSize is the size of each PCM chunk on the audio channel.
	chunkSize = 4096
)

// APIMode selects the Coqui server API.
type APIMode string

const (
	APIModeStandard APIMode = "standard"
	APIModeXTTS     APIMode = "xtts"
)

// ParseAPIMode maps a configuration value to an APIMode. Empty means
// [APIModeStandard].
func ParseAPIMode(s string) (APIMode, error) {
	switch APIMode(strings.ToLower(s)) {
	case "", APIModeStandard:
		return APIModeStandard, nil
	case APIModeXTTS:
		return APIModeXTTS, nil
	default:
		return "", fmt.Errorf("coqui: unknown api mode %q", s)
	}
}

// Option is a functional option for [New].
type Option func(*Provider)

// WithLanguage sets the language sent when the voice profile has none.
// Default "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithTimeout sets the per-request HTTP timeout. Default 30s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.client.Timeout = d }
}

// WithAPIMode selects the server API. Default [APIModeStandard].
func WithAPIMode(mode APIMode) Option {
	return func(p *Provider) { p.mode = mode }
}

// WithSampleRate sets the rate of the emitted PCM. Server output at another
// rate is resampled. Default 22050 Hz, the rate of most Coqui models.
func WithSampleRate(rate int) Option {
	return func(p *Provider) { p.format.SampleRate = rate }
}

// WithHTTPClient replaces the HTTP client. The timeout option still applies.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// Provider implements [tts.Provider] against a Coqui server. It is safe for
// concurrent use.
type Provider struct {
	serverURL string
	language  string
	mode      APIMode
	format    audio.Format
	client    *http.Client
}

// New creates a Provider for the server at serverURL.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("coqui: serverURL must not be empty")
	}
	p := &Provider{
		serverURL: strings.TrimRight(serverURL, "/"),
		language:  defaultLanguage,
		mode:      APIModeStandard,
		format:    audio.Format{SampleRate: defaultSampleRate, Channels: 1},
		client:    &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	if p.format.SampleRate <= 0 {
		return nil, fmt.Errorf("coqui: sample rate must be positive, got %d", p.format.SampleRate)
	}
	return p, nil
}

// Format implements [tts.Provider].
func (p *Provider) Format() audio.Format { return p.format }

// SynthesizeStream implements [tts.Provider]. The first non-blank fragment is
// synthesised before returning, so an unreachable server is reported as
// [tts.ErrUnavailable]. Later fragments are synthesised in order; a failure
// there closes the audio channel early.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (<-chan []byte, error) {
	if voice.ID == "" && p.mode == APIModeXTTS {
		return nil, fmt.Errorf("coqui: %w: xtts mode needs a voice id", tts.ErrUnavailable)
	}
	out := make(chan []byte, 64)

	first, ok, err := nextFragment(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("coqui: %w", err)
	}
	if !ok {
		close(out)
		return out, nil
	}
	pcm, err := p.synthesize(ctx, first, voice)
	if err != nil {
		return nil, err
	}

	go func() {
		defer close(out)
		for {
			if !emit(ctx, pcm, out) {
				return
			}
			frag, ok, err := nextFragment(ctx, text)
			if err != nil || !ok {
				return
			}
			if pcm, err = p.synthesize(ctx, frag, voice); err != nil {
				return
			}
		}
	}()
	return out, nil
}

// xttsRequest is the body of POST /tts_to_audio/.
type xttsRequest struct {
	Text       string `json:"text"`
	SpeakerWav string `json:"speaker_wav"`
	Language   string `json:"language"`
}

func (p *Provider) synthesize(ctx context.Context, sentence string, voice types.VoiceProfile) ([]byte, error) {
	lang := p.lang(voice)

	var req *http.Request
	var err error
	switch p.mode {
	case APIModeXTTS:
		body, merr := json.Marshal(xttsRequest{Text: sentence, SpeakerWav: voice.ID, Language: lang})
		if merr != nil {
			return nil, fmt.Errorf("coqui: marshal request: %w", merr)
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+xttsEndpoint, bytes.NewReader(body))
		if err == nil {
			req.Header.Set("Content-Type", "application/json")
		}
	default:
		q := url.Values{"text": {sentence}}
		if voice.ID != "" {
			q.Set("speaker_id", voice.ID)
		}
		if lang != "" {
			q.Set("language_id", lang)
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+apiTTSEndpoint+"?"+q.Encode(), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("coqui: create request: %w", err)
	}
	req.Header.Set("Accept", "audio/wav")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coqui: %s %s: %w: %w", req.Method, req.URL.Path, tts.ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("coqui: %s %s: %w: status %d: %s",
			req.Method, req.URL.Path, tts.ErrUnavailable, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("coqui: read response: %w: %w", tts.ErrUnavailable, err)
	}
	pcm, f, err := audio.DecodeWAV(wav)
	if err != nil {
		return nil, fmt.Errorf("coqui: %w: %w", tts.ErrUnavailable, err)
	}
	return audio.Convert(pcm, f, p.format), nil
}

// lang returns the two-letter language for voice, falling back to the
// configured one. Coqui expects "de", not "de-DE".
func (p *Provider) lang(voice types.VoiceProfile) string {
	l := cmp.Or(voice.Language, p.language)
	if i := strings.IndexAny(l, "-_"); i > 0 {
		l = l[:i]
	}
	return strings.ToLower(l)
}

// ListVoices implements [tts.Provider].
func (p *Provider) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	if p.mode == APIModeXTTS {
		var speakers map[string]json.RawMessage
		if err := p.getJSON(ctx, studioSpeakersEndpoint, &speakers); err != nil {
			return nil, err
		}
		names := make([]string, 0, len(speakers))
		for name := range speakers {
			names = append(names, name)
		}
		return profiles(names, map[string]string{"type": "studio"}), nil
	}

	var details struct {
		ModelName string   `json:"model_name"`
		Speakers  []string `json:"speakers"`
	}
	if err := p.getJSON(ctx, detailsEndpoint, &details); err != nil {
		return nil, err
	}
	if len(details.Speakers) == 0 {
		name := cmp.Or(details.ModelName, "default")
		return profiles([]string{name}, map[string]string{"type": "single-speaker"}), nil
	}
	return profiles(slices.Clone(details.Speakers), map[string]string{"type": "speaker", "model_name": details.ModelName}), nil
}

func (p *Provider) getJSON(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+path, nil)
	if err != nil {
		return fmt.Errorf("coqui: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("coqui: GET %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("coqui: GET %s returned status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("coqui: decode %s: %w", path, err)
	}
	return nil
}

// profiles builds sorted voice profiles sharing meta.
func profiles(names []string, meta map[string]string) []types.VoiceProfile {
	slices.Sort(names)
	out := make([]types.VoiceProfile, len(names))
	for i, n := range names {
		out[i] = types.VoiceProfile{ID: n, Name: n, Provider: "coqui", Metadata: maps.Clone(meta)}
	}
	return out
}

// emit sends pcm on out in chunkSize pieces. It reports false once ctx is
// done.
func emit(ctx context.Context, pcm []byte, out chan<- []byte) bool {
	for len(pcm) > 0 {
		n := min(chunkSize, len(pcm))
		select {
		case out <- pcm[:n]:
		case <-ctx.Done():
			return false
		}
		pcm = pcm[n:]
	}
	return true
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
