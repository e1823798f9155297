// Package whisper provides a whisper.cpp-backed STT provider.
//
// It talks to a running whisper-server binary, which exposes a REST API at
// POST /inference. whisper.cpp is a batch engine: a session buffers the PCM of
// one utterance and submits it as a single WAV upload when the session is
// closed. Close then delivers exactly one final transcript. No partials are
// produced.
//
// Usage:
//
//	p, err := whisper.New("http://localhost:8080", whisper.WithLanguage("en"))
//	handle, err := p.StartStream(ctx, cfg)
//	handle.SendAudio(pcmChunk)
//	handle.Close() // uploads the utterance
//	transcript := <-handle.Finals()
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/vocalink/pkg/audio"
	"github.com/MrWong99/vocalink/pkg/provider/stt"
	"github.com/MrWong99/vocalink/pkg/types"
)

const (
	defaultLanguage            = "en"
	defaultSampleRate          = 16000
	defaultMaxBufferDurationMs = 30_000
	defaultTimeout             = 30 * time.Second
)

// Compile-time assertion that Provider implements stt.Provider.
var _ stt.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model identifier forwarded to the whisper.cpp server
// (e.g., "base.en", "small"). When empty the server uses whichever model it
// was started with.
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the language code sent to the whisper.cpp server
// (e.g., "en", "de", "fr"). Defaults to "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) {
		p.language = lang
	}
}

// WithSampleRate sets the default audio sample rate in Hz, used when the
// stream config leaves it zero. Defaults to 16000.
func WithSampleRate(rate int) Option {
	return func(p *Provider) {
		p.sampleRate = rate
	}
}

// WithMaxBufferDurationMs caps the audio kept per session. Audio beyond the
// cap is discarded. Defaults to 30 000 ms.
func WithMaxBufferDurationMs(ms int) Option {
	return func(p *Provider) {
		p.maxBufferDurationMs = ms
	}
}

// WithTimeout bounds a single inference request. Defaults to 30 s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.httpClient.Timeout = d
	}
}

// WithHTTPClient replaces the HTTP client used for inference requests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// Provider implements stt.Provider backed by a whisper.cpp HTTP server.
// Multiple sessions may be open simultaneously; each keeps its own buffer.
type Provider struct {
	serverURL           string
	model               string
	language            string
	sampleRate          int
	maxBufferDurationMs int
	httpClient          *http.Client
}

// New creates a new Provider that connects to the whisper.cpp HTTP server at
// serverURL (e.g., "http://localhost:8080"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:           strings.TrimRight(serverURL, "/"),
		language:            defaultLanguage,
		sampleRate:          defaultSampleRate,
		maxBufferDurationMs: defaultMaxBufferDurationMs,
		httpClient:          &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream opens a new transcription session. No network connection is
// made until Close. cfg.SampleRate, cfg.Channels and cfg.Language override
// the provider defaults when set.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: start stream: %w", err)
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	f := audio.Format{SampleRate: cfg.SampleRate, Channels: cfg.Channels}
	if f.SampleRate <= 0 {
		f.SampleRate = p.sampleRate
	}
	if f.Channels <= 0 {
		f.Channels = 1
	}

	return newSession(ctx, p.infer, lang, f, p.maxBufferDurationMs), nil
}

// ---- session ----------------------------------------------------------------

// inferFunc transcribes one utterance of pcm in format f.
type inferFunc func(ctx context.Context, pcm []byte, f audio.Format, language string) (string, error)

// session is one utterance buffered for batch inference. It implements
// stt.SessionHandle for both the server and the native provider.
type session struct {
	ctx      context.Context
	infer    inferFunc
	language string
	format   audio.Format
	maxBytes int

	partials chan types.Transcript
	finals   chan types.Transcript

	mu     sync.Mutex
	buffer []byte
	closed bool
	err    error
}

func newSession(ctx context.Context, infer inferFunc, language string, f audio.Format, maxBufferMs int) *session {
	return &session{
		ctx:      ctx,
		infer:    infer,
		language: language,
		format:   f,
		maxBytes: f.BytesFor(time.Duration(maxBufferMs) * time.Millisecond),
		partials: make(chan types.Transcript),
		finals:   make(chan types.Transcript, 1),
	}
}

// SendAudio appends a chunk of 16-bit little-endian PCM to the utterance.
// Calling SendAudio after Close returns an error.
func (s *session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("whisper: session is closed")
	}
	if room := s.maxBytes - len(s.buffer); s.maxBytes > 0 && room < len(chunk) {
		chunk = chunk[:max(room, 0)]
	}
	s.buffer = append(s.buffer, chunk...)
	return nil
}

// Partials returns a channel that never carries values; it is closed by Close.
func (s *session) Partials() <-chan types.Transcript { return s.partials }

// Finals returns the channel that receives the single final transcript.
func (s *session) Finals() <-chan types.Transcript { return s.finals }

// SetKeywords is not supported: whisper.cpp has no keyword boosting.
func (s *session) SetKeywords([]types.KeywordBoost) error {
	return fmt.Errorf("whisper: keywords: %w", stt.ErrNotSupported)
}

// Close uploads the buffered utterance, delivers the final transcript and
// closes both channels. An utterance without audio produces no request and no
// final. Calling Close more than once returns the first result.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		err := s.err
		s.mu.Unlock()
		return err
	}
	s.closed = true
	pcm := s.buffer
	s.buffer = nil
	s.mu.Unlock()

	defer close(s.partials)
	defer close(s.finals)

	if len(pcm) == 0 {
		return nil
	}
	text, err := s.infer(s.ctx, pcm, s.format, s.language)
	if err != nil {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		return err
	}
	s.finals <- types.Transcript{
		Text:     strings.TrimSpace(text),
		IsFinal:  true,
		Language: s.language,
		Duration: s.format.DurationOf(len(pcm)),
	}
	return nil
}

// infer encodes pcm as a WAV file and POSTs it to the whisper.cpp /inference
// endpoint as multipart/form-data.
func (p *Provider) infer(ctx context.Context, pcm []byte, f audio.Format, language string) (string, error) {
	wav, err := audio.EncodeWAV(pcm, f)
	if err != nil {
		return "", fmt.Errorf("whisper: encode wav: %w", err)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return "", fmt.Errorf("whisper: write wav data: %w", err)
	}
	fields := map[string]string{"response_format": "json", "language": language, "model": p.model}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := mw.WriteField(k, v); err != nil {
			return "", fmt.Errorf("whisper: write %s field: %w", k, err)
		}
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+"/inference", &body)
	if err != nil {
		return "", fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return "", fmt.Errorf("whisper: inference: %w: %w", stt.ErrTimeout, err)
		}
		return "", fmt.Errorf("whisper: inference: %w: %w", stt.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("whisper: inference: %w: HTTP %d: %s", stt.ErrUnavailable, resp.StatusCode, bytes.TrimSpace(msg))
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("whisper: inference: %w: decode response: %w", stt.ErrUnavailable, err)
	}
	return result.Text, nil
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
