// Package google provides a Google Cloud Speech-to-Text provider using the
// v1 StreamingRecognize gRPC API. It implements the stt.Provider interface.
//
// Credentials come from Application Default Credentials, typically the
// GOOGLE_APPLICATION_CREDENTIALS environment variable.
package google

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/MrWong99/vocalink/pkg/provider/stt"
	"github.com/MrWong99/vocalink/pkg/types"
)

const (
	defaultLanguage     = "en-US"
	defaultSampleRate   = 16000
	defaultFlushTimeout = 5 * time.Second
)

// Compile-time assertion that Provider implements stt.Provider.
var _ stt.Provider = (*Provider)(nil)

// openFunc opens one bidirectional recognition stream.
type openFunc func(ctx context.Context) (speechpb.Speech_StreamingRecognizeClient, error)

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithLanguage sets the default BCP-47 language code (e.g. "en-US", "de-DE").
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithModel selects a recognition model such as "latest_short" or
// "command_and_search".
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithFlushTimeout bounds how long Close waits for the remaining results.
func WithFlushTimeout(d time.Duration) Option {
	return func(p *Provider) { p.flushTimeout = d }
}

// Provider implements stt.Provider backed by Google Cloud Speech.
type Provider struct {
	open         openFunc
	closer       io.Closer
	language     string
	model        string
	flushTimeout time.Duration
}

// New dials the Speech API. The returned Provider must be closed with Close.
func New(ctx context.Context, opts ...Option) (*Provider, error) {
	client, err := speech.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("google stt: new client: %w", err)
	}
	p := newProvider(func(ctx context.Context) (speechpb.Speech_StreamingRecognizeClient, error) {
		return client.StreamingRecognize(ctx)
	}, client, opts...)
	return p, nil
}

func newProvider(open openFunc, closer io.Closer, opts ...Option) *Provider {
	p := &Provider{
		open:         open,
		closer:       closer,
		language:     defaultLanguage,
		flushTimeout: defaultFlushTimeout,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Close releases the underlying gRPC connection.
func (p *Provider) Close() error {
	if p.closer == nil {
		return nil
	}
	return p.closer.Close()
}

// StartStream opens a StreamingRecognize call and sends the recognition
// config. Keyword boosts become a speech context.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	sctx, cancel := context.WithCancel(ctx)
	stream, err := p.open(sctx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("google stt: open stream: %w", classify(err))
	}
	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	if err := stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config:         p.recognitionConfig(cfg, lang),
				InterimResults: true,
			},
		},
	}); err != nil {
		cancel()
		return nil, fmt.Errorf("google stt: send config: %w", classify(err))
	}

	s := &session{
		stream:       stream,
		language:     lang,
		flushTimeout: p.flushTimeout,
		cancel:       cancel,
		partials:     make(chan types.Transcript, 64),
		finals:       make(chan types.Transcript, 64),
		recvDone:     make(chan struct{}),
	}
	go s.recvLoop(sctx)
	return s, nil
}

func (p *Provider) recognitionConfig(cfg stt.StreamConfig, lang string) *speechpb.RecognitionConfig {
	rate := cfg.SampleRate
	if rate <= 0 {
		rate = defaultSampleRate
	}
	channels := max(cfg.Channels, 1)
	rc := &speechpb.RecognitionConfig{
		Encoding:                   speechpb.RecognitionConfig_LINEAR16,
		SampleRateHertz:            int32(rate),
		AudioChannelCount:          int32(channels),
		LanguageCode:               lang,
		Model:                      p.model,
		EnableAutomaticPunctuation: true,
	}
	if len(cfg.Keywords) > 0 {
		// One context per distinct boost, since boosts are per context.
		byBoost := map[float64]*speechpb.SpeechContext{}
		for _, kw := range cfg.Keywords {
			sc, ok := byBoost[kw.Boost]
			if !ok {
				sc = &speechpb.SpeechContext{Boost: float32(kw.Boost)}
				byBoost[kw.Boost] = sc
				rc.SpeechContexts = append(rc.SpeechContexts, sc)
			}
			sc.Phrases = append(sc.Phrases, kw.Keyword)
		}
	}
	return rc
}

// ---- session ----

type session struct {
	stream       speechpb.Speech_StreamingRecognizeClient
	language     string
	flushTimeout time.Duration
	cancel       context.CancelFunc

	partials chan types.Transcript
	finals   chan types.Transcript
	recvDone chan struct{}

	mu     sync.Mutex // serialises Send and CloseSend
	closed bool
	once   sync.Once

	errMu sync.Mutex
	err   error
}

// SendAudio forwards a chunk of LINEAR16 PCM.
func (s *session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("google stt: session is closed")
	}
	err := s.stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{AudioContent: chunk},
	})
	if err != nil {
		return fmt.Errorf("google stt: send audio: %w", classify(err))
	}
	return nil
}

func (s *session) Partials() <-chan types.Transcript { return s.partials }
func (s *session) Finals() <-chan types.Transcript   { return s.finals }

// SetKeywords is not supported: speech contexts are fixed per stream.
func (s *session) SetKeywords([]types.KeywordBoost) error {
	return fmt.Errorf("google stt: keywords: %w", stt.ErrNotSupported)
}

// Close half-closes the stream and waits for the remaining results.
func (s *session) Close() error {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		_ = s.stream.CloseSend()
		s.mu.Unlock()

		timer := time.NewTimer(s.flushTimeout)
		select {
		case <-s.recvDone:
			timer.Stop()
		case <-timer.C:
			s.setErr(fmt.Errorf("%w: no flush after %s", stt.ErrTimeout, s.flushTimeout))
		}
		s.cancel()
		<-s.recvDone
	})
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err != nil {
		return fmt.Errorf("google stt: %w", s.err)
	}
	return nil
}

func (s *session) setErr(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
}

func (s *session) recvLoop(ctx context.Context) {
	defer close(s.recvDone)
	defer close(s.partials)
	defer close(s.finals)

	for {
		resp, err := s.stream.Recv()
		if err == io.EOF {
			return
		}
		if err != nil {
			if ctx.Err() == nil {
				s.setErr(classify(err))
			}
			return
		}
		if st := resp.GetError(); st != nil && st.GetCode() != 0 {
			s.setErr(fmt.Errorf("%w: %s", stt.ErrUnavailable, st.GetMessage()))
			return
		}
		for _, r := range resp.GetResults() {
			t, ok := transcriptFrom(r, s.language)
			if !ok {
				continue
			}
			if t.IsFinal {
				select {
				case s.finals <- t:
				case <-ctx.Done():
					return
				}
			} else {
				select {
				case s.partials <- t:
				default:
				}
			}
		}
	}
}

func transcriptFrom(r *speechpb.StreamingRecognitionResult, lang string) (types.Transcript, bool) {
	alts := r.GetAlternatives()
	if len(alts) == 0 {
		return types.Transcript{}, false
	}
	t := types.Transcript{
		Text:       alts[0].GetTranscript(),
		IsFinal:    r.GetIsFinal(),
		Confidence: float64(alts[0].GetConfidence()),
		Language:   lang,
	}
	if code := r.GetLanguageCode(); code != "" {
		t.Language = code
	}
	if end := r.GetResultEndTime(); end != nil {
		t.Duration = end.AsDuration()
	}
	return t, true
}

// classify maps gRPC status codes onto the stt error taxonomy.
func classify(err error) error {
	switch status.Code(err) {
	case codes.DeadlineExceeded:
		return fmt.Errorf("%w: %w", stt.ErrTimeout, err)
	case codes.Canceled:
		return fmt.Errorf("%w: %w", context.Canceled, err)
	default:
		return fmt.Errorf("%w: %w", stt.ErrUnavailable, err)
	}
}
