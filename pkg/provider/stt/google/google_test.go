package google

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/speech/apiv1/speechpb"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"

	"github.com/MrWong99/vocalink/pkg/provider/stt"
	"github.com/MrWong99/vocalink/pkg/types"
)

// fakeStream plays scripted responses once the client half-closes.
type fakeStream struct {
	grpc.ClientStream

	mu       sync.Mutex
	sent     []*speechpb.StreamingRecognizeRequest
	halfDone chan struct{}
	once     sync.Once

	interim   []*speechpb.StreamingRecognizeResponse
	responses []*speechpb.StreamingRecognizeResponse
	recvErr   error
}

func newFakeStream() *fakeStream {
	return &fakeStream{halfDone: make(chan struct{})}
}

func (f *fakeStream) Send(r *speechpb.StreamingRecognizeRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, r)
	return nil
}

func (f *fakeStream) CloseSend() error {
	f.once.Do(func() { close(f.halfDone) })
	return nil
}

func (f *fakeStream) Recv() (*speechpb.StreamingRecognizeResponse, error) {
	f.mu.Lock()
	if len(f.interim) > 0 {
		r := f.interim[0]
		f.interim = f.interim[1:]
		f.mu.Unlock()
		return r, nil
	}
	f.mu.Unlock()

	<-f.halfDone
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.responses) > 0 {
		r := f.responses[0]
		f.responses = f.responses[1:]
		return r, nil
	}
	if f.recvErr != nil {
		return nil, f.recvErr
	}
	return nil, io.EOF
}

func (f *fakeStream) requests() []*speechpb.StreamingRecognizeRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*speechpb.StreamingRecognizeRequest(nil), f.sent...)
}

func result(text string, final bool) *speechpb.StreamingRecognizeResponse {
	return &speechpb.StreamingRecognizeResponse{
		Results: []*speechpb.StreamingRecognitionResult{{
			Alternatives:  []*speechpb.SpeechRecognitionAlternative{{Transcript: text, Confidence: 0.8}},
			IsFinal:       final,
			ResultEndTime: durationpb.New(1200 * time.Millisecond),
		}},
	}
}

func providerFor(fs *fakeStream, opts ...Option) *Provider {
	return newProvider(func(context.Context) (speechpb.Speech_StreamingRecognizeClient, error) {
		return fs, nil
	}, nil, opts...)
}

func TestStartStream_SendsConfigFirst(t *testing.T) {
	t.Parallel()
	fs := newFakeStream()
	p := providerFor(fs, WithModel("latest_short"))

	sess, err := p.StartStream(context.Background(), stt.StreamConfig{
		SampleRate: 16000,
		Channels:   1,
		Language:   "de-DE",
		Keywords: []types.KeywordBoost{
			{Keyword: "Wohnzimmer", Boost: 5},
			{Keyword: "Küche", Boost: 5},
			{Keyword: "Rollladen", Boost: 2},
		},
	})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	defer sess.Close()

	reqs := fs.requests()
	if len(reqs) != 1 {
		t.Fatalf("requests = %d, want 1", len(reqs))
	}
	cfg := reqs[0].GetStreamingConfig()
	if cfg == nil || !cfg.GetInterimResults() {
		t.Fatalf("first request = %v, want streaming config with interim results", reqs[0])
	}
	rc := cfg.GetConfig()
	if rc.GetSampleRateHertz() != 16000 || rc.GetLanguageCode() != "de-DE" || rc.GetModel() != "latest_short" {
		t.Errorf("config = %v", rc)
	}
	if rc.GetEncoding() != speechpb.RecognitionConfig_LINEAR16 {
		t.Errorf("encoding = %v, want LINEAR16", rc.GetEncoding())
	}
	if n := len(rc.GetSpeechContexts()); n != 2 {
		t.Fatalf("speech contexts = %d, want 2 (one per boost)", n)
	}
	if got := rc.GetSpeechContexts()[0].GetPhrases(); len(got) != 2 {
		t.Errorf("phrases = %v, want both boost-5 keywords", got)
	}
}

func TestTranscribe_FinalsAfterHalfClose(t *testing.T) {
	t.Parallel()
	fs := newFakeStream()
	fs.interim = []*speechpb.StreamingRecognizeResponse{result("turn", false)}
	fs.responses = []*speechpb.StreamingRecognizeResponse{result("turn on the light", true)}
	p := providerFor(fs)

	var (
		mu       sync.Mutex
		partials []string
	)
	tr, err := stt.Transcribe(context.Background(), p, stt.StreamConfig{SampleRate: 16000},
		[][]byte{make([]byte, 640), make([]byte, 640)},
		func(t types.Transcript) {
			mu.Lock()
			partials = append(partials, t.Text)
			mu.Unlock()
		})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if tr.Text != "turn on the light" || tr.Language != defaultLanguage {
		t.Errorf("transcript = %+v", tr)
	}
	if tr.Duration != 1200*time.Millisecond {
		t.Errorf("Duration = %v, want 1.2s", tr.Duration)
	}
	if len(partials) != 1 || partials[0] != "turn" {
		t.Errorf("partials = %v, want [turn]", partials)
	}
	audio := 0
	for _, r := range fs.requests() {
		if r.GetAudioContent() != nil {
			audio++
		}
	}
	if audio != 2 {
		t.Errorf("audio requests = %d, want 2", audio)
	}
}

func TestTranscribe_DeadlineIsTimeout(t *testing.T) {
	t.Parallel()
	fs := newFakeStream()
	fs.recvErr = status.Error(codes.DeadlineExceeded, "too slow")
	p := providerFor(fs)

	_, err := stt.Transcribe(context.Background(), p, stt.StreamConfig{}, [][]byte{make([]byte, 320)}, nil)
	if !errors.Is(err, stt.ErrTimeout) {
		t.Errorf("err = %v, want stt.ErrTimeout", err)
	}
}

func TestTranscribe_PermissionDeniedIsUnavailable(t *testing.T) {
	t.Parallel()
	fs := newFakeStream()
	fs.recvErr = status.Error(codes.PermissionDenied, "no key")
	p := providerFor(fs)

	_, err := stt.Transcribe(context.Background(), p, stt.StreamConfig{}, [][]byte{make([]byte, 320)}, nil)
	if !errors.Is(err, stt.ErrUnavailable) {
		t.Errorf("err = %v, want stt.ErrUnavailable", err)
	}
}

func TestStartStream_OpenFails(t *testing.T) {
	t.Parallel()
	p := newProvider(func(context.Context) (speechpb.Speech_StreamingRecognizeClient, error) {
		return nil, status.Error(codes.Unavailable, "dns")
	}, nil)
	if _, err := p.StartStream(context.Background(), stt.StreamConfig{}); !errors.Is(err, stt.ErrUnavailable) {
		t.Errorf("err = %v, want stt.ErrUnavailable", err)
	}
}

func TestSendAudio_AfterClose(t *testing.T) {
	t.Parallel()
	fs := newFakeStream()
	sess, err := providerFor(fs).StartStream(context.Background(), stt.StreamConfig{})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sess.SendAudio([]byte{0, 0}); err == nil {
		t.Error("SendAudio after Close must fail")
	}
	if err := sess.SetKeywords(nil); !errors.Is(err, stt.ErrNotSupported) {
		t.Errorf("SetKeywords err = %v, want stt.ErrNotSupported", err)
	}
}
