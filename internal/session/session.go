// Package session runs the voice pipeline of one connected device and keeps
// the registry of live sessions.
//
// A session owns a fixed set of goroutines joined by bounded queues:
//
//	read ──► inbound (drop-oldest) ──► segment ──► jobs ──► turn ──► replies ──► speak ──► out ──► write
//
// Only the inbound audio queue drops; every other stage applies
// backpressure. Barge-in and abort cancel the current speech stream and
// nothing else.
package session

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/vocalink/internal/archive"
	"github.com/MrWong99/vocalink/internal/devicemcp"
	"github.com/MrWong99/vocalink/internal/directory"
	"github.com/MrWong99/vocalink/internal/iot"
	"github.com/MrWong99/vocalink/internal/mcp"
	"github.com/MrWong99/vocalink/internal/mcp/mcphost"
	"github.com/MrWong99/vocalink/internal/observe"
	"github.com/MrWong99/vocalink/internal/orchestrator"
	"github.com/MrWong99/vocalink/internal/segmenter"
	"github.com/MrWong99/vocalink/pkg/audio"
	"github.com/MrWong99/vocalink/pkg/audio/opus"
	"github.com/MrWong99/vocalink/pkg/protocol"
	"github.com/MrWong99/vocalink/pkg/provider/llm"
	"github.com/MrWong99/vocalink/pkg/provider/stt"
	"github.com/MrWong99/vocalink/pkg/provider/tts"
	"github.com/MrWong99/vocalink/pkg/provider/vad"
	"github.com/MrWong99/vocalink/pkg/types"
)

var (
	// ErrTooManySessions is returned by [Manager.Serve] when the session
	// limit is reached.
	ErrTooManySessions = errors.New("session: too many sessions")

	// ErrMalformedLimit ends a session that sent too many consecutive
	// malformed frames.
	ErrMalformedLimit = errors.New("session: too many malformed frames")

	// errEnded is the clean end of a session: goodbye from either side, or
	// Close.
	errEnded = errors.New("session: ended")
)

// Conn is the device link of one session. Read returns io.EOF when the
// device closed the link normally.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, kind protocol.Kind, data []byte) error
	Close(reason string) error
}

// Directory resolves per-device settings. [*directory.Directory] implements
// it.
type Directory interface {
	Lookup(ctx context.Context, deviceID string) (directory.Profile, error)
}

// Deps are the process-wide collaborators shared by every session.
type Deps struct {
	STT     stt.Provider
	STTName string
	TTS     tts.Provider
	TTSName string
	LLM     llm.Provider
	LLMName string

	// Models resolves a per-device llm_model override. Optional.
	Models func(model string) (llm.Provider, bool)

	VAD vad.Engine

	// Tools holds the shared tools, such as external MCP servers. Each
	// session layers its IoT and device tools on top. Optional.
	Tools mcp.Host

	// Things are the statically configured IoT things. Nil selects
	// [iot.DefaultThings].
	Things []iot.Thing

	// Directory is optional.
	Directory Directory

	// Archive receives recorded takes. Nil disables recording.
	Archive Submitter

	Metrics *observe.Metrics
	Logger  *slog.Logger
}

// Config tunes one session. Zero values select the defaults.
type Config struct {
	// SampleRate is the pipeline rate seen by VAD and STT. Default 16000.
	SampleRate int

	// FrameMs is the segmenter frame length. Default 20.
	FrameMs int

	// InputSampleRate is the device's capture rate until hello says
	// otherwise. Default SampleRate.
	InputSampleRate int

	// OutputCodec, OutputSampleRate and OutputFrameMs describe the audio sent
	// to the device. Defaults opus, 16000 and 60.
	OutputCodec      audio.Codec
	OutputSampleRate int
	OutputFrameMs    int

	// Segmenter tunes utterance detection. FrameMs is taken from the field
	// above.
	Segmenter segmenter.Config

	// DisableBargeIn keeps speech from interrupting a reply in auto and
	// manual listen mode. Realtime mode always allows barge-in.
	DisableBargeIn bool

	InboundQueue  int
	OutboundQueue int

	Language string
	Voice    string

	STTTimeout   time.Duration
	TTSTimeout   time.Duration
	WriteTimeout time.Duration
	MCPTimeout   time.Duration

	// MalformedLimit is the number of consecutive malformed frames that ends
	// the session.
	MalformedLimit int

	// FlushInterval is the archive cut period.
	FlushInterval time.Duration

	// PaceLead is how many frames audio may run ahead of real time.
	PaceLead int

	Orchestrator orchestrator.Config
}

// Defaults for [Config].
const (
	DefaultSampleRate     = 16000
	DefaultFrameMs        = 20
	DefaultOutputFrameMs  = 60
	DefaultInboundQueue   = 256
	DefaultOutboundQueue  = 64
	DefaultSTTTimeout     = 15 * time.Second
	DefaultTTSTimeout     = 10 * time.Second
	DefaultWriteTimeout   = 10 * time.Second
	DefaultMalformedLimit = 10
	DefaultPaceLead       = 3

	jobQueue   = 4
	replyQueue = 4
)

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = DefaultSampleRate
	}
	if c.FrameMs <= 0 {
		c.FrameMs = DefaultFrameMs
	}
	if c.InputSampleRate <= 0 {
		c.InputSampleRate = c.SampleRate
	}
	if !c.OutputCodec.IsValid() {
		c.OutputCodec = audio.CodecOpus
	}
	if c.OutputSampleRate <= 0 {
		c.OutputSampleRate = DefaultSampleRate
	}
	if c.OutputFrameMs <= 0 {
		c.OutputFrameMs = DefaultOutputFrameMs
	}
	if c.Segmenter.Threshold == 0 {
		c.Segmenter.Threshold = 0.5
	}
	if c.Segmenter.HangoverMs == 0 {
		c.Segmenter.HangoverMs = 700
	}
	if c.Segmenter.DebounceFrames == 0 {
		c.Segmenter.DebounceFrames = 3
	}
	c.Segmenter.FrameMs = c.FrameMs
	c.Segmenter.BargeIn = !c.DisableBargeIn
	if c.InboundQueue <= 0 {
		c.InboundQueue = DefaultInboundQueue
	}
	if c.OutboundQueue <= 0 {
		c.OutboundQueue = DefaultOutboundQueue
	}
	if c.STTTimeout <= 0 {
		c.STTTimeout = DefaultSTTTimeout
	}
	if c.TTSTimeout <= 0 {
		c.TTSTimeout = DefaultTTSTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.MalformedLimit == 0 {
		c.MalformedLimit = DefaultMalformedLimit
	}
	if c.PaceLead <= 0 {
		c.PaceLead = DefaultPaceLead
	}
	return c
}

// inbound is one item of the drop-oldest queue between the reader and the
// segmenter. Exactly one of frame and control is set.
type inbound struct {
	frame   *audio.Frame
	control *protocol.ControlEvent
}

func droppable(in inbound) bool { return in.frame != nil }

// job is one unit of work for the turn loop.
type job struct {
	utterance *segmenter.Utterance
	text      string
}

// speech is one reply for the speaker.
type speech struct {
	sentences []string
	exit      bool
}

// outItem is one frame for the writer. Audio items carry the speech stream
// they belong to and are dropped once it is interrupted. end, when set, is
// returned by the writer after the item was written.
type outItem struct {
	msg    protocol.Message
	stream context.Context
	end    error
}

// Session is the pipeline of one connected device.
type Session struct {
	id       string
	deviceID string
	conn     Conn
	cfg      Config
	deps     Deps
	log      *slog.Logger
	metrics  *observe.Metrics

	profile directory.Profile
	voice   types.VoiceProfile

	orch         *orchestrator.Orchestrator
	host         *mcphost.Host
	things       *iot.Registry
	recorder     *archive.Recorder
	consolidator *Consolidator
	vadSession   vad.SessionHandle

	pipeFormat audio.Format
	outFormat  audio.Format

	inbound *dropQueue[inbound]
	jobs    chan job
	replies chan speech
	out     chan outItem

	// Owned by the segment loop.
	seg       *segmenter.Segmenter
	inFormat  audio.Format
	decoder   *opus.Decoder
	chunker   *audio.Chunker
	inSeq     uint32
	inMs      uint32
	inStarted bool

	// Owned by the speak loop.
	encoder *opus.Encoder
	outSeq  uint32
	outMs   uint32

	// speakMu guards the current speech stream. The writer holds it while
	// writing audio so a cancelled stream never reaches the device.
	speakMu      sync.Mutex
	stream       context.Context
	cancelStream context.CancelCauseFunc
	stopReason   string
	speaking     atomic.Bool

	limiter *protocol.MalformedLimiter
	group   *errgroup.Group

	mu        sync.Mutex
	mcpLink   *devicemcp.Link
	mcpClient *devicemcp.Client
	cancel    context.CancelCauseFunc
	closed    bool
}

// New prepares a session for deviceID on conn. The returned session is idle
// until [Session.Run].
func New(ctx context.Context, deviceID string, conn Conn, cfg Config, deps Deps) (*Session, error) {
	cfg = cfg.withDefaults()
	s := &Session{
		id:         uuid.NewString(),
		deviceID:   deviceID,
		conn:       conn,
		cfg:        cfg,
		deps:       deps,
		metrics:    deps.Metrics,
		pipeFormat: audio.Format{SampleRate: cfg.SampleRate, Channels: 1},
		outFormat:  audio.Format{SampleRate: cfg.OutputSampleRate, Channels: 1},
		inbound:    newDropQueue(cfg.InboundQueue, droppable),
		jobs:       make(chan job, jobQueue),
		replies:    make(chan speech, replyQueue),
		out:        make(chan outItem, cfg.OutboundQueue),
		limiter:    protocol.NewMalformedLimiter(cfg.MalformedLimit),
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	s.log = deps.Logger
	if s.log == nil {
		s.log = observe.SessionLogger(ctx, deviceID, s.id)
	} else {
		s.log = s.log.With("device_id", deviceID, "session_id", s.id)
	}
	s.inFormat = audio.Format{SampleRate: cfg.InputSampleRate, Channels: 1}
	s.chunker = audio.NewChunker(s.pipeFormat.BytesFor(time.Duration(cfg.FrameMs) * time.Millisecond))

	if deps.Directory != nil {
		p, err := deps.Directory.Lookup(ctx, deviceID)
		if err != nil {
			s.log.Warn("device directory lookup failed, using defaults", "err", err)
		}
		s.profile = p
	}
	language := cmp.Or(s.profile.Language, cfg.Language)
	s.voice = types.VoiceProfile{ID: cmp.Or(s.profile.Voice, cfg.Voice), Language: language, Provider: deps.TTSName}

	if err := s.build(); err != nil {
		s.release()
		return nil, err
	}
	return s, nil
}

func (s *Session) build() error {
	var err error
	segCfg := s.cfg.Segmenter
	s.vadSession, err = s.deps.VAD.NewSession(vad.Config{
		SampleRate:       s.cfg.SampleRate,
		FrameSizeMs:      s.cfg.FrameMs,
		SpeechThreshold:  segCfg.Threshold,
		SilenceThreshold: segCfg.SilenceThreshold,
	})
	if err != nil {
		return fmt.Errorf("session: vad: %w", err)
	}
	s.seg, err = segmenter.New(segCfg, s.vadSession, s.speaking.Load)
	if err != nil {
		return fmt.Errorf("session: %w", err)
	}

	opts := []mcphost.Option{mcphost.WithMetrics(s.metrics)}
	if s.deps.Tools != nil {
		opts = append(opts, mcphost.WithParent(s.deps.Tools))
	}
	s.host = mcphost.New(opts...)

	things := s.deps.Things
	if things == nil {
		things = iot.DefaultThings()
	}
	s.things, err = iot.NewRegistry(s.log, s.sendCommands, things...)
	if err != nil {
		return fmt.Errorf("session: %w", err)
	}
	if err := s.things.RegisterTools(s.host); err != nil {
		return fmt.Errorf("session: %w", err)
	}

	model := s.deps.LLM
	modelName := s.deps.LLMName
	if m := s.profile.LLMModel; m != "" && s.deps.Models != nil {
		if p, ok := s.deps.Models(m); ok {
			model, modelName = p, m
		} else {
			s.log.Warn("unknown llm model for device, using default", "model", m)
		}
	}
	orchCfg := s.cfg.Orchestrator
	if s.profile.SystemPrompt != "" {
		orchCfg.SystemPrompt = s.profile.SystemPrompt
	}
	s.orch, err = orchestrator.New(model, s.host, orchCfg,
		orchestrator.WithMetrics(s.metrics),
		orchestrator.WithProviderName(modelName),
		orchestrator.WithLogger(s.log),
		orchestrator.WithSessionTools(),
	)
	if err != nil {
		return fmt.Errorf("session: %w", err)
	}

	if s.cfg.OutputCodec == audio.CodecOpus {
		s.encoder, err = opus.NewEncoder(s.outFormat, s.cfg.OutputFrameMs)
		if err != nil {
			return fmt.Errorf("session: %w", err)
		}
	}

	if s.deps.Archive != nil {
		s.recorder = archive.NewRecorder(s.id, s.deviceID, s.pipeFormat)
		s.consolidator = NewConsolidator(ConsolidatorConfig{
			Recorder:  s.recorder,
			Sink:      s.deps.Archive,
			SessionID: s.id,
			Interval:  s.cfg.FlushInterval,
			Logger:    s.log,
		})
	}
	return nil
}

// ID returns the session id sent to the device in hello.
func (s *Session) ID() string { return s.id }

// DeviceID returns the device the session belongs to.
func (s *Session) DeviceID() string { return s.deviceID }

// Speaking reports whether synthesized audio is currently being sent.
func (s *Session) Speaking() bool { return s.speaking.Load() }

// Run drives the session until the device disconnects, either side says
// goodbye, ctx is cancelled, or [Session.Close] is called. A clean end
// returns nil.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.release()
		return nil
	}
	s.cancel = cancel
	s.mu.Unlock()

	s.log.Info("session started", "voice", s.voice.ID, "language", s.voice.Language)
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	s.group = g
	g.Go(func() error { return s.readLoop(gctx) })
	g.Go(func() error { return s.segmentLoop(gctx) })
	g.Go(func() error { return s.turnLoop(gctx) })
	g.Go(func() error { return s.speakLoop(gctx) })
	g.Go(func() error { return s.writeLoop(gctx) })
	if s.consolidator != nil {
		g.Go(func() error {
			s.consolidator.Run(gctx)
			return nil
		})
	}

	err := g.Wait()
	if cause := context.Cause(ctx); err == nil || errors.Is(err, context.Canceled) {
		err = cause
	}
	if errors.Is(err, errEnded) || errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
		err = nil
	}

	reason := "normal"
	if err != nil {
		reason = err.Error()
	}
	if cerr := s.conn.Close(reason); cerr != nil {
		s.log.Debug("closing device link", "err", cerr)
	}
	s.release()
	s.log.Info("session ended", "duration", time.Since(start).Round(time.Millisecond), "err", err)
	return err
}

// Close ends the session. Run returns once the pipeline has stopped.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.cancel != nil {
		s.cancel(errEnded)
	}
}

// release frees per-session resources and hands the last take to the
// archive. It runs once, after every loop has returned.
func (s *Session) release() {
	s.inbound.Close()
	s.cancelSpeech("")

	s.mu.Lock()
	client, link := s.mcpClient, s.mcpLink
	s.mcpClient, s.mcpLink = nil, nil
	s.mu.Unlock()
	if client != nil {
		client.Close()
	}
	if link != nil {
		link.Close()
	}

	if s.host != nil {
		if err := s.host.Close(); err != nil {
			s.log.Warn("closing session tools", "err", err)
		}
	}
	if s.vadSession != nil {
		s.vadSession.Close()
	}
	if s.consolidator != nil {
		s.consolidator.Stop()
		s.consolidator.ConsolidateNow()
	}
}

// send queues a control event for the writer.
func (s *Session) send(ctx context.Context, ev protocol.ControlEvent) error {
	return s.enqueue(ctx, outItem{msg: protocol.ControlMessage(ev)})
}

func (s *Session) enqueue(ctx context.Context, it outItem) error {
	select {
	case s.out <- it:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sendError reports a failure to the device as an error event.
func (s *Session) sendError(ctx context.Context, code string, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	if serr := s.send(ctx, protocol.ControlEvent{Type: protocol.TypeError, Code: code, Message: msg}); serr != nil {
		s.log.Debug("error event not sent", "code", code, "err", serr)
	}
}

// sendCommands is the IoT registry's link to the device.
func (s *Session) sendCommands(ctx context.Context, cmds []protocol.IoTCommand) error {
	return s.send(ctx, protocol.ControlEvent{Type: protocol.TypeIoTCommand, Commands: cmds})
}

// writeLoop is the only goroutine writing to the device link.
func (s *Session) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case it := <-s.out:
			if err := s.write(ctx, it); err != nil {
				return err
			}
			if it.end != nil {
				return it.end
			}
		}
	}
}

func (s *Session) write(ctx context.Context, it outItem) error {
	data, err := protocol.Encode(it.msg)
	if err != nil {
		s.log.Error("encoding outbound frame", "kind", it.msg.Kind, "err", err)
		return nil
	}
	wctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()

	if it.stream != nil {
		s.speakMu.Lock()
		defer s.speakMu.Unlock()
		if dropped(it.stream) {
			return nil
		}
	}
	if err := s.conn.Write(wctx, it.msg.Kind, data); err != nil {
		return fmt.Errorf("session: write %s: %w", it.msg.Kind, err)
	}
	return nil
}
