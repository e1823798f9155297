package session

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/vocalink/internal/archive"
	"github.com/MrWong99/vocalink/internal/observe"
	"github.com/MrWong99/vocalink/pkg/audio"
	"github.com/MrWong99/vocalink/pkg/protocol"
	"github.com/MrWong99/vocalink/pkg/provider/tts"
)

var (
	errSpeechDone      = errors.New("session: speech finished")
	errSpeechCancelled = errors.New("session: speech cancelled")
)

// speakLoop plays replies one after another. After a reply flagged as exit
// it says goodbye and ends the session.
func (s *Session) speakLoop(ctx context.Context) error {
	for {
		var sp speech
		select {
		case <-ctx.Done():
			return nil
		case sp = <-s.replies:
		}

		if err := s.speak(ctx, sp); err != nil {
			return nil
		}
		if sp.exit {
			s.log.Info("exit phrase detected, closing session")
			return s.enqueue(ctx, outItem{
				msg: protocol.ControlMessage(protocol.ControlEvent{Type: protocol.TypeGoodbye, Reason: "exit"}),
				end: errEnded,
			})
		}
	}
}

// speak emits tts.start, then for each sentence a tts.sentence event followed
// by its paced audio, then tts.stop. It only fails when ctx is done.
func (s *Session) speak(ctx context.Context, sp speech) error {
	stream, cancel := context.WithCancelCause(ctx)
	s.speakMu.Lock()
	s.stream, s.cancelStream, s.stopReason = stream, cancel, ""
	s.speakMu.Unlock()
	s.speaking.Store(true)
	defer func() {
		s.speaking.Store(false)
		s.speakMu.Lock()
		s.stream, s.cancelStream = nil, nil
		s.speakMu.Unlock()
		cancel(errSpeechDone)
	}()

	ctx, span := observe.StartSpan(ctx, "session.speak")
	defer span.End()

	if err := s.send(ctx, protocol.ControlEvent{Type: protocol.TypeTTSStart}); err != nil {
		return err
	}

	p := &pacer{
		start: time.Now(),
		frame: time.Duration(s.cfg.OutputFrameMs) * time.Millisecond,
		lead:  s.cfg.PaceLead,
	}
	chunker := audio.NewChunker(s.outFormat.BytesFor(p.frame))
	var offset time.Duration
	if s.recorder != nil {
		offset = s.recorder.Elapsed()
	}
	var recorded []byte
	degraded := false

	for _, sentence := range sp.sentences {
		if stream.Err() != nil {
			break
		}
		if err := s.send(ctx, protocol.ControlEvent{Type: protocol.TypeTTSSentence, Text: sentence}); err != nil {
			return err
		}
		if degraded {
			continue
		}
		pcm, err := s.synthesize(stream, sentence, chunker, p)
		recorded = append(recorded, pcm...)
		if err != nil {
			degraded = true
			s.metrics.RecordProviderError(ctx, s.deps.TTSName, "tts")
			s.log.Warn("speech synthesis unavailable, replying as text", "err", err)
			s.sendError(ctx, protocol.CodeTTSUnavailable, err)
		}
	}
	if tail := chunker.Flush(); tail != nil && stream.Err() == nil {
		s.emit(stream, tail, p)
	}

	s.speakMu.Lock()
	reason := s.stopReason
	s.speakMu.Unlock()
	if s.recorder != nil && len(recorded) > 0 {
		s.recorder.Append(archive.TrackAssistant, offset, recorded)
	}
	return s.send(ctx, protocol.ControlEvent{Type: protocol.TypeTTSStop, Reason: reason})
}

// synthesize streams one sentence to the device. It returns the audio sent,
// in the pipeline format, for the archive. A provider that produces nothing
// within the TTS timeout is abandoned.
func (s *Session) synthesize(stream context.Context, text string, chunker *audio.Chunker, p *pacer) ([]byte, error) {
	ctx, cancel := context.WithCancel(stream)
	defer cancel()
	watchdog := time.AfterFunc(s.cfg.TTSTimeout, cancel)
	defer watchdog.Stop()

	start := time.Now()
	ch, err := tts.Speak(ctx, s.deps.TTS, text, s.voice)
	if err != nil {
		return nil, err
	}
	src := s.deps.TTS.Format()
	var (
		recorded []byte
		first    = true
	)
	for chunk := range ch {
		if first {
			first = false
			watchdog.Stop()
			s.metrics.TTSDuration.Record(stream, time.Since(start).Seconds())
		}
		if stream.Err() != nil {
			continue
		}
		recorded = append(recorded, audio.Convert(chunk, src, s.pipeFormat)...)
		for _, frame := range chunker.Write(audio.Convert(chunk, src, s.outFormat)) {
			if !s.emit(stream, frame, p) {
				break
			}
		}
	}
	switch {
	case stream.Err() != nil:
		return recorded, nil
	case first && ctx.Err() != nil:
		return nil, errors.Join(tts.ErrUnavailable, context.DeadlineExceeded)
	}
	s.metrics.RecordProviderRequest(stream, s.deps.TTSName, "tts", "ok")
	return recorded, nil
}

// emit encodes one output frame and queues it after waiting for its slot.
// It reports false once the stream is cancelled.
func (s *Session) emit(stream context.Context, pcm []byte, p *pacer) bool {
	if !p.wait(stream) {
		return false
	}
	data := pcm
	if s.encoder != nil {
		packet, err := s.encoder.Encode(pcm)
		if err != nil {
			s.log.Warn("encoding output frame", "err", err)
			return true
		}
		data = packet
	}
	f := audio.Frame{Seq: s.outSeq, TimestampMs: s.outMs, Codec: s.cfg.OutputCodec, Data: data}
	s.outSeq++
	s.outMs += uint32(s.cfg.OutputFrameMs)
	return s.enqueue(stream, outItem{msg: protocol.AudioMessage(f), stream: stream}) == nil
}

// cancelSpeech stops the current speech stream. Frames not yet written are
// discarded. It reports whether a stream was cancelled.
func (s *Session) cancelSpeech(reason string) bool {
	s.speakMu.Lock()
	defer s.speakMu.Unlock()
	if s.cancelStream == nil || s.stream.Err() != nil {
		return false
	}
	s.stopReason = reason
	s.cancelStream(errSpeechCancelled)
	return true
}

// dropped reports whether frames of stream must not reach the device. A
// stream that ended normally still has its queued frames written.
func dropped(stream context.Context) bool {
	return stream.Err() != nil && !errors.Is(context.Cause(stream), errSpeechDone)
}

// pacer releases frames at playback speed, allowing lead frames ahead.
type pacer struct {
	start time.Time
	frame time.Duration
	lead  int
	sent  int
}

func (p *pacer) wait(ctx context.Context) bool {
	due := p.start.Add(time.Duration(p.sent-p.lead) * p.frame)
	p.sent++
	if d := time.Until(due); d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return false
		}
	}
	return ctx.Err() == nil
}
