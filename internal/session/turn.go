package session

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/vocalink/internal/observe"
	"github.com/MrWong99/vocalink/internal/orchestrator"
	"github.com/MrWong99/vocalink/internal/segmenter"
	"github.com/MrWong99/vocalink/pkg/protocol"
	"github.com/MrWong99/vocalink/pkg/provider/stt"
	"github.com/MrWong99/vocalink/pkg/types"
)

// turnLoop transcribes utterances and runs one orchestrator turn at a time,
// in arrival order.
func (s *Session) turnLoop(ctx context.Context) error {
	for {
		var j job
		select {
		case <-ctx.Done():
			return nil
		case j = <-s.jobs:
		}

		text := j.text
		if j.utterance != nil {
			var ok bool
			if text, ok = s.transcribe(ctx, j.utterance); !ok {
				continue
			}
		}
		if err := s.converse(ctx, text); err != nil {
			return nil
		}
	}
}

// transcribe runs STT on u. ok is false when the turn should be skipped; any
// error has already been reported to the device.
func (s *Session) transcribe(ctx context.Context, u *segmenter.Utterance) (text string, ok bool) {
	ctx, span := observe.StartSpan(ctx, "session.transcribe")
	defer span.End()

	sttCtx, cancel := context.WithTimeout(ctx, s.cfg.STTTimeout)
	defer cancel()

	start := time.Now()
	cfg := stt.StreamConfig{SampleRate: s.pipeFormat.SampleRate, Channels: 1, Language: s.voice.Language}
	final, err := stt.Transcribe(sttCtx, s.deps.STT, cfg, u.Chunks(), func(p types.Transcript) {
		if p.Text == "" {
			return
		}
		s.send(ctx, protocol.ControlEvent{Type: protocol.TypeTranscriptPartial, Text: p.Text})
	})
	s.metrics.STTDuration.Record(ctx, time.Since(start).Seconds())

	switch {
	case err == nil:
		s.metrics.RecordProviderRequest(ctx, s.deps.STTName, "stt", "ok")
	case ctx.Err() != nil:
		return "", false
	case errors.Is(err, stt.ErrEmptyResult):
		s.metrics.RecordProviderRequest(ctx, s.deps.STTName, "stt", "empty")
		s.log.Debug("empty transcript, skipping turn")
		return "", false
	case errors.Is(err, stt.ErrTimeout):
		s.metrics.RecordProviderError(ctx, s.deps.STTName, "stt")
		s.log.Warn("transcription timed out", "err", err)
		s.sendError(ctx, protocol.CodeSTTTimeout, err)
		return "", false
	default:
		s.metrics.RecordProviderError(ctx, s.deps.STTName, "stt")
		s.log.Warn("transcription failed", "err", err)
		s.sendError(ctx, protocol.CodeSTTUnavailable, err)
		return "", false
	}

	if err := s.send(ctx, protocol.ControlEvent{Type: protocol.TypeTranscriptFinal, Text: final.Text}); err != nil {
		return "", false
	}
	s.log.Info("user said", "text", final.Text)
	return final.Text, true
}

// converse runs one orchestrator turn and queues the reply for the speaker.
// It only fails when ctx is done.
func (s *Session) converse(ctx context.Context, text string) error {
	reply, err := s.orch.Turn(ctx, text)
	if reply == nil {
		if s.recorder != nil {
			s.recorder.AddMessages(types.Message{Role: types.RoleUser, Content: text, Timestamp: time.Now()})
		}
		return ctx.Err()
	}
	if err != nil {
		code := protocol.CodeLLMUnavailable
		if errors.Is(err, orchestrator.ErrToolChainExceeded) {
			code = protocol.CodeToolChainExceeded
		}
		s.log.Warn("turn fell back", "code", code, "rounds", reply.Rounds, "err", err)
		s.sendError(ctx, code, err)
	}
	if s.recorder != nil {
		s.recorder.AddMessages(reply.Messages...)
	}

	sentences := reply.Sentences
	if len(sentences) == 0 && reply.Text != "" {
		sentences = []string{reply.Text}
	}
	select {
	case s.replies <- speech{sentences: sentences, exit: reply.Exit}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
