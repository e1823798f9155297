package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/MrWong99/vocalink/internal/archive"
	"github.com/MrWong99/vocalink/internal/devicemcp"
	"github.com/MrWong99/vocalink/internal/segmenter"
	"github.com/MrWong99/vocalink/pkg/audio"
	"github.com/MrWong99/vocalink/pkg/audio/opus"
	"github.com/MrWong99/vocalink/pkg/protocol"
)

// readLoop decodes device frames. Session-level controls are handled here;
// audio and listen controls go through the inbound queue so the segmenter
// sees them in arrival order.
func (s *Session) readLoop(ctx context.Context) error {
	defer s.inbound.Close()
	for {
		data, err := s.conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			s.metrics.RecordMalformedFrame(ctx)
			s.log.Warn("dropping malformed frame", "err", err, "size", len(data))
			if s.limiter.Malformed() {
				s.sendError(ctx, protocol.CodeMalformedFrame, ErrMalformedLimit)
				return s.enqueue(ctx, outItem{
					msg: protocol.ControlMessage(protocol.ControlEvent{Type: protocol.TypeGoodbye, Reason: protocol.CodeMalformedFrame}),
					end: ErrMalformedLimit,
				})
			}
			continue
		}
		s.limiter.OK()

		if msg.Kind == protocol.KindAudio {
			f := msg.Audio
			s.push(ctx, inbound{frame: &f})
			continue
		}
		if err := s.handleControl(ctx, msg.Control); err != nil {
			return err
		}
	}
}

func (s *Session) push(ctx context.Context, in inbound) {
	if n := s.inbound.Push(in); n > 0 {
		s.metrics.RecordFramesDropped(ctx, "inbound", n)
		s.log.Warn("inbound queue full, dropped oldest audio", "frames", n)
	}
}

func (s *Session) handleControl(ctx context.Context, ev protocol.ControlEvent) error {
	switch ev.Type {
	case protocol.TypeHello:
		return s.hello(ctx, ev)

	case protocol.TypeGoodbye:
		s.log.Info("device said goodbye", "reason", ev.Reason)
		return errEnded

	case protocol.TypeAbort:
		if s.cancelSpeech("abort") {
			s.metrics.RecordBargeIn(ctx, "abort")
			s.log.Debug("speech aborted by device", "reason", ev.Reason)
		}

	case protocol.TypeIoTDescriptors:
		if err := s.things.RegisterDescriptors(ev.Descriptors); err != nil {
			s.log.Warn("rejecting iot descriptors", "err", err)
			break
		}
		if err := s.things.RegisterTools(s.host); err != nil {
			s.log.Warn("registering iot tools", "err", err)
		}

	case protocol.TypeIoTStates:
		s.things.ApplyStates(ev.States)

	case protocol.TypeMCP:
		s.mu.Lock()
		link := s.mcpLink
		s.mu.Unlock()
		if link == nil {
			s.log.Debug("mcp frame without mcp feature, ignoring")
			break
		}
		if err := link.Deliver(ctx, ev.Payload); err != nil && !errors.Is(err, devicemcp.ErrClosed) {
			s.log.Warn("delivering mcp frame", "err", err)
		}

	case protocol.TypeListenStart, protocol.TypeListenStop, protocol.TypeWakeDetected, protocol.TypeListenText:
		s.push(ctx, inbound{control: &ev})

	default:
		s.log.Debug("ignoring control frame", "type", ev.Type)
	}
	return nil
}

// hello answers the handshake and starts the device tool client when the
// device offers one.
func (s *Session) hello(ctx context.Context, ev protocol.ControlEvent) error {
	s.push(ctx, inbound{control: &ev})

	reply := protocol.ControlEvent{
		Type:      protocol.TypeHello,
		SessionID: s.id,
		Version:   1,
		AudioParams: &protocol.AudioParams{
			Format:        s.cfg.OutputCodec.String(),
			SampleRate:    s.outFormat.SampleRate,
			Channels:      1,
			FrameDuration: s.cfg.OutputFrameMs,
		},
	}
	if err := s.send(ctx, reply); err != nil {
		return nil
	}

	if ev.Features == nil || !ev.Features.MCP {
		return nil
	}
	s.mu.Lock()
	if s.mcpLink != nil {
		s.mu.Unlock()
		return nil
	}
	link := devicemcp.NewLink(func(ctx context.Context, payload json.RawMessage) error {
		return s.send(ctx, protocol.ControlEvent{Type: protocol.TypeMCP, Payload: payload})
	})
	s.mcpLink = link
	s.mu.Unlock()

	s.group.Go(func() error {
		var opts []devicemcp.Option
		if s.cfg.MCPTimeout > 0 {
			opts = append(opts, devicemcp.WithTimeout(s.cfg.MCPTimeout))
		}
		client, err := devicemcp.Attach(ctx, link, s.host, opts...)
		if err != nil {
			if ctx.Err() == nil {
				s.log.Warn("device tools unavailable", "err", err)
			}
			return nil
		}
		s.mu.Lock()
		s.mcpClient = client
		s.mu.Unlock()
		s.log.Info("device tools attached", "tools", client.Tools())
		return nil
	})
	return nil
}

// segmentLoop feeds the segmenter and hands finished utterances to the turn
// loop.
func (s *Session) segmentLoop(ctx context.Context) error {
	for {
		in, ok := s.inbound.Pop(ctx)
		if !ok {
			return nil
		}
		var events []segmenter.Event
		if in.frame != nil {
			events = s.pushAudio(ctx, *in.frame)
		} else {
			events = s.applyControl(ctx, *in.control)
		}
		if err := s.handleEvents(ctx, events); err != nil {
			return nil
		}
	}
}

// pushAudio decodes f, converts it to the pipeline format and cuts it into
// segmenter frames.
func (s *Session) pushAudio(ctx context.Context, f audio.Frame) []segmenter.Event {
	pcm := f.Data
	if f.Codec == audio.CodecOpus {
		if s.decoder == nil {
			d, err := opus.NewDecoder(s.inFormat)
			if err != nil {
				s.log.Error("creating opus decoder", "format", s.inFormat, "err", err)
				return nil
			}
			s.decoder = d
		}
		var err error
		if pcm, err = s.decoder.Decode(f.Data); err != nil {
			s.metrics.RecordMalformedFrame(ctx)
			s.log.Warn("dropping undecodable opus packet", "seq", f.Seq, "err", err)
			return nil
		}
	}
	pcm = audio.Convert(pcm, s.inFormat, s.pipeFormat)

	if !s.inStarted {
		s.inMs = f.TimestampMs
		s.inStarted = true
	}
	var events []segmenter.Event
	for _, chunk := range s.chunker.Write(pcm) {
		frame := audio.Frame{Seq: s.inSeq, TimestampMs: s.inMs, Codec: audio.CodecPCM16, Data: chunk}
		s.inSeq++
		s.inMs += uint32(s.cfg.FrameMs)
		evs, err := s.seg.Push(frame)
		if err != nil {
			s.log.Warn("segmenter rejected frame", "seq", frame.Seq, "err", err)
			continue
		}
		events = append(events, evs...)
	}
	return events
}

func (s *Session) applyControl(ctx context.Context, ev protocol.ControlEvent) []segmenter.Event {
	switch ev.Type {
	case protocol.TypeHello:
		if p := ev.AudioParams; p != nil {
			s.setInputFormat(*p)
		}

	case protocol.TypeListenStart:
		s.setMode(ev.Mode)

	case protocol.TypeListenStop:
		return s.seg.Flush()

	case protocol.TypeWakeDetected:
		s.log.Debug("wake word detected", "text", ev.Text)
		s.seg.Reset()
		s.chunker.Reset()

	case protocol.TypeListenText:
		if ev.Text == "" {
			return nil
		}
		select {
		case s.jobs <- job{text: ev.Text}:
		case <-ctx.Done():
		}
	}
	return nil
}

func (s *Session) setInputFormat(p protocol.AudioParams) {
	f := s.inFormat
	if p.SampleRate > 0 {
		f.SampleRate = p.SampleRate
	}
	if p.Channels > 0 {
		f.Channels = p.Channels
	}
	if f != s.inFormat {
		s.inFormat = f
		s.decoder = nil
		s.chunker.Reset()
	}
}

func (s *Session) setMode(mode protocol.ListenMode) {
	switch mode {
	case protocol.ListenManual:
		s.seg.SetManual(true)
		s.seg.SetBargeIn(!s.cfg.DisableBargeIn)
	case protocol.ListenRealtime:
		s.seg.SetManual(false)
		s.seg.SetBargeIn(true)
	case protocol.ListenAuto:
		s.seg.SetManual(false)
		s.seg.SetBargeIn(!s.cfg.DisableBargeIn)
	}
}

func (s *Session) handleEvents(ctx context.Context, events []segmenter.Event) error {
	for _, ev := range events {
		switch ev.Type {
		case segmenter.SpeechStarted:
			s.log.Debug("speech started")

		case segmenter.BargeIn:
			if s.cancelSpeech("barge_in") {
				s.metrics.RecordBargeIn(ctx, "speech")
				s.log.Info("barge-in, speech cancelled")
			}

		case segmenter.UtteranceComplete:
			u := ev.Utterance
			s.metrics.RecordUtterance(ctx, string(u.Reason))
			s.log.Debug("utterance complete", "duration", u.Duration(), "reason", u.Reason, "frames", len(u.Frames))
			if s.recorder != nil {
				pcm := u.PCM()
				offset := s.recorder.Elapsed() - s.pipeFormat.DurationOf(len(pcm))
				s.recorder.Append(archive.TrackUser, max(offset, time.Duration(0)), pcm)
			}
			select {
			case s.jobs <- job{utterance: u}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}
