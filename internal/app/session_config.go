package app

import (
	"time"

	"github.com/MrWong99/vocalink/internal/config"
	"github.com/MrWong99/vocalink/internal/orchestrator"
	"github.com/MrWong99/vocalink/internal/segmenter"
	"github.com/MrWong99/vocalink/internal/session"
	"github.com/MrWong99/vocalink/pkg/audio"
)

// SessionConfig translates cfg into the settings every new session starts
// with. Zero values are left for the session package to default.
func SessionConfig(cfg *config.Config) session.Config {
	p := cfg.Pipeline

	// The loader has validated the codec name; an empty one selects opus.
	codec, _ := audio.ParseCodec(p.OutputCodec)

	return session.Config{
		SampleRate:       p.SampleRate,
		FrameMs:          p.FrameMs,
		OutputCodec:      codec,
		OutputSampleRate: p.OutputSampleRate,
		OutputFrameMs:    p.OutputFrameMs,
		Segmenter: segmenter.Config{
			Threshold:        p.VADThreshold,
			SilenceThreshold: p.VADSilenceThreshold,
			DebounceFrames:   p.VADDebounceFrames,
			HangoverMs:       p.VADHangoverMs,
			PrerollMs:        p.VADPrerollMs,
			MaxUtteranceMs:   p.MaxUtteranceMs,
		},
		DisableBargeIn: p.DisableBargeIn,
		InboundQueue:   p.InboundQueue,
		OutboundQueue:  p.OutboundQueue,
		Language:       p.Language,
		Voice:          cfg.Voice,
		STTTimeout:     cfg.Providers.STT.Timeout(),
		TTSTimeout:     cfg.Providers.TTS.Timeout(),
		MCPTimeout:     millis(cfg.MCP.DeviceTimeoutMs),
		MalformedLimit: cfg.Server.MalformedFrameLimit,
		FlushInterval:  cfg.Archive.FlushInterval,
		Orchestrator: orchestrator.Config{
			SystemPrompt:     cfg.LLM.SystemPrompt,
			MaxToolChain:     cfg.LLM.MaxToolChain,
			MaxHistory:       cfg.LLM.MaxHistory,
			MaxContextTokens: cfg.LLM.MaxContextTokens,
			RetryBackoff:     millis(cfg.LLM.RetryBackoffMs),
			Timeout:          cfg.Providers.LLM.Timeout(),
			Apology:          cfg.LLM.Apology,
			ErrorReply:       cfg.LLM.ErrorReply,
			ExitPhrases:      cfg.ExitPhrases,
			Temperature:      cfg.LLM.Temperature,
			MaxTokens:        cfg.LLM.MaxTokens,
		},
	}
}

func millis(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}
