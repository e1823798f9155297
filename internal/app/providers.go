package app

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/vocalink/internal/config"
	"github.com/MrWong99/vocalink/internal/resilience"
	"github.com/MrWong99/vocalink/pkg/provider/llm"
	"github.com/MrWong99/vocalink/pkg/provider/stt"
	"github.com/MrWong99/vocalink/pkg/provider/tts"
	"github.com/MrWong99/vocalink/pkg/provider/vad"
)

// Circuit breaker settings applied to every provider.
const (
	breakerMaxFailures  = 5
	breakerResetTimeout = 30 * time.Second
	breakerHalfOpenMax  = 3
)

// DefaultVAD is used when providers.vad is not configured.
const DefaultVAD = "energy"

// Providers holds one interface value per provider slot, each already
// wrapped in its fallback group.
type Providers struct {
	STT     stt.Provider
	STTName string
	TTS     tts.Provider
	TTSName string
	LLM     llm.Provider
	LLMName string
	VAD     vad.Engine

	// Models resolves a per-device llm_model override. Optional.
	Models func(model string) (llm.Provider, bool)
}

// BuildProviders instantiates the configured providers from reg. Every
// role is wrapped in a fallback group with one circuit breaker per backend,
// so a primary without fallbacks still gets a breaker.
func BuildProviders(reg *config.Registry, cfg *config.Config) (*Providers, error) {
	p := &Providers{}

	if e := cfg.Providers.STT; e.Name != "" {
		primary, err := reg.CreateSTT(e)
		if err != nil {
			return nil, fmt.Errorf("app: create stt %q: %w", e.Name, err)
		}
		group := resilience.NewSTTFallback(primary, e.Name, fallbackConfig())
		for _, fb := range cfg.Fallbacks.STT {
			prov, err := reg.CreateSTT(fb)
			if err != nil {
				return nil, fmt.Errorf("app: create stt fallback %q: %w", fb.Name, err)
			}
			group.AddFallback(fb.Name, prov)
		}
		p.STT, p.STTName = group, e.Name
	}

	if e := cfg.Providers.TTS; e.Name != "" {
		primary, err := reg.CreateTTS(e)
		if err != nil {
			return nil, fmt.Errorf("app: create tts %q: %w", e.Name, err)
		}
		group := resilience.NewTTSFallback(primary, e.Name, fallbackConfig())
		for _, fb := range cfg.Fallbacks.TTS {
			prov, err := reg.CreateTTS(fb)
			if err != nil {
				return nil, fmt.Errorf("app: create tts fallback %q: %w", fb.Name, err)
			}
			group.AddFallback(fb.Name, prov)
		}
		p.TTS, p.TTSName = group, e.Name
	}

	if e := cfg.Providers.LLM; e.Name != "" {
		group, err := buildLLM(reg, e, cfg.Fallbacks.LLM)
		if err != nil {
			return nil, err
		}
		p.LLM, p.LLMName = group, e.Name
		p.Models = newModelResolver(reg, e, group, cfg.Fallbacks.LLM).resolve
	}

	ve := cfg.Providers.VAD
	if ve.Name == "" {
		ve.Name = DefaultVAD
	}
	engine, err := reg.CreateVAD(ve)
	if err != nil {
		return nil, fmt.Errorf("app: create vad %q: %w", ve.Name, err)
	}
	p.VAD = engine

	return p, nil
}

func buildLLM(reg *config.Registry, primary config.ProviderEntry, fallbacks []config.ProviderEntry) (*resilience.LLMFallback, error) {
	prov, err := reg.CreateLLM(primary)
	if err != nil {
		return nil, fmt.Errorf("app: create llm %q: %w", primary.Name, err)
	}
	group := resilience.NewLLMFallback(prov, breakerName(primary), fallbackConfig())
	for _, fb := range fallbacks {
		prov, err := reg.CreateLLM(fb)
		if err != nil {
			return nil, fmt.Errorf("app: create llm fallback %q: %w", fb.Name, err)
		}
		group.AddFallback(breakerName(fb), prov)
	}
	return group, nil
}

func breakerName(e config.ProviderEntry) string {
	if e.Model == "" {
		return e.Name
	}
	return e.Name + "/" + e.Model
}

func fallbackConfig() resilience.FallbackConfig {
	return resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  breakerMaxFailures,
			ResetTimeout: breakerResetTimeout,
			HalfOpenMax:  breakerHalfOpenMax,
			OnStateChange: func(name string, from, to resilience.State) {
				slog.Warn("provider circuit breaker changed state", "provider", name, "from", from, "to", to)
			},
		},
	}
}

// modelResolver builds one LLM per requested model on first use. The model
// replaces the primary's model; fallbacks keep their own. The primary's own
// model resolves to the default group.
type modelResolver struct {
	reg       *config.Registry
	primary   config.ProviderEntry
	fallbacks []config.ProviderEntry

	mu     sync.Mutex
	models map[string]llm.Provider
}

func newModelResolver(reg *config.Registry, primary config.ProviderEntry, group llm.Provider, fallbacks []config.ProviderEntry) *modelResolver {
	r := &modelResolver{
		reg:       reg,
		primary:   primary,
		fallbacks: fallbacks,
		models:    make(map[string]llm.Provider),
	}
	if primary.Model != "" {
		r.models[primary.Model] = group
	}
	return r
}

func (r *modelResolver) resolve(model string) (llm.Provider, bool) {
	if model == "" {
		return nil, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.models[model]; ok {
		return p, true
	}

	entry := r.primary
	entry.Model = model
	p, err := buildLLM(r.reg, entry, r.fallbacks)
	if err != nil {
		slog.Warn("cannot build model override, using default model", "model", model, "err", err)
		return nil, false
	}
	r.models[model] = p
	return p, true
}
