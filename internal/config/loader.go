package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/vocalink/internal/iot"
	"github.com/MrWong99/vocalink/internal/mcp"
	"github.com/MrWong99/vocalink/pkg/audio"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt": {"deepgram", "google", "whisper", "whisper-native"},
	"tts": {"elevenlabs", "openai", "coqui"},
	"llm": {"openai", "gemini", "anthropic", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"vad": {"energy"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. A .env file next to the configuration is loaded into the process
// environment first; variables already set are not overridden.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if err == nil {
		slog.Debug("loaded environment file", "path", path)
		return nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("config: load %q: %w", path, err)
}

// LoadFromReader decodes a YAML config from r, expands ${VAR} references
// from the environment, fills defaults and validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}

	cfg := &Config{}
	dec := yaml.NewDecoder(strings.NewReader(os.ExpandEnv(string(raw))))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if cfg.IoTFile != "" {
		things, err := iot.LoadFile(cfg.IoTFile)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		cfg.IoT = append(cfg.IoT, things...)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.DevicePath == "" {
		cfg.Server.DevicePath = DefaultDevicePath
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Archive.Store == "" {
		cfg.Archive.Store = StoreNone
	}
	if len(cfg.ExitPhrases) == 0 {
		cfg.ExitPhrases = slices.Clone(DefaultExitPhrases)
	}
	if len(cfg.IoT) == 0 {
		cfg.IoT = iot.DefaultThings()
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if p := cfg.Server.DevicePath; p != "" && !strings.HasPrefix(p, "/") {
		errs = append(errs, fmt.Errorf("server.device_path %q must start with '/'", p))
	}
	if cfg.Server.MaxSessions < 0 {
		errs = append(errs, fmt.Errorf("server.max_sessions %d must not be negative", cfg.Server.MaxSessions))
	}
	if cfg.Server.MalformedFrameLimit < 0 {
		errs = append(errs, fmt.Errorf("server.malformed_frame_limit %d must not be negative", cfg.Server.MalformedFrameLimit))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Providers
	for kind, entry := range map[string]ProviderEntry{
		"stt": cfg.Providers.STT,
		"tts": cfg.Providers.TTS,
		"llm": cfg.Providers.LLM,
		"vad": cfg.Providers.VAD,
	} {
		validateProviderName(kind, entry.Name)
		if entry.TimeoutMs < 0 {
			errs = append(errs, fmt.Errorf("providers.%s.timeout_ms %d must not be negative", kind, entry.TimeoutMs))
		}
	}
	for _, role := range []struct {
		kind    string
		primary ProviderEntry
		backups []ProviderEntry
	}{
		{"stt", cfg.Providers.STT, cfg.Fallbacks.STT},
		{"tts", cfg.Providers.TTS, cfg.Fallbacks.TTS},
		{"llm", cfg.Providers.LLM, cfg.Fallbacks.LLM},
	} {
		if role.primary.Name == "" {
			slog.Warn("no provider configured; sessions cannot run", "kind", role.kind)
			if len(role.backups) > 0 {
				errs = append(errs, fmt.Errorf("fallbacks.%s requires providers.%s", role.kind, role.kind))
			}
		}
		for i, b := range role.backups {
			if b.Name == "" {
				errs = append(errs, fmt.Errorf("fallbacks.%s[%d].name is required", role.kind, i))
				continue
			}
			validateProviderName(role.kind, b.Name)
		}
	}

	// Pipeline
	p := cfg.Pipeline
	for _, v := range []struct {
		name  string
		value float64
	}{
		{"vad_threshold", p.VADThreshold},
		{"vad_silence_threshold", p.VADSilenceThreshold},
	} {
		if v.value < 0 || v.value > 1 {
			errs = append(errs, fmt.Errorf("pipeline.%s %.2f is out of range [0, 1]", v.name, v.value))
		}
	}
	if p.VADSilenceThreshold > 0 && p.VADThreshold > 0 && p.VADSilenceThreshold > p.VADThreshold {
		errs = append(errs, fmt.Errorf("pipeline.vad_silence_threshold %.2f exceeds vad_threshold %.2f", p.VADSilenceThreshold, p.VADThreshold))
	}
	if p.SampleRate != 0 && !slices.Contains([]int{8000, 16000, 24000, 48000}, p.SampleRate) {
		errs = append(errs, fmt.Errorf("pipeline.sample_rate %d is invalid; valid values: 8000, 16000, 24000, 48000", p.SampleRate))
	}
	if p.FrameMs != 0 && !slices.Contains([]int{10, 20, 30}, p.FrameMs) {
		errs = append(errs, fmt.Errorf("pipeline.frame_ms %d is invalid; valid values: 10, 20, 30", p.FrameMs))
	}
	if p.OutputFrameMs != 0 && !slices.Contains([]int{20, 40, 60}, p.OutputFrameMs) {
		errs = append(errs, fmt.Errorf("pipeline.output_frame_ms %d is invalid; valid values: 20, 40, 60", p.OutputFrameMs))
	}
	if p.OutputCodec != "" {
		if _, err := audio.ParseCodec(p.OutputCodec); err != nil {
			errs = append(errs, fmt.Errorf("pipeline.output_codec: %w", err))
		}
	}
	for name, v := range map[string]int{
		"vad_debounce_frames": p.VADDebounceFrames,
		"vad_hangover_ms":     p.VADHangoverMs,
		"vad_preroll_ms":      p.VADPrerollMs,
		"max_utterance_ms":    p.MaxUtteranceMs,
		"inbound_queue":       p.InboundQueue,
		"outbound_queue":      p.OutboundQueue,
	} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("pipeline.%s %d must not be negative", name, v))
		}
	}

	// LLM
	if cfg.LLM.MaxToolChain < 0 {
		errs = append(errs, fmt.Errorf("llm.max_tool_chain %d must not be negative", cfg.LLM.MaxToolChain))
	}
	if cfg.LLM.MaxHistory < 0 {
		errs = append(errs, fmt.Errorf("llm.max_history %d must not be negative", cfg.LLM.MaxHistory))
	}
	if t := cfg.LLM.Temperature; t < 0 || t > 2 {
		errs = append(errs, fmt.Errorf("llm.temperature %.2f is out of range [0, 2]", t))
	}

	// IoT
	thingsSeen := make(map[string]int, len(cfg.IoT))
	for i, t := range cfg.IoT {
		if err := iot.Validate(t); err != nil {
			errs = append(errs, fmt.Errorf("iot[%d] %q: %w", i, t.Name, err))
		}
		if prev, ok := thingsSeen[t.Name]; ok {
			errs = append(errs, fmt.Errorf("iot[%d].name %q is a duplicate of iot[%d]", i, t.Name, prev))
		}
		thingsSeen[t.Name] = i
	}

	// MCP servers
	serversSeen := make(map[string]int, len(cfg.MCP.Servers))
	for i, srv := range cfg.MCP.Servers {
		prefix := fmt.Sprintf("mcp.servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := serversSeen[srv.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of mcp.servers[%d]", prefix, srv.Name, prev))
			}
			serversSeen[srv.Name] = i
		}
		if srv.Transport != "" && !srv.Transport.IsValid() {
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http", prefix, srv.Transport))
		}
		if srv.Transport == mcp.TransportStdio && srv.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
		}
		if srv.Transport == mcp.TransportStreamableHTTP && srv.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required when transport is streamable-http", prefix))
		}
	}
	if cfg.MCP.DeviceTimeoutMs < 0 {
		errs = append(errs, fmt.Errorf("mcp.device_timeout_ms %d must not be negative", cfg.MCP.DeviceTimeoutMs))
	}

	// Archive
	a := cfg.Archive
	if a.Store != "" && !a.Store.IsValid() {
		errs = append(errs, fmt.Errorf("archive.store %q is invalid; valid values: postgres, sqlite, none", a.Store))
	}
	if (a.Store == StorePostgres || a.Store == StoreSQLite) && a.DSN == "" {
		errs = append(errs, fmt.Errorf("archive.dsn is required when store is %s", a.Store))
	}
	if a.FlushInterval < 0 {
		errs = append(errs, fmt.Errorf("archive.flush_interval %s must not be negative", a.FlushInterval))
	}
	if a.RetryMax < 0 {
		errs = append(errs, fmt.Errorf("archive.retry_max %d must not be negative", a.RetryMax))
	}
	if a.Dir != "" && a.Store == StoreNone {
		slog.Warn("archive.dir is set but archive.store is none; recordings are written without records")
	}

	// Directory
	if u := cfg.Directory.URL; u != "" {
		if parsed, err := url.Parse(u); err != nil || parsed.Scheme == "" || parsed.Host == "" {
			errs = append(errs, fmt.Errorf("directory.url %q is not an absolute URL", u))
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
