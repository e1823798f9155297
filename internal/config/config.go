// Package config provides the configuration schema, loader, provider
// registry and hot-reload watcher for the vocalink gateway.
package config

import (
	"time"

	"github.com/MrWong99/vocalink/internal/directory"
	"github.com/MrWong99/vocalink/internal/iot"
	"github.com/MrWong99/vocalink/internal/mcp"
)

// LogLevel controls log verbosity for the gateway.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// StoreKind selects the archive backend.
type StoreKind string

const (
	StoreNone     StoreKind = "none"
	StorePostgres StoreKind = "postgres"
	StoreSQLite   StoreKind = "sqlite"
)

// IsValid reports whether k is a recognised store kind.
func (k StoreKind) IsValid() bool {
	switch k {
	case StoreNone, StorePostgres, StoreSQLite:
		return true
	}
	return false
}

// Defaults applied by [LoadFromReader] to empty fields.
const (
	DefaultListenAddr = ":8080"
	DefaultDevicePath = "/v1/device"
)

// DefaultExitPhrases end a conversation when the user says them.
var DefaultExitPhrases = []string{"goodbye", "bye", "see you"}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Fallbacks FallbacksConfig `yaml:"fallbacks"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	LLM       LLMConfig       `yaml:"llm"`

	// Voice is the default TTS voice id. Devices may override it through the
	// directory.
	Voice string `yaml:"voice"`

	// IoT lists the things every session can control before the device
	// sends descriptors. Empty selects a single light.
	IoT []iot.Thing `yaml:"iot"`

	// IoTFile names a things YAML file whose entries are appended to IoT.
	IoTFile string `yaml:"iot_file"`

	MCP       MCPConfig       `yaml:"mcp"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Directory DirectoryConfig `yaml:"directory"`

	// ExitPhrases end the session after the closing reply. Empty selects
	// [DefaultExitPhrases].
	ExitPhrases []string `yaml:"exit_phrases"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP server listens on.
	ListenAddr string `yaml:"listen_addr"`

	// DevicePath is the websocket endpoint devices connect to.
	DevicePath string `yaml:"device_path"`

	LogLevel LogLevel `yaml:"log_level"`

	// MaxSessions caps concurrent device sessions. Zero means unlimited.
	MaxSessions int `yaml:"max_sessions"`

	// MalformedFrameLimit is the number of consecutive undecodable frames
	// after which a session is closed.
	MalformedFrameLimit int `yaml:"malformed_frame_limit"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// ProvidersConfig declares which provider implementation to use for each
// pipeline stage. Each field selects a named provider registered in the
// [Registry].
type ProvidersConfig struct {
	STT ProviderEntry `yaml:"stt"`
	TTS ProviderEntry `yaml:"tts"`
	LLM ProviderEntry `yaml:"llm"`
	VAD ProviderEntry `yaml:"vad"`
}

// FallbacksConfig lists backup providers per role, tried in order when the
// primary fails or its circuit is open.
type FallbacksConfig struct {
	STT []ProviderEntry `yaml:"stt"`
	TTS []ProviderEntry `yaml:"tts"`
	LLM []ProviderEntry `yaml:"llm"`
}

// ProviderEntry is the common configuration block shared by all provider
// types. The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai",
	// "deepgram").
	Name string `yaml:"name"`

	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// TimeoutMs bounds one request to the provider. For STT it is the time
	// allowed to transcribe an utterance, for TTS the time to the first
	// audio chunk, for the LLM one completion.
	TimeoutMs int `yaml:"timeout_ms"`

	// Options holds provider-specific values not covered by the fields above.
	Options map[string]any `yaml:"options"`
}

// Timeout returns TimeoutMs as a duration. Zero means the provider default.
func (e ProviderEntry) Timeout() time.Duration {
	return time.Duration(e.TimeoutMs) * time.Millisecond
}

// Option returns the string value of an entry in Options, or "".
func (e ProviderEntry) Option(key string) string {
	s, _ := e.Options[key].(string)
	return s
}

// PipelineConfig tunes the audio path of every session.
type PipelineConfig struct {
	// SampleRate is the rate audio is converted to before VAD and STT.
	SampleRate int `yaml:"sample_rate"`

	// FrameMs is the duration of one segmenter frame.
	FrameMs int `yaml:"frame_ms"`

	VADThreshold        float64 `yaml:"vad_threshold"`
	VADSilenceThreshold float64 `yaml:"vad_silence_threshold"`
	VADDebounceFrames   int     `yaml:"vad_debounce_frames"`
	VADHangoverMs       int     `yaml:"vad_hangover_ms"`
	VADPrerollMs        int     `yaml:"vad_preroll_ms"`
	MaxUtteranceMs      int     `yaml:"max_utterance_ms"`

	// DisableBargeIn keeps speech from interrupting a reply outside realtime
	// listen mode.
	DisableBargeIn bool `yaml:"disable_barge_in"`

	InboundQueue  int `yaml:"inbound_queue"`
	OutboundQueue int `yaml:"outbound_queue"`

	// OutputCodec is "opus" or "pcm16".
	OutputCodec      string `yaml:"output_codec"`
	OutputSampleRate int    `yaml:"output_sample_rate"`
	OutputFrameMs    int    `yaml:"output_frame_ms"`

	// Language is the default BCP-47 language passed to STT and TTS.
	Language string `yaml:"language"`
}

// LLMConfig tunes the conversation loop.
type LLMConfig struct {
	SystemPrompt     string  `yaml:"system_prompt"`
	MaxToolChain     int     `yaml:"max_tool_chain"`
	MaxHistory       int     `yaml:"max_history"`
	MaxContextTokens int     `yaml:"max_context_tokens"`
	RetryBackoffMs   int     `yaml:"retry_backoff_ms"`
	Apology          string  `yaml:"apology"`
	ErrorReply       string  `yaml:"error_reply"`
	Temperature      float64 `yaml:"temperature"`
	MaxTokens        int     `yaml:"max_tokens"`
}

// MCPConfig holds the external Model Context Protocol servers shared by all
// sessions and the device-side MCP settings.
type MCPConfig struct {
	Servers []MCPServerConfig `yaml:"servers"`

	// DeviceTimeoutMs bounds one JSON-RPC request to a device. Zero selects
	// 30 seconds.
	DeviceTimeoutMs int `yaml:"device_timeout_ms"`
}

// MCPServerConfig describes how to connect to a single MCP tool server.
type MCPServerConfig struct {
	Name      string        `yaml:"name"`
	Transport mcp.Transport `yaml:"transport"`

	// Command is the executable (with optional arguments) launched when
	// Transport is "stdio".
	Command string `yaml:"command"`

	// URL is the endpoint used when Transport is "streamable-http".
	URL string `yaml:"url"`

	// Env holds additional environment variables for stdio servers.
	Env map[string]string `yaml:"env"`
}

// ServerConfig converts c to the dispatcher's server description.
func (c MCPServerConfig) ServerConfig() mcp.ServerConfig {
	return mcp.ServerConfig{
		Name:      c.Name,
		Transport: c.Transport,
		Command:   c.Command,
		URL:       c.URL,
		Env:       c.Env,
	}
}

// ArchiveConfig controls conversation recording.
type ArchiveConfig struct {
	// Dir is where WAV artifacts are written. Empty stores records without
	// audio.
	Dir string `yaml:"dir"`

	// FlushInterval cuts long sessions into several records. Zero selects
	// five minutes.
	FlushInterval time.Duration `yaml:"flush_interval"`

	Store StoreKind `yaml:"store"`

	// DSN is the Postgres connection string or the SQLite file path.
	DSN string `yaml:"dsn"`

	// RetryMax is the number of save attempts per record.
	RetryMax int `yaml:"retry_max"`
}

// DirectoryConfig configures per-device profile lookup.
type DirectoryConfig struct {
	// URL is the base of the HTTP device directory. Empty disables it.
	URL string `yaml:"url"`

	TimeoutMs int `yaml:"timeout_ms"`

	// Devices are static per-device overrides keyed by device id.
	Devices map[string]directory.Profile `yaml:"devices"`
}
