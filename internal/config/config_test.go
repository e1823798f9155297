package config_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/vocalink/internal/config"
	"github.com/MrWong99/vocalink/internal/iot"
	"github.com/MrWong99/vocalink/pkg/provider/llm"
	llmmock "github.com/MrWong99/vocalink/pkg/provider/llm/mock"
	"github.com/MrWong99/vocalink/pkg/provider/stt"
	sttmock "github.com/MrWong99/vocalink/pkg/provider/stt/mock"
	"github.com/MrWong99/vocalink/pkg/provider/tts"
	ttsmock "github.com/MrWong99/vocalink/pkg/provider/tts/mock"
	"github.com/MrWong99/vocalink/pkg/provider/vad"
	vadmock "github.com/MrWong99/vocalink/pkg/provider/vad/mock"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: ":9000"
  device_path: /xiaozhi/v1/
  log_level: debug
  max_sessions: 50
  malformed_frame_limit: 5

providers:
  stt:
    name: deepgram
    api_key: dg-test
    model: nova-2
    timeout_ms: 8000
  tts:
    name: elevenlabs
    api_key: el-test
    options:
      output_format: pcm_16000
  llm:
    name: openai
    api_key: sk-test
    model: gpt-4o-mini
  vad:
    name: energy

fallbacks:
  stt:
    - name: whisper
      base_url: http://localhost:8178
  llm:
    - name: gemini
      api_key: g-test
      model: gemini-2.0-flash

pipeline:
  sample_rate: 16000
  frame_ms: 20
  vad_threshold: 0.6
  vad_silence_threshold: 0.3
  vad_hangover_ms: 800
  disable_barge_in: true
  output_codec: opus
  output_frame_ms: 60
  language: de-DE

llm:
  system_prompt: You are a kitchen assistant.
  max_tool_chain: 3
  max_history: 10
  retry_backoff_ms: 200

voice: Rachel

iot:
  - name: fan
    description: Ceiling fan
    properties:
      speed: {type: number, initial: 0}
    methods:
      set_speed:
        parameters:
          speed: {type: number}

mcp:
  servers:
    - name: weather
      transport: streamable-http
      url: https://tools.example.com/mcp
  device_timeout_ms: 10000

archive:
  dir: /var/lib/vocalink
  flush_interval: 2m
  store: sqlite
  dsn: /var/lib/vocalink/archive.db
  retry_max: 4

directory:
  url: https://devices.example.com
  devices:
    "AA:BB:CC:DD:EE:FF":
      voice: Adam
      llm_model: gpt-4o

exit_phrases: [tschüss, bye]
`

// ── YAML loading ──────────────────────────────────────────────────────────────

func TestLoadFromReader_Valid(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":9000" {
		t.Errorf("server.listen_addr = %q, want %q", cfg.Server.ListenAddr, ":9000")
	}
	if cfg.Server.DevicePath != "/xiaozhi/v1/" {
		t.Errorf("server.device_path = %q, want %q", cfg.Server.DevicePath, "/xiaozhi/v1/")
	}
	if cfg.Providers.STT.Timeout() != 8*time.Second {
		t.Errorf("providers.stt.timeout = %v, want 8s", cfg.Providers.STT.Timeout())
	}
	if got := cfg.Providers.TTS.Option("output_format"); got != "pcm_16000" {
		t.Errorf("providers.tts.options.output_format = %q, want pcm_16000", got)
	}
	if len(cfg.Fallbacks.LLM) != 1 || cfg.Fallbacks.LLM[0].Name != "gemini" {
		t.Errorf("fallbacks.llm = %+v, want [gemini]", cfg.Fallbacks.LLM)
	}
	if !cfg.Pipeline.DisableBargeIn || cfg.Pipeline.VADHangoverMs != 800 {
		t.Errorf("pipeline = %+v", cfg.Pipeline)
	}
	if cfg.LLM.MaxToolChain != 3 {
		t.Errorf("llm.max_tool_chain = %d, want 3", cfg.LLM.MaxToolChain)
	}
	if len(cfg.IoT) != 1 || cfg.IoT[0].Name != "fan" {
		t.Errorf("iot = %+v, want [fan]", cfg.IoT)
	}
	if cfg.Archive.FlushInterval != 2*time.Minute {
		t.Errorf("archive.flush_interval = %v, want 2m", cfg.Archive.FlushInterval)
	}
	if cfg.Archive.Store != config.StoreSQLite {
		t.Errorf("archive.store = %q, want sqlite", cfg.Archive.Store)
	}
	if p := cfg.Directory.Devices["AA:BB:CC:DD:EE:FF"]; p.Voice != "Adam" || p.LLMModel != "gpt-4o" {
		t.Errorf("directory.devices = %+v", cfg.Directory.Devices)
	}
	if len(cfg.ExitPhrases) != 2 || cfg.ExitPhrases[0] != "tschüss" {
		t.Errorf("exit_phrases = %q", cfg.ExitPhrases)
	}
	if srv := cfg.MCP.Servers[0].ServerConfig(); srv.Name != "weather" || srv.URL == "" {
		t.Errorf("mcp server = %+v", srv)
	}
}

func TestLoadFromReader_Defaults(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("unexpected error for empty config: %v", err)
	}
	if cfg.Server.ListenAddr != config.DefaultListenAddr {
		t.Errorf("listen_addr = %q, want %q", cfg.Server.ListenAddr, config.DefaultListenAddr)
	}
	if cfg.Server.DevicePath != config.DefaultDevicePath {
		t.Errorf("device_path = %q, want %q", cfg.Server.DevicePath, config.DefaultDevicePath)
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level = %q, want info", cfg.Server.LogLevel)
	}
	if cfg.Archive.Store != config.StoreNone {
		t.Errorf("archive.store = %q, want none", cfg.Archive.Store)
	}
	if len(cfg.ExitPhrases) != len(config.DefaultExitPhrases) {
		t.Errorf("exit_phrases = %q, want defaults", cfg.ExitPhrases)
	}
	if len(cfg.IoT) != 1 || cfg.IoT[0].Name != "light" {
		t.Errorf("iot = %+v, want the default light", cfg.IoT)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("server:\n  listen_adr: \":1\"\n"))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

func TestLoadFromReader_ExpandsEnvironment(t *testing.T) {
	t.Setenv("VOCALINK_TEST_LLM_KEY", "sk-from-env")
	cfg, err := config.LoadFromReader(strings.NewReader("providers:\n  llm:\n    name: openai\n    api_key: ${VOCALINK_TEST_LLM_KEY}\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Providers.LLM.APIKey != "sk-from-env" {
		t.Errorf("api_key = %q, want sk-from-env", cfg.Providers.LLM.APIKey)
	}
}

func TestLoad_ReadsDotEnv(t *testing.T) {
	const key = "VOCALINK_TEST_DOTENV_KEY"
	t.Cleanup(func() { os.Unsetenv(key) })

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, ".env"), key+"=dg-from-dotenv\n")
	path := filepath.Join(dir, "config.yaml")
	writeFile(t, path, "providers:\n  stt:\n    name: deepgram\n    api_key: ${"+key+"}\n")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Providers.STT.APIKey != "dg-from-dotenv" {
		t.Errorf("api_key = %q, want dg-from-dotenv", cfg.Providers.STT.APIKey)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Load = %v, want os.ErrNotExist", err)
	}
}

// The shipped example must stay loadable and declare the light the way the
// built-in default does.
func TestLoad_ExampleConfig(t *testing.T) {
	t.Parallel()
	cfg, err := config.Load(filepath.Join("..", "..", "configs", "example.yaml"))
	if err != nil {
		t.Fatalf("Load example: %v", err)
	}
	want := iot.DefaultThings()[0]
	var light *iot.Thing
	for i := range cfg.IoT {
		if cfg.IoT[i].Name == want.Name {
			light = &cfg.IoT[i]
		}
	}
	if light == nil {
		t.Fatalf("example iot = %+v, want a %q thing", cfg.IoT, want.Name)
	}
	for name, m := range want.Methods {
		if len(m.Sets) == 0 {
			continue
		}
		got, ok := light.Methods[name]
		if !ok {
			t.Errorf("example light lacks method %q", name)
			continue
		}
		if fmt.Sprint(got.Sets) != fmt.Sprint(m.Sets) {
			t.Errorf("example %s sets %v, want %v", name, got.Sets, m.Sets)
		}
	}
}

func TestLoadFromReader_IoTFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "things.yaml")
	writeFile(t, path, "things:\n  - name: fan\n    properties:\n      power: {type: boolean}\n    methods:\n      on:\n        sets: {power: true}\n")

	cfg, err := loadString("iot_file: " + path + "\n")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.IoT) != 1 || cfg.IoT[0].Name != "fan" {
		t.Errorf("iot = %+v, want only fan", cfg.IoT)
	}
}

func TestLoadFromReader_IoTFileMissing(t *testing.T) {
	t.Parallel()
	_, err := loadString("iot_file: " + filepath.Join(t.TempDir(), "none.yaml") + "\n")
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("err = %v, want os.ErrNotExist", err)
	}
}

// ── Registry ──────────────────────────────────────────────────────────────────

func TestRegistry_CreateRegistered(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	var got config.ProviderEntry
	reg.RegisterSTT("mock", func(e config.ProviderEntry) (stt.Provider, error) {
		got = e
		return &sttmock.Provider{}, nil
	})
	reg.RegisterTTS("mock", func(config.ProviderEntry) (tts.Provider, error) { return &ttsmock.Provider{}, nil })
	reg.RegisterLLM("mock", func(config.ProviderEntry) (llm.Provider, error) { return &llmmock.Provider{}, nil })
	reg.RegisterVAD("mock", func(config.ProviderEntry) (vad.Engine, error) { return &vadmock.Engine{}, nil })

	entry := config.ProviderEntry{Name: "mock", Model: "m1"}
	if _, err := reg.CreateSTT(entry); err != nil {
		t.Errorf("CreateSTT: %v", err)
	}
	if got.Model != "m1" {
		t.Errorf("factory entry model = %q, want m1", got.Model)
	}
	if _, err := reg.CreateTTS(entry); err != nil {
		t.Errorf("CreateTTS: %v", err)
	}
	if _, err := reg.CreateLLM(entry); err != nil {
		t.Errorf("CreateLLM: %v", err)
	}
	if _, err := reg.CreateVAD(entry); err != nil {
		t.Errorf("CreateVAD: %v", err)
	}
	if names := reg.Names("stt"); len(names) != 1 || names[0] != "mock" {
		t.Errorf("Names(stt) = %q, want [mock]", names)
	}
}

func TestRegistry_NotRegistered(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	entry := config.ProviderEntry{Name: "nope"}

	tests := []struct {
		name string
		fn   func() error
	}{
		{"stt", func() error { _, err := reg.CreateSTT(entry); return err }},
		{"tts", func() error { _, err := reg.CreateTTS(entry); return err }},
		{"llm", func() error { _, err := reg.CreateLLM(entry); return err }},
		{"vad", func() error { _, err := reg.CreateVAD(entry); return err }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.fn()
			if !errors.Is(err, config.ErrProviderNotRegistered) {
				t.Errorf("err = %v, want ErrProviderNotRegistered", err)
			}
			if !strings.Contains(err.Error(), tt.name) {
				t.Errorf("err = %v, want it to name the kind %q", err, tt.name)
			}
		})
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	boom := errors.New("bad key")
	reg.RegisterLLM("broken", func(config.ProviderEntry) (llm.Provider, error) { return nil, boom })
	if _, err := reg.CreateLLM(config.ProviderEntry{Name: "broken"}); !errors.Is(err, boom) {
		t.Errorf("CreateLLM = %v, want %v", err, boom)
	}
}

func TestRegistry_ConcurrentUse(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; ctx.Err() == nil && i < 200; i++ {
			reg.RegisterVAD("energy", func(config.ProviderEntry) (vad.Engine, error) { return &vadmock.Engine{}, nil })
		}
	}()
	for i := 0; i < 200; i++ {
		reg.CreateVAD(config.ProviderEntry{Name: "energy"})
	}
	<-done
}
