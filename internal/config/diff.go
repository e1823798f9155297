package config

import (
	"maps"
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
//
// Sessions pick up the llm, pipeline, voice and exit phrase settings when
// they start, so those apply without a restart. Any other change is listed
// in RestartRequired.
type ConfigDiff struct {
	LLMChanged         bool
	PipelineChanged    bool
	VoiceChanged       bool
	ExitPhrasesChanged bool

	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired names the top-level sections whose changes only take
	// effect after a restart.
	RestartRequired []string
}

// HotReloadable reports whether d contains any change that new sessions
// pick up.
func (d ConfigDiff) HotReloadable() bool {
	return d.LLMChanged || d.PipelineChanged || d.VoiceChanged || d.ExitPhrasesChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{
		LLMChanged:         old.LLM != new.LLM,
		PipelineChanged:    old.Pipeline != new.Pipeline,
		VoiceChanged:       old.Voice != new.Voice,
		ExitPhrasesChanged: !slices.Equal(old.ExitPhrases, new.ExitPhrases),
	}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	sections := map[string]bool{
		"server":    !reflect.DeepEqual(oldServer, newServer),
		"providers": !reflect.DeepEqual(old.Providers, new.Providers),
		"fallbacks": !reflect.DeepEqual(old.Fallbacks, new.Fallbacks),
		"iot":       !reflect.DeepEqual(old.IoT, new.IoT),
		"mcp":       !reflect.DeepEqual(old.MCP, new.MCP),
		"archive":   old.Archive != new.Archive,
		"directory": !reflect.DeepEqual(old.Directory, new.Directory),
	}
	for _, name := range slices.Sorted(maps.Keys(sections)) {
		if sections[name] {
			d.RestartRequired = append(d.RestartRequired, name)
		}
	}
	return d
}
