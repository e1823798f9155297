package protocol

import "encoding/json"

// ControlType is the value of the "type" field of a JSON control frame.
type ControlType string

// Control frame types. The first block is the core device-link enumeration;
// the second block carries session setup, IoT and device-side tool traffic.
const (
	TypeListenStart       ControlType = "listen.start"
	TypeListenStop        ControlType = "listen.stop"
	TypeWakeDetected      ControlType = "wake.detected"
	TypeAbort             ControlType = "abort"
	TypeTTSStart          ControlType = "tts.start"
	TypeTTSStop           ControlType = "tts.stop"
	TypeTranscriptPartial ControlType = "transcript.partial"
	TypeTranscriptFinal   ControlType = "transcript.final"
	TypeError             ControlType = "error"

	TypeHello          ControlType = "hello"
	TypeGoodbye        ControlType = "goodbye"
	TypeListenText     ControlType = "listen.text"
	TypeTTSSentence    ControlType = "tts.sentence"
	TypeIoTDescriptors ControlType = "iot.descriptors"
	TypeIoTStates      ControlType = "iot.states"
	TypeIoTCommand     ControlType = "iot.command"
	TypeMCP            ControlType = "mcp"
)

// IsValid reports whether t is a recognised control type.
func (t ControlType) IsValid() bool {
	switch t {
	case TypeListenStart, TypeListenStop, TypeWakeDetected, TypeAbort,
		TypeTTSStart, TypeTTSStop, TypeTranscriptPartial, TypeTranscriptFinal, TypeError,
		TypeHello, TypeGoodbye, TypeListenText, TypeTTSSentence,
		TypeIoTDescriptors, TypeIoTStates, TypeIoTCommand, TypeMCP:
		return true
	}
	return false
}

// ListenMode selects how utterance boundaries are determined.
type ListenMode string

const (
	// ListenAuto ends utterances on VAD silence.
	ListenAuto ListenMode = "auto"

	// ListenManual ends utterances only on listen.stop.
	ListenManual ListenMode = "manual"

	// ListenRealtime ends utterances on VAD silence and always allows barge-in.
	ListenRealtime ListenMode = "realtime"
)

// IsValid reports whether m is a recognised listen mode. The empty mode is
// valid and means "keep the current mode".
func (m ListenMode) IsValid() bool {
	switch m {
	case "", ListenAuto, ListenManual, ListenRealtime:
		return true
	}
	return false
}

// Error codes carried by [TypeError] control events.
const (
	CodeMalformedFrame    = "malformed_frame"
	CodeSTTUnavailable    = "stt_unavailable"
	CodeSTTTimeout        = "stt_timeout"
	CodeLLMUnavailable    = "llm_unavailable"
	CodeTTSUnavailable    = "tts_unavailable"
	CodeToolChainExceeded = "tool_chain_exceeded"
	CodeInternal          = "internal"
)

// ControlEvent is a decoded JSON control frame. Only the fields relevant to
// Type are populated; the rest are zero and omitted on the wire.
type ControlEvent struct {
	Type      ControlType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`

	// Mode is set on listen.start.
	Mode ListenMode `json:"mode,omitempty"`

	// Text carries transcripts, sentences, typed queries, and optional
	// wake-word text.
	Text string `json:"text,omitempty"`

	// Reason is set on abort, tts.stop and goodbye.
	Reason string `json:"reason,omitempty"`

	// Code and Message are set on error.
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`

	// Hello fields.
	Version     int          `json:"version,omitempty"`
	AudioParams *AudioParams `json:"audio_params,omitempty"`
	Features    *Features    `json:"features,omitempty"`

	// IoT fields.
	Descriptors []IoTDescriptor `json:"descriptors,omitempty"`
	States      []IoTState      `json:"states,omitempty"`
	Commands    []IoTCommand    `json:"commands,omitempty"`

	// Payload is the JSON-RPC message carried by an mcp frame.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// AudioParams describes the audio format one side of the link will send.
type AudioParams struct {
	Format        string `json:"format"`
	SampleRate    int    `json:"sample_rate"`
	Channels      int    `json:"channels"`
	FrameDuration int    `json:"frame_duration"`
}

// Features lists optional capabilities advertised in hello.
type Features struct {
	MCP bool `json:"mcp,omitempty"`
	AEC bool `json:"aec,omitempty"`
}

// IoTDescriptor describes one controllable thing on the device.
type IoTDescriptor struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Properties  map[string]IoTProperty `json:"properties,omitempty"`
	Methods     map[string]IoTMethod   `json:"methods,omitempty"`
}

// IoTProperty describes a readable property of a thing.
type IoTProperty struct {
	Description string `json:"description,omitempty"`
	Type        string `json:"type"`
}

// IoTMethod describes an invocable method of a thing.
type IoTMethod struct {
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]IoTProperty `json:"parameters,omitempty"`
}

// IoTState reports the current property values of one thing.
type IoTState struct {
	Name  string         `json:"name"`
	State map[string]any `json:"state"`
}

// IoTCommand asks the device to invoke a method on a thing.
type IoTCommand struct {
	Name       string         `json:"name"`
	Method     string         `json:"method"`
	Parameters map[string]any `json:"parameters,omitempty"`
}
