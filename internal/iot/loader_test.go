package iot_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MrWong99/vocalink/internal/iot"
)

const fanYAML = `
things:
  - name: fan
    description: Ceiling fan
    properties:
      speed: {type: number, initial: 0}
      power: {type: boolean}
    methods:
      on:
        sets: {power: true}
      set_speed:
        parameters:
          speed: {type: number, description: Speed 0-3}
`

func TestLoadFromReader(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		input     string
		wantErr   string
		wantCount int
	}{
		{name: "valid", input: fanYAML, wantCount: 1},
		{name: "empty", input: "", wantCount: 0},
		{name: "unknown field", input: "things: []\nextra: 1\n", wantErr: "decode"},
		{name: "bad type", input: "things:\n  - name: x\n    properties:\n      p: {type: colour}\n", wantErr: "not recognised"},
		{name: "sets unknown", input: "things:\n  - name: x\n    methods:\n      on: {sets: {power: true}}\n", wantErr: "unknown property"},
		{name: "dotted name", input: "things:\n  - name: a.b\n", wantErr: "must not contain"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			things, err := iot.LoadFromReader(strings.NewReader(tc.input))
			if tc.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
					t.Fatalf("err = %v, want containing %q", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("LoadFromReader: %v", err)
			}
			if len(things) != tc.wantCount {
				t.Errorf("things = %d, want %d", len(things), tc.wantCount)
			}
		})
	}
}

func TestLoadFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "things.yaml")
	if err := os.WriteFile(path, []byte(fanYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	things, err := iot.LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	r, err := iot.NewRegistry(nil, nil, things...)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	state, _ := r.State("fan")
	if state["speed"] != float64(0) || state["power"] != false {
		t.Errorf("state = %v", state)
	}

	if _, err := iot.LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
