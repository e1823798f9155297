package iot

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// File is the top-level structure of a things YAML file.
//
// Example:
//
//	things:
//	  - name: fan
//	    description: Ceiling fan
//	    properties:
//	      speed: {type: number, initial: 0}
//	    methods:
//	      set_speed:
//	        parameters:
//	          speed: {type: number}
type File struct {
	Things []Thing `yaml:"things"`
}

// LoadFile reads and parses a things YAML file from disk.
func LoadFile(path string) ([]Thing, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("iot: open things file %q: %w", path, err)
	}
	defer f.Close()

	things, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("iot: parse things file %q: %w", path, err)
	}
	return things, nil
}

// LoadFromReader parses things YAML from an [io.Reader] and validates every
// thing.
func LoadFromReader(r io.Reader) ([]Thing, error) {
	var f File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && err != io.EOF {
		return nil, fmt.Errorf("iot: decode things yaml: %w", err)
	}
	for i, t := range f.Things {
		if err := Validate(t); err != nil {
			return nil, fmt.Errorf("iot: thing[%d] %q: %w", i, t.Name, err)
		}
	}
	return f.Things, nil
}
