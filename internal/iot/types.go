// Package iot keeps the gateway-side shadow of the things a device can
// control and turns them into tools for the orchestrator.
//
// A [Thing] has typed properties and methods. Methods set properties to
// absolute values, so invoking the same method with the same parameters any
// number of times leaves the shadow state as if it ran once. Every
// invocation is forwarded to the device as an iot.command control frame.
package iot

import (
	"maps"
	"sort"

	"github.com/MrWong99/vocalink/pkg/protocol"
)

// ValueType is the type of a property or method parameter.
type ValueType string

const (
	TypeBoolean ValueType = "boolean"
	TypeNumber  ValueType = "number"
	TypeString  ValueType = "string"
)

// IsValid reports whether t is a recognised value type.
func (t ValueType) IsValid() bool {
	switch t {
	case TypeBoolean, TypeNumber, TypeString:
		return true
	}
	return false
}

// Property is a typed value exposed by a thing.
type Property struct {
	Type        ValueType `yaml:"type"`
	Description string    `yaml:"description"`

	// Initial is the shadow value before the device reports state. Nil means
	// the zero value of Type.
	Initial any `yaml:"initial"`
}

// Method is an action on a thing.
type Method struct {
	Description string `yaml:"description"`

	// Parameters are the typed arguments. A parameter named like a property
	// sets that property.
	Parameters map[string]Property `yaml:"parameters"`

	// Sets lists property values the method assigns regardless of its
	// parameters, e.g. on → {power: true}.
	Sets map[string]any `yaml:"sets"`
}

// Thing is a controllable device-side object.
type Thing struct {
	Name        string              `yaml:"name"`
	Description string              `yaml:"description"`
	Properties  map[string]Property `yaml:"properties"`
	Methods     map[string]Method   `yaml:"methods"`
}

// DefaultThings returns the statically available things: a light with power
// and brightness.
func DefaultThings() []Thing {
	return []Thing{{
		Name:        "light",
		Description: "The room light",
		Properties: map[string]Property{
			"power":      {Type: TypeBoolean, Description: "Whether the light is on", Initial: false},
			"brightness": {Type: TypeNumber, Description: "Brightness in percent (0-100)", Initial: 100},
		},
		Methods: map[string]Method{
			"on":  {Description: "Turn the light on", Sets: map[string]any{"power": true}},
			"off": {Description: "Turn the light off", Sets: map[string]any{"power": false}},
			"set_brightness": {
				Description: "Set the brightness",
				Parameters: map[string]Property{
					"brightness": {Type: TypeNumber, Description: "Brightness in percent (0-100)"},
				},
			},
		},
	}}
}

// FromDescriptor converts a device-reported descriptor. Descriptors carry no
// Sets: a method changes state only through parameters named like properties.
func FromDescriptor(d protocol.IoTDescriptor) Thing {
	t := Thing{
		Name:        d.Name,
		Description: d.Description,
		Properties:  make(map[string]Property, len(d.Properties)),
		Methods:     make(map[string]Method, len(d.Methods)),
	}
	for name, p := range d.Properties {
		t.Properties[name] = Property{Type: ValueType(p.Type), Description: p.Description}
	}
	for name, m := range d.Methods {
		params := make(map[string]Property, len(m.Parameters))
		for pn, p := range m.Parameters {
			params[pn] = Property{Type: ValueType(p.Type), Description: p.Description}
		}
		t.Methods[name] = Method{Description: m.Description, Parameters: params}
	}
	return t
}

// Descriptor returns the wire form of t.
func (t Thing) Descriptor() protocol.IoTDescriptor {
	d := protocol.IoTDescriptor{
		Name:        t.Name,
		Description: t.Description,
		Properties:  make(map[string]protocol.IoTProperty, len(t.Properties)),
		Methods:     make(map[string]protocol.IoTMethod, len(t.Methods)),
	}
	for name, p := range t.Properties {
		d.Properties[name] = protocol.IoTProperty{Type: string(p.Type), Description: p.Description}
	}
	for name, m := range t.Methods {
		params := make(map[string]protocol.IoTProperty, len(m.Parameters))
		for pn, p := range m.Parameters {
			params[pn] = protocol.IoTProperty{Type: string(p.Type), Description: p.Description}
		}
		d.Methods[name] = protocol.IoTMethod{Description: m.Description, Parameters: params}
	}
	return d
}

// merge returns t with the properties and methods of other added. Entries of
// other win on conflict.
func (t Thing) merge(other Thing) Thing {
	out := Thing{
		Name:        t.Name,
		Description: t.Description,
		Properties:  maps.Clone(t.Properties),
		Methods:     maps.Clone(t.Methods),
	}
	if out.Properties == nil {
		out.Properties = make(map[string]Property)
	}
	if out.Methods == nil {
		out.Methods = make(map[string]Method)
	}
	if other.Description != "" {
		out.Description = other.Description
	}
	maps.Copy(out.Properties, other.Properties)
	maps.Copy(out.Methods, other.Methods)
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
