package iot

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Validate checks a [Thing] for required fields and consistent types.
//
// Rules:
//   - Name must be non-empty and must not contain a dot.
//   - Every property and parameter has a recognised [ValueType].
//   - Initial values and Sets values match the property type.
//   - Sets only names declared properties.
func Validate(t Thing) error {
	var errs []error

	if t.Name == "" {
		errs = append(errs, errors.New("name must not be empty"))
	}
	if strings.Contains(t.Name, ".") {
		errs = append(errs, fmt.Errorf("name %q must not contain '.'", t.Name))
	}

	for _, name := range sortedKeys(t.Properties) {
		p := t.Properties[name]
		if !p.Type.IsValid() {
			errs = append(errs, fmt.Errorf("property %q: type %q is not recognised", name, p.Type))
			continue
		}
		if p.Initial != nil {
			if _, err := coerce(p.Type, p.Initial); err != nil {
				errs = append(errs, fmt.Errorf("property %q: initial value: %w", name, err))
			}
		}
	}

	for _, name := range sortedKeys(t.Methods) {
		m := t.Methods[name]
		for _, pn := range sortedKeys(m.Parameters) {
			if p := m.Parameters[pn]; !p.Type.IsValid() {
				errs = append(errs, fmt.Errorf("method %q: parameter %q: type %q is not recognised", name, pn, p.Type))
			}
		}
		for _, prop := range sortedKeys(m.Sets) {
			p, ok := t.Properties[prop]
			if !ok {
				errs = append(errs, fmt.Errorf("method %q: sets unknown property %q", name, prop))
				continue
			}
			if _, err := coerce(p.Type, m.Sets[prop]); err != nil {
				errs = append(errs, fmt.Errorf("method %q: sets %q: %w", name, prop, err))
			}
		}
	}

	return errors.Join(errs...)
}

// coerce checks v against typ and returns its canonical form: bool, float64
// or string. Canonical values make repeated updates compare equal no matter
// whether they came from YAML, JSON or Go literals.
func coerce(typ ValueType, v any) (any, error) {
	switch typ {
	case TypeBoolean:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case TypeNumber:
		switch n := v.(type) {
		case float64:
			return n, nil
		case float32:
			return float64(n), nil
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		case json.Number:
			f, err := n.Float64()
			if err == nil {
				return f, nil
			}
		}
	case TypeString:
		if s, ok := v.(string); ok {
			return s, nil
		}
	}
	return nil, fmt.Errorf("value %v (%T) is not a %s", v, v, typ)
}

func zeroValue(typ ValueType) any {
	switch typ {
	case TypeBoolean:
		return false
	case TypeNumber:
		return float64(0)
	default:
		return ""
	}
}
