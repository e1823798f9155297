package iot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"sync"

	"github.com/MrWong99/vocalink/pkg/protocol"
)

var (
	// ErrUnknownThing is returned for a thing name that is not registered.
	ErrUnknownThing = errors.New("iot: unknown thing")

	// ErrUnknownMethod is returned for a method the thing does not declare.
	ErrUnknownMethod = errors.New("iot: unknown method")

	// ErrInvalidParams is returned when parameters are missing, undeclared or
	// of the wrong type.
	ErrInvalidParams = errors.New("iot: invalid parameters")
)

// Sender delivers commands to the device.
type Sender func(ctx context.Context, cmds []protocol.IoTCommand) error

type entry struct {
	thing Thing
	state map[string]any
}

// Registry holds the things of one device and their shadow state. It is safe
// for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	things map[string]*entry
	send   Sender
	log    *slog.Logger
}

// NewRegistry creates a Registry pre-populated with things. send may be nil,
// in which case invocations only update the shadow. A nil log uses
// [slog.Default].
func NewRegistry(log *slog.Logger, send Sender, things ...Thing) (*Registry, error) {
	if log == nil {
		log = slog.Default()
	}
	r := &Registry{things: make(map[string]*entry), send: send, log: log}
	for _, t := range things {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds t or merges it into an existing thing of the same name.
// Current values of known properties are kept; new properties start at
// their initial value.
func (r *Registry) Register(t Thing) error {
	if err := Validate(t); err != nil {
		return fmt.Errorf("iot: register %q: %w", t.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.things[t.Name]
	if !ok {
		e = &entry{thing: t.merge(Thing{}), state: make(map[string]any)}
		r.things[t.Name] = e
	} else {
		e.thing = e.thing.merge(t)
	}
	for name, p := range e.thing.Properties {
		if _, set := e.state[name]; set {
			continue
		}
		v := zeroValue(p.Type)
		if p.Initial != nil {
			v, _ = coerce(p.Type, p.Initial)
		}
		e.state[name] = v
	}
	return nil
}

// RegisterDescriptors registers device-reported descriptors. Invalid
// descriptors are skipped and reported in the joined error.
func (r *Registry) RegisterDescriptors(ds []protocol.IoTDescriptor) error {
	var errs []error
	for _, d := range ds {
		if err := r.Register(FromDescriptor(d)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ApplyStates merges device-reported property values into the shadow.
// Unknown things and properties are ignored; values of the wrong type are
// logged and skipped.
func (r *Registry) ApplyStates(states []protocol.IoTState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range states {
		e, ok := r.things[s.Name]
		if !ok {
			continue
		}
		for prop, v := range s.State {
			p, ok := e.thing.Properties[prop]
			if !ok {
				continue
			}
			cv, err := coerce(p.Type, v)
			if err != nil {
				r.log.Warn("iot: ignoring reported state", "thing", s.Name, "property", prop, "err", err)
				continue
			}
			e.state[prop] = cv
		}
	}
}

// State returns a copy of the shadow state of thing.
func (r *Registry) State(thing string) (map[string]any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.things[thing]
	if !ok {
		return nil, false
	}
	return maps.Clone(e.state), true
}

// Things returns the registered things sorted by name.
func (r *Registry) Things() []Thing {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Thing, 0, len(r.things))
	for _, e := range r.things {
		out = append(out, e.thing)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Invoke validates params against the method, forwards the command to the
// device and applies the resulting absolute property values to the shadow.
// It returns the new state of the thing.
//
// The shadow is only updated once the device accepted the command, so a
// failed send leaves state unchanged.
func (r *Registry) Invoke(ctx context.Context, thing, method string, params map[string]any) (map[string]any, error) {
	r.mu.RLock()
	e, ok := r.things[thing]
	var (
		m     Method
		props map[string]Property
	)
	if ok {
		m, ok = e.thing.Methods[method]
		props = e.thing.Properties
		if !ok {
			r.mu.RUnlock()
			return nil, fmt.Errorf("%w: %s.%s", ErrUnknownMethod, thing, method)
		}
	}
	r.mu.RUnlock()
	if e == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownThing, thing)
	}

	clean, updates, err := resolveParams(m, props, params)
	if err != nil {
		return nil, fmt.Errorf("iot: %s.%s: %w", thing, method, err)
	}

	if r.send != nil {
		cmd := protocol.IoTCommand{Name: thing, Method: method, Parameters: clean}
		if err := r.send(ctx, []protocol.IoTCommand{cmd}); err != nil {
			return nil, fmt.Errorf("iot: send %s.%s: %w", thing, method, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	maps.Copy(e.state, updates)
	return maps.Clone(e.state), nil
}

// resolveParams type-checks params and computes the property updates of one
// invocation: the method's Sets followed by parameters named like
// properties.
func resolveParams(m Method, props map[string]Property, params map[string]any) (clean, updates map[string]any, err error) {
	var errs []error
	clean = make(map[string]any, len(params))
	for name := range params {
		if _, ok := m.Parameters[name]; !ok {
			errs = append(errs, fmt.Errorf("unexpected parameter %q", name))
		}
	}
	for _, name := range sortedKeys(m.Parameters) {
		p := m.Parameters[name]
		v, ok := params[name]
		if !ok {
			errs = append(errs, fmt.Errorf("missing parameter %q", name))
			continue
		}
		cv, cerr := coerce(p.Type, v)
		if cerr != nil {
			errs = append(errs, fmt.Errorf("parameter %q: %w", name, cerr))
			continue
		}
		clean[name] = cv
	}
	if len(errs) > 0 {
		return nil, nil, fmt.Errorf("%w: %w", ErrInvalidParams, errors.Join(errs...))
	}

	updates = make(map[string]any, len(m.Sets)+len(clean))
	for prop, v := range m.Sets {
		updates[prop], _ = coerce(props[prop].Type, v)
	}
	for name, v := range clean {
		if p, ok := props[name]; ok && p.Type == m.Parameters[name].Type {
			updates[name] = v
		}
	}
	if len(clean) == 0 {
		clean = nil
	}
	return clean, updates, nil
}
