// Package mapping holds the pluggable payload-mapper registry that converts
// a connection's raw inbound bytes into the protocol-agnostic
// externalmessage.ExternalMessage envelope the rest of the pipeline
// understands.
//
// Mappers are registered explicitly at process wiring time; there is no
// runtime discovery. Registration panics on a duplicate or empty id so a
// misconfigured binary fails at startup, not on its first inbound record.
package mapping

import (
	"context"
	"fmt"
	"sync"

	"github.com/jimmy777/ditto-connectivity/pkg/externalmessage"
)

// Options is the mapper-specific configuration a connection.Source's
// MappingRules entry supplies to a MapperConstructor, e.g. a delimiter or a
// default content type.
type Options map[string]string

// Mapper converts one raw inbound record into an ExternalMessage. A mapper
// is stateless and safe for concurrent use across every record of every
// connection it's instantiated for.
type Mapper interface {
	Map(ctx context.Context, raw []byte, attributes map[string]string) (*externalmessage.ExternalMessage, error)
}

// MapperConstructor builds a Mapper from its Options, validating them at
// construction time rather than on every Map call.
type MapperConstructor func(opts Options) (Mapper, error)

// Registry holds the build-time-registered mapper constructors, keyed by
// the mapper id a connection.Source.MappingRules entry names.
type Registry struct {
	mu           sync.RWMutex
	constructors map[string]MapperConstructor
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{constructors: make(map[string]MapperConstructor)}
}

// Register adds a named mapper constructor. It panics on a duplicate id,
// since registration only happens at process wiring time.
func (r *Registry) Register(id string, ctor MapperConstructor) {
	if id == "" {
		panic("mapping: cannot register a mapper with an empty id")
	}
	if ctor == nil {
		panic(fmt.Sprintf("mapping: nil constructor for mapper %q", id))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.constructors[id]; exists {
		panic(fmt.Sprintf("mapping: mapper %q already registered", id))
	}
	r.constructors[id] = ctor
}

// Create instantiates the mapper registered under id with opts.
func (r *Registry) Create(id string, opts Options) (Mapper, error) {
	r.mu.RLock()
	ctor, exists := r.constructors[id]
	r.mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("mapping: no mapper registered for id %q", id)
	}
	return ctor(opts)
}

// IDs returns every registered mapper id.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.constructors))
	for id := range r.constructors {
		ids = append(ids, id)
	}
	return ids
}

// NewDefaultRegistry returns a Registry pre-populated with the built-in
// mappers every connection type can reference by id: "ditto" (passthrough
// Ditto Protocol JSON), "text" (wraps raw bytes as text/plain), and "raw"
// (wraps raw bytes as application/octet-stream).
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("ditto", newDittoMapper)
	r.Register("text", newTextMapper)
	r.Register("raw", newRawMapper)
	return r
}
