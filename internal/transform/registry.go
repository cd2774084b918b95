// Package transform converts envelopes between the enhanced and legacy
// message schemas.
package transform

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/gaspardpetit/protobridge/internal/logx"
	"github.com/gaspardpetit/protobridge/internal/protocol"
)

var (
	// ErrTransformFailed wraps every failure surfaced by Registry.Apply.
	ErrTransformFailed = errors.New("transform: failed")
	// ErrNoTransformer is returned when no transformer matches.
	ErrNoTransformer = errors.New("transform: no transformer")
)

// Direction selects the schema a transformer converts into.
type Direction int

const (
	Downgrade Direction = iota
	Upgrade
)

func (d Direction) String() string {
	if d == Upgrade {
		return "upgrade"
	}
	return "downgrade"
}

// Func converts an envelope into the target schema. It must not mutate its
// argument.
type Func func(protocol.Envelope) (protocol.Envelope, error)

// FallbackFunc is invoked with the dropped envelope when a transform fails.
type FallbackFunc func(env protocol.Envelope, dir Direction, err error)

type key struct {
	msgType string
	dir     Direction
}

// Registry maps (message type, direction) pairs to transform functions.
type Registry struct {
	mu       sync.RWMutex
	funcs    map[key]Func
	generic  map[Direction]Func
	fallback FallbackFunc
}

// NewRegistry returns an empty registry with the logging fallback handler.
func NewRegistry() *Registry {
	return &Registry{
		funcs:    make(map[key]Func),
		generic:  make(map[Direction]Func),
		fallback: logFallback,
	}
}

// Register installs fn for msgType in direction dir, replacing any
// previous entry.
func (r *Registry) Register(msgType string, dir Direction, fn Func) {
	r.mu.Lock()
	r.funcs[key{msgType, dir}] = fn
	r.mu.Unlock()
}

// RegisterGeneric installs the transformer used when no type-specific
// entry exists for dir.
func (r *Registry) RegisterGeneric(dir Direction, fn Func) {
	r.mu.Lock()
	r.generic[dir] = fn
	r.mu.Unlock()
}

// SetFallback replaces the handler invoked on failures. A nil handler
// restores the default, which logs.
func (r *Registry) SetFallback(fn FallbackFunc) {
	if fn == nil {
		fn = logFallback
	}
	r.mu.Lock()
	r.fallback = fn
	r.mu.Unlock()
}

// Lookup returns the transformer that Apply would use.
func (r *Registry) Lookup(msgType string, dir Direction) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if fn, ok := r.funcs[key{msgType, dir}]; ok {
		return fn, true
	}
	fn, ok := r.generic[dir]
	return fn, ok
}

// Apply transforms env in direction dir. Errors and panics raised by the
// transformer are recovered; the fallback handler runs and an error
// wrapping ErrTransformFailed is returned so the caller can drop the
// message.
func (r *Registry) Apply(env protocol.Envelope, dir Direction) (out protocol.Envelope, err error) {
	fn, ok := r.Lookup(env.Type, dir)
	if !ok {
		err = fmt.Errorf("%w: %w for %q (%s)", ErrTransformFailed, ErrNoTransformer, env.Type, dir)
		r.fail(env, dir, err)
		return protocol.Envelope{}, err
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: panic in %s of %q: %v", ErrTransformFailed, dir, env.Type, rec)
			out = protocol.Envelope{}
			r.fail(env, dir, err)
		}
	}()
	out, err = fn(env.Clone())
	if err != nil {
		err = fmt.Errorf("%w: %s of %q: %w", ErrTransformFailed, dir, env.Type, err)
		r.fail(env, dir, err)
		return protocol.Envelope{}, err
	}
	if out.ID == "" {
		out.ID = env.ID
	}
	if out.Source == "" {
		out.Source = env.Source
	}
	if out.Target == "" {
		out.Target = env.Target
	}
	return out, nil
}

func (r *Registry) fail(env protocol.Envelope, dir Direction, err error) {
	r.mu.RLock()
	fb := r.fallback
	r.mu.RUnlock()
	defer func() {
		if rec := recover(); rec != nil {
			logx.Log.Error().Interface("panic", rec).Str("type", env.Type).Msg("transform fallback handler fault")
		}
	}()
	fb(env, dir, err)
}

func logFallback(env protocol.Envelope, dir Direction, err error) {
	logx.Log.Warn().Err(err).Str("envelope_id", env.ID).Str("type", env.Type).Str("direction", dir.String()).Msg("transform failed; message dropped")
}

// wrapped is the payload of a generic legacy envelope carrying an
// enhanced message it could not represent natively.
type wrapped struct {
	OriginalType string          `json:"original_type"`
	Data         json.RawMessage `json:"data,omitempty"`
}
