// Package router decides how each envelope reaches its target session.
package router

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gaspardpetit/protobridge/internal/capability"
	"github.com/gaspardpetit/protobridge/internal/events"
	"github.com/gaspardpetit/protobridge/internal/logx"
	"github.com/gaspardpetit/protobridge/internal/metrics"
	"github.com/gaspardpetit/protobridge/internal/protocol"
	"github.com/gaspardpetit/protobridge/internal/transform"
)

// ErrUnknownSession reports a target that is not connected.
var ErrUnknownSession = errors.New("router: unknown session")

// Directory resolves a session's capability record.
type Directory interface {
	Capability(sessionID string) (capability.Record, bool)
}

// Sender delivers an envelope to a session.
type Sender interface {
	Send(sessionID string, env protocol.Envelope) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(sessionID string, env protocol.Envelope) error

func (f SenderFunc) Send(sessionID string, env protocol.Envelope) error { return f(sessionID, env) }

// PhaseSource reports the current migration phase.
type PhaseSource interface {
	Phase() protocol.Phase
}

// Reporter receives routing observations.
type Reporter interface {
	ObserveRoute(action protocol.Action, d time.Duration, ok bool)
	IncError(kind metrics.ErrorKind)
}

// Decision describes what happened to one envelope.
type Decision struct {
	Action    protocol.Action
	Class     protocol.Class
	Phase     protocol.Phase
	Delivered int
	Err       error
}

// Router applies the decision table and forwards envelopes.
type Router struct {
	classifier *protocol.Classifier
	dir        Directory
	phases     PhaseSource
	transforms *transform.Registry
	send       Sender
	rep        Reporter
	pub        events.Publisher
	now        func() time.Time

	processed atomic.Uint64
}

// Deps groups the collaborators of a Router.
type Deps struct {
	Classifier *protocol.Classifier
	Directory  Directory
	Phases     PhaseSource
	Transforms *transform.Registry
	Sender     Sender
	Reporter   Reporter
	Events     events.Publisher
}

// New builds a Router from d.
func New(d Deps) *Router {
	r := &Router{
		classifier: d.Classifier,
		dir:        d.Directory,
		phases:     d.Phases,
		transforms: d.Transforms,
		send:       d.Sender,
		rep:        d.Reporter,
		pub:        d.Events,
		now:        time.Now,
	}
	if r.pub == nil {
		r.pub = events.Discard
	}
	if r.transforms == nil {
		r.transforms = transform.NewRegistry()
	}
	return r
}

// Processed returns how many envelopes Route has handled.
func (r *Router) Processed() uint64 { return r.processed.Load() }

// Route classifies env, decides an action for its target, and forwards it.
// It never panics on unknown targets; failures are counted and returned in
// the Decision.
func (r *Router) Route(env protocol.Envelope) Decision {
	start := r.now()
	d := r.route(env)
	r.processed.Add(1)
	if r.rep != nil {
		r.rep.ObserveRoute(d.Action, r.now().Sub(start), d.Err == nil)
	}
	return d
}

func (r *Router) route(env protocol.Envelope) Decision {
	// only the duplicate branch below may set it
	env.DuplicateOf = ""
	d := Decision{Class: r.classifier.Classify(env.Type), Action: protocol.ActionRouteLegacy}
	if r.phases != nil {
		d.Phase = r.phases.Phase()
	}
	rec, ok := r.dir.Capability(env.Target)
	if !ok {
		d.Err = fmt.Errorf("%w: %q", ErrUnknownSession, env.Target)
		r.countError(metrics.ErrorRouting)
		logx.Log.Debug().Str("envelope_id", env.ID).Str("type", env.Type).Str("target", env.Target).Msg("target not connected")
		return d
	}
	d.Action = Decide(d.Class, SupportOf(rec), d.Phase)

	switch d.Action {
	case protocol.ActionRouteEnhanced:
		d.Err = r.forward(&d, tag(env, protocol.ProtocolEnhanced))
	case protocol.ActionRouteLegacy:
		d.Err = r.forward(&d, tag(env, protocol.ProtocolLegacy))
	case protocol.ActionTransformAndRoute:
		out, err := r.transforms.Apply(env, transform.Downgrade)
		if err != nil {
			d.Err = err
			r.countError(metrics.ErrorTransformation)
			return d
		}
		out.SourceProtocol = protocol.ProtocolLegacy
		if d.Err = r.forward(&d, out); d.Err == nil {
			r.pub.Publish(events.Transformed{
				EnvelopeID: env.ID,
				TargetID:   env.Target,
				FromType:   env.Type,
				ToType:     out.Type,
				Direction:  transform.Downgrade.String(),
			})
		}
	case protocol.ActionDuplicateRoute:
		enhanced := tag(env, protocol.ProtocolEnhanced)
		legacy := tag(env, protocol.ProtocolLegacy)
		legacy.DuplicateOf = env.ID
		err1 := r.forward(&d, enhanced)
		err2 := r.forward(&d, legacy)
		d.Err = errors.Join(err1, err2)
	}
	return d
}

func (r *Router) forward(d *Decision, env protocol.Envelope) error {
	if r.send == nil {
		return nil
	}
	if err := r.send.Send(env.Target, env); err != nil {
		r.countError(metrics.ErrorRouting)
		logx.Log.Warn().Err(err).Str("envelope_id", env.ID).Str("target", env.Target).Str("action", d.Action.String()).Msg("forward failed")
		return err
	}
	d.Delivered++
	return nil
}

func (r *Router) countError(kind metrics.ErrorKind) {
	if r.rep != nil {
		r.rep.IncError(kind)
	}
}

func tag(env protocol.Envelope, p protocol.Protocol) protocol.Envelope {
	out := env.Clone()
	out.SourceProtocol = p
	return out
}
