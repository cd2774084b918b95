// Package bridge owns the session table and connects the detector,
// negotiator, migration controller, and router.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gaspardpetit/protobridge/internal/capability"
	"github.com/gaspardpetit/protobridge/internal/events"
	"github.com/gaspardpetit/protobridge/internal/logx"
	"github.com/gaspardpetit/protobridge/internal/metrics"
	"github.com/gaspardpetit/protobridge/internal/migration"
	"github.com/gaspardpetit/protobridge/internal/negotiate"
	"github.com/gaspardpetit/protobridge/internal/protocol"
	"github.com/gaspardpetit/protobridge/internal/router"
	"github.com/gaspardpetit/protobridge/internal/transform"
)

var (
	// ErrSessionExists reports a handshake reusing a connected session ID.
	ErrSessionExists = errors.New("bridge: session already connected")
	// ErrUnknownSession reports an operation on a session that is not connected.
	ErrUnknownSession = errors.New("bridge: unknown session")
)

// Session is a connected client. Only its ID leaves the bridge; callers
// receive copies.
type Session struct {
	ID          string
	Handshake   protocol.Handshake
	Record      capability.Record
	Fallback    bool
	ConnectedAt time.Time
}

// Version returns the negotiated protocol version.
func (s Session) Version() string { return s.Record.NegotiatedVersion }

// Options wires a Bridge.
type Options struct {
	Classifier *protocol.Classifier
	Detector   *capability.Detector
	Negotiator *negotiate.Negotiator
	Migration  *migration.Controller
	Transforms *transform.Registry
	Aggregator *metrics.Aggregator
	Sender     router.Sender
	Events     events.Publisher
	// OnSessions is called after the session table changes.
	OnSessions func(total, enhanced int)
}

// Bridge is the entry point used by the transport.
type Bridge struct {
	detector   *capability.Detector
	negotiator *negotiate.Negotiator
	migration  *migration.Controller
	router     *router.Router
	agg        *metrics.Aggregator
	pub        events.Publisher
	onSessions func(total, enhanced int)
	now        func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
}

// New builds a Bridge and its router.
func New(o Options) *Bridge {
	if o.Events == nil {
		o.Events = events.Discard
	}
	if o.Classifier == nil {
		o.Classifier = protocol.NewClassifier(protocol.DefaultEnhancedTypes, protocol.DefaultLegacyTypes)
	}
	if o.Detector == nil {
		o.Detector = capability.NewDetector(o.Classifier, capability.DefaultEnhancedMinVersion)
	}
	if o.Migration == nil {
		o.Migration = migration.New(migration.Config{Threshold: migration.DefaultThreshold}, o.Events)
	}
	if o.Aggregator == nil {
		o.Aggregator = metrics.NewAggregator(metrics.Thresholds{}, o.Events)
	}
	b := &Bridge{
		detector:   o.Detector,
		negotiator: o.Negotiator,
		migration:  o.Migration,
		agg:        o.Aggregator,
		pub:        o.Events,
		onSessions: o.OnSessions,
		now:        time.Now,
		sessions:   make(map[string]*Session),
	}
	b.router = router.New(router.Deps{
		Classifier: o.Classifier,
		Directory:  b,
		Phases:     o.Migration,
		Transforms: o.Transforms,
		Sender:     o.Sender,
		Reporter:   o.Aggregator,
		Events:     o.Events,
	})
	return b
}

// Migration exposes the phase controller.
func (b *Bridge) Migration() *migration.Controller { return b.migration }

// Aggregator exposes the metrics aggregator.
func (b *Bridge) Aggregator() *metrics.Aggregator { return b.agg }

// Phase returns the current migration phase.
func (b *Bridge) Phase() protocol.Phase { return b.migration.Phase() }

// Router exposes the router.
func (b *Bridge) Router() *router.Router { return b.router }

// Connect detects capabilities for h, negotiates a version (offering it
// through confirm when non-nil) and registers the session. If ctx ends
// during negotiation the session is never registered.
func (b *Bridge) Connect(ctx context.Context, h *protocol.Handshake, confirm negotiate.ConfirmFunc) (Session, error) {
	rec, ok := b.detector.Detect(h)
	if !ok {
		b.agg.IncError(metrics.ErrorNegotiation)
		logx.Log.Warn().Err(capability.ErrMalformed).Msg("handshake metadata malformed; treating client as legacy")
	}
	var hs protocol.Handshake
	if h != nil {
		hs = *h
	}
	id := hs.SessionID
	if id == "" {
		id = uuid.NewString()
	}
	if b.has(id) {
		return Session{}, fmt.Errorf("%w: %s", ErrSessionExists, id)
	}

	rec, fallback, err := b.negotiate(ctx, id, rec, confirm)
	if err != nil {
		return Session{}, err
	}

	s := &Session{ID: id, Handshake: hs, Record: rec, Fallback: fallback, ConnectedAt: b.now()}
	b.mu.Lock()
	if _, exists := b.sessions[id]; exists {
		b.mu.Unlock()
		return Session{}, fmt.Errorf("%w: %s", ErrSessionExists, id)
	}
	b.sessions[id] = s
	out := *s
	b.mu.Unlock()

	b.migration.SessionConnected(rec.SupportsEnhanced)
	b.sessionsChanged()
	logx.Log.Info().Str("session_id", id).Str("client", hs.ClientName).Str("version", rec.NegotiatedVersion).Bool("enhanced", rec.SupportsEnhanced).Msg("session connected")
	return out, nil
}

// negotiate returns the record with its negotiated version. A fallback
// degrades the session to legacy handling.
func (b *Bridge) negotiate(ctx context.Context, id string, rec capability.Record, confirm negotiate.ConfirmFunc) (capability.Record, bool, error) {
	if b.negotiator == nil {
		return rec.WithNegotiated(rec.DeclaredVersion), false, nil
	}
	res, err := b.negotiator.Negotiate(ctx, id, rec, confirm)
	if err != nil {
		return capability.Record{}, false, err
	}
	rec = rec.WithNegotiated(res.Version)
	if res.Fallback {
		rec.SupportsEnhanced = false
	}
	return rec, res.Fallback, nil
}

// Disconnect removes a session. Unknown IDs are ignored.
func (b *Bridge) Disconnect(id string) {
	b.mu.Lock()
	s, ok := b.sessions[id]
	if ok {
		delete(b.sessions, id)
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	b.migration.SessionDisconnected(s.Record.SupportsEnhanced)
	b.sessionsChanged()
	logx.Log.Info().Str("session_id", id).Msg("session disconnected")
}

// Renegotiate replaces a session's capability record from a new handshake.
// ClientMigrated is emitted when the enhanced support changes.
func (b *Bridge) Renegotiate(ctx context.Context, id string, h *protocol.Handshake, confirm negotiate.ConfirmFunc) (Session, error) {
	if !b.has(id) {
		return Session{}, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	rec, ok := b.detector.Detect(h)
	if !ok {
		b.agg.IncError(metrics.ErrorNegotiation)
	}
	rec, fallback, err := b.negotiate(ctx, id, rec, confirm)
	if err != nil {
		return Session{}, err
	}

	b.mu.Lock()
	s, exists := b.sessions[id]
	if !exists {
		b.mu.Unlock()
		return Session{}, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	prev := s.Record
	s.Record = rec
	s.Fallback = fallback
	if h != nil {
		hs := *h
		hs.SessionID = id
		s.Handshake = hs
	}
	out := *s
	b.mu.Unlock()

	if prev.SupportsEnhanced != rec.SupportsEnhanced {
		b.migration.SessionChanged(prev.SupportsEnhanced, rec.SupportsEnhanced)
		b.sessionsChanged()
	}
	if prev.SupportsEnhanced != rec.SupportsEnhanced || prev.NegotiatedVersion != rec.NegotiatedVersion {
		b.pub.Publish(events.Migrated{
			SessionID:        id,
			FromVersion:      prev.NegotiatedVersion,
			ToVersion:        rec.NegotiatedVersion,
			WasEnhanced:      prev.SupportsEnhanced,
			SupportsEnhanced: rec.SupportsEnhanced,
		})
	}
	return out, nil
}

// Handle routes an envelope sent by session from. An envelope without a
// target is delivered to every other connected session.
func (b *Bridge) Handle(from string, env protocol.Envelope) []router.Decision {
	env.Source = from
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	if env.Target != "" {
		return []router.Decision{b.router.Route(env)}
	}
	targets := b.ids()
	out := make([]router.Decision, 0, len(targets))
	for _, id := range targets {
		if id == from {
			continue
		}
		e := env
		e.Target = id
		out = append(out, b.router.Route(e))
	}
	return out
}

// Capability implements router.Directory.
func (b *Bridge) Capability(id string) (capability.Record, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.sessions[id]
	if !ok {
		return capability.Record{}, false
	}
	return s.Record, true
}

// Session returns a copy of the session with the given ID.
func (b *Bridge) Session(id string) (Session, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Counts returns the number of sessions and how many support enhanced.
func (b *Bridge) Counts() (total, enhanced int) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.sessions {
		if s.Record.SupportsEnhanced {
			enhanced++
		}
	}
	return len(b.sessions), enhanced
}

// Run reconciles the migration counts with the session table every
// interval, which also gives timed phase transitions a chance to fire.
func (b *Bridge) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			b.migration.SetCounts(b.Counts())
		}
	}
}

func (b *Bridge) has(id string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.sessions[id]
	return ok
}

func (b *Bridge) ids() []string {
	b.mu.RLock()
	ids := make([]string, 0, len(b.sessions))
	for id := range b.sessions {
		ids = append(ids, id)
	}
	b.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

func (b *Bridge) sessionsChanged() {
	total, enhanced := b.Counts()
	metrics.SetSessions(enhanced, total-enhanced)
	if b.onSessions != nil {
		b.onSessions(total, enhanced)
	}
}
