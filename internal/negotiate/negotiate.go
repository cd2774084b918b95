// Package negotiate picks the protocol version a session will speak.
package negotiate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/mod/semver"

	"github.com/gaspardpetit/protobridge/internal/capability"
	"github.com/gaspardpetit/protobridge/internal/events"
	"github.com/gaspardpetit/protobridge/internal/logx"
	"github.com/gaspardpetit/protobridge/internal/metrics"
)

var (
	// ErrTimeout reports a negotiation that did not complete in time.
	ErrTimeout = errors.New("negotiate: timed out")
	// ErrRejected reports a peer that refused the offered version.
	ErrRejected = errors.New("negotiate: version rejected by peer")
	// ErrInvalidVersion reports an unparseable configured version.
	ErrInvalidVersion = errors.New("negotiate: invalid version")
)

// DefaultTimeout bounds a negotiation when none is configured.
const DefaultTimeout = 5 * time.Second

// ConfirmFunc offers version to the peer and returns once the peer accepts
// it. It must return promptly when ctx is done.
type ConfirmFunc func(ctx context.Context, version string) error

// Reporter receives negotiation timings and failures.
type Reporter interface {
	ObserveNegotiation(d time.Duration)
	IncError(kind metrics.ErrorKind)
}

// Config holds the negotiation policy.
type Config struct {
	Supported []string
	Default   string
	Timeout   time.Duration
}

// Result is the outcome of a negotiation.
type Result struct {
	Version  string
	Fallback bool
	Reason   error
}

type version struct {
	raw       string
	canonical string
}

// Negotiator selects and confirms protocol versions.
type Negotiator struct {
	supported []version
	def       string
	timeout   time.Duration
	rep       Reporter
	pub       events.Publisher
	now       func() time.Time
}

// New validates cfg and returns a Negotiator.
func New(cfg Config, rep Reporter, pub events.Publisher) (*Negotiator, error) {
	if _, ok := capability.Canonical(cfg.Default); !ok {
		return nil, fmt.Errorf("%w: default %q", ErrInvalidVersion, cfg.Default)
	}
	n := &Negotiator{def: cfg.Default, timeout: cfg.Timeout, rep: rep, pub: pub, now: time.Now}
	if n.timeout <= 0 {
		n.timeout = DefaultTimeout
	}
	if n.pub == nil {
		n.pub = events.Discard
	}
	for _, v := range cfg.Supported {
		c, ok := capability.Canonical(v)
		if !ok {
			return nil, fmt.Errorf("%w: supported %q", ErrInvalidVersion, v)
		}
		n.supported = append(n.supported, version{raw: v, canonical: c})
	}
	return n, nil
}

// Default returns the configured fallback version.
func (n *Negotiator) Default() string { return n.def }

// Select applies the version policy to rec without any I/O.
func (n *Negotiator) Select(rec capability.Record) string {
	if !rec.SupportsEnhanced {
		return n.def
	}
	declared := rec.DeclaredVersion
	for _, v := range n.supported {
		if v.raw == declared {
			return v.raw
		}
	}
	upper := ""
	if declared != "" {
		c, ok := capability.Canonical(declared)
		if !ok {
			return n.def
		}
		upper = c
	}
	best := version{}
	for _, v := range n.supported {
		if upper != "" && semver.Compare(v.canonical, upper) > 0 {
			continue
		}
		if best.raw == "" || semver.Compare(v.canonical, best.canonical) > 0 {
			best = v
		}
	}
	if best.raw == "" {
		return n.def
	}
	return best.raw
}

// Negotiate selects a version for rec and, when confirm is non-nil, offers
// it to the peer within the configured timeout. A timeout or a refusal
// falls back to the default version and is counted once as a negotiation
// error. If ctx itself is cancelled the peer is gone and ctx's error is
// returned.
func (n *Negotiator) Negotiate(ctx context.Context, sessionID string, rec capability.Record, confirm ConfirmFunc) (Result, error) {
	start := n.now()
	res, err := n.negotiate(ctx, rec, confirm)
	if n.rep != nil {
		n.rep.ObserveNegotiation(n.now().Sub(start))
	}
	if err != nil {
		return Result{}, err
	}
	if res.Fallback {
		if n.rep != nil {
			n.rep.IncError(metrics.ErrorNegotiation)
		}
		logx.Log.Warn().Err(res.Reason).Str("session_id", sessionID).Str("version", res.Version).Msg("negotiation fell back to default version")
	}
	// a fallback session is handled as legacy
	n.pub.Publish(events.Negotiated{
		SessionID:        sessionID,
		Version:          res.Version,
		SupportsEnhanced: rec.SupportsEnhanced && !res.Fallback,
		Fallback:         res.Fallback,
	})
	return res, nil
}

func (n *Negotiator) negotiate(ctx context.Context, rec capability.Record, confirm ConfirmFunc) (Result, error) {
	selected := n.Select(rec)
	if !rec.SupportsEnhanced || confirm == nil {
		return Result{Version: selected}, nil
	}

	cctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- confirm(cctx, selected) }()

	var cerr error
	select {
	case cerr = <-done:
	case <-cctx.Done():
		cerr = cctx.Err()
	}
	if cerr == nil {
		return Result{Version: selected}, nil
	}
	if ctx.Err() != nil {
		return Result{}, ctx.Err()
	}
	reason := ErrRejected
	if errors.Is(cerr, context.DeadlineExceeded) || cctx.Err() != nil {
		reason = ErrTimeout
	}
	return Result{Version: n.def, Fallback: true, Reason: fmt.Errorf("%w: %v", reason, cerr)}, nil
}
