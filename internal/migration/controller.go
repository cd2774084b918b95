// Package migration tracks the fleet-wide rollout phase from legacy to
// enhanced clients.
package migration

import (
	"sync"
	"time"

	"github.com/gaspardpetit/protobridge/internal/events"
	"github.com/gaspardpetit/protobridge/internal/logx"
	"github.com/gaspardpetit/protobridge/internal/metrics"
	"github.com/gaspardpetit/protobridge/internal/protocol"
)

// Reasons attached to phase changes.
const (
	ReasonThreshold = "threshold"
	ReasonDuration  = "duration"
)

// DefaultThreshold is the enhanced ratio that advances a phase early.
const DefaultThreshold = 0.8

// Config controls when phases advance. A zero duration disables the timed
// trigger for that phase.
type Config struct {
	Threshold    float64
	Preparation  time.Duration
	Gradual      time.Duration
	FullEnhanced time.Duration
}

func (c Config) duration(p protocol.Phase) time.Duration {
	switch p {
	case protocol.PhasePreparation:
		return c.Preparation
	case protocol.PhaseGradual:
		return c.Gradual
	case protocol.PhaseFullEnhanced:
		return c.FullEnhanced
	}
	return 0
}

// State is a point-in-time view of the migration.
type State struct {
	Phase     protocol.Phase `json:"phase"`
	Total     int            `json:"total_sessions"`
	Enhanced  int            `json:"enhanced_sessions"`
	Ratio     float64        `json:"enhanced_ratio"`
	EnteredAt time.Time      `json:"phase_entered_at"`
}

// Option customizes a Controller.
type Option func(*Controller)

// WithInitialPhase starts the controller at p instead of Preparation.
func WithInitialPhase(p protocol.Phase) Option {
	return func(c *Controller) {
		if p >= protocol.PhasePreparation && p <= protocol.PhaseComplete {
			c.phase = p
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// Controller owns the migration state. It is the only writer of the phase.
type Controller struct {
	cfg Config
	pub events.Publisher
	now func() time.Time

	mu        sync.RWMutex
	phase     protocol.Phase
	total     int
	enhanced  int
	enteredAt time.Time
}

// New creates a controller in the Preparation phase unless overridden.
func New(cfg Config, pub events.Publisher, opts ...Option) *Controller {
	if pub == nil {
		pub = events.Discard
	}
	c := &Controller{cfg: cfg, pub: pub, now: time.Now}
	for _, o := range opts {
		o(c)
	}
	c.enteredAt = c.now()
	metrics.SetMigration(int(c.phase), 0)
	return c
}

// Phase returns the current phase.
func (c *Controller) Phase() protocol.Phase {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.phase
}

// State returns a copy of the current state.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return State{
		Phase:     c.phase,
		Total:     c.total,
		Enhanced:  c.enhanced,
		Ratio:     c.ratioLocked(),
		EnteredAt: c.enteredAt,
	}
}

// SessionConnected counts a new session and re-evaluates the phase.
func (c *Controller) SessionConnected(enhanced bool) {
	c.mu.Lock()
	c.total++
	if enhanced {
		c.enhanced++
	}
	c.mu.Unlock()
	c.Evaluate()
}

// SessionDisconnected removes a session from the counts.
func (c *Controller) SessionDisconnected(enhanced bool) {
	c.mu.Lock()
	if c.total > 0 {
		c.total--
	}
	if enhanced && c.enhanced > 0 {
		c.enhanced--
	}
	c.mu.Unlock()
	c.Evaluate()
}

// SessionChanged moves a session between the enhanced and legacy counts
// after renegotiation.
func (c *Controller) SessionChanged(wasEnhanced, isEnhanced bool) {
	if wasEnhanced == isEnhanced {
		return
	}
	c.mu.Lock()
	if isEnhanced {
		c.enhanced++
	} else if c.enhanced > 0 {
		c.enhanced--
	}
	c.mu.Unlock()
	c.Evaluate()
}

// SetCounts replaces the session counts with totals taken from the
// session table and re-evaluates the phase.
func (c *Controller) SetCounts(total, enhanced int) {
	if total < 0 {
		total = 0
	}
	if enhanced > total {
		enhanced = total
	}
	if enhanced < 0 {
		enhanced = 0
	}
	c.mu.Lock()
	c.total = total
	c.enhanced = enhanced
	c.mu.Unlock()
	c.Evaluate()
}

// Evaluate advances the phase by at most one step and reports whether it
// did.
func (c *Controller) Evaluate() bool {
	now := c.now()
	c.mu.Lock()
	ratio := c.ratioLocked()
	from := c.phase
	reason := ""
	if from != protocol.PhaseComplete {
		if c.total > 0 && ratio >= c.cfg.Threshold {
			reason = ReasonThreshold
		} else if d := c.cfg.duration(from); d > 0 && now.Sub(c.enteredAt) >= d {
			reason = ReasonDuration
		}
	}
	if reason != "" {
		c.phase = from.Next()
		c.enteredAt = now
	}
	to := c.phase
	c.mu.Unlock()

	metrics.SetMigration(int(to), ratio)
	if reason == "" {
		return false
	}
	logx.Log.Info().Str("from", from.String()).Str("phase", to.String()).Float64("ratio", ratio).Str("reason", reason).Msg("migration phase changed")
	c.pub.Publish(events.PhaseChanged{From: from, To: to, Ratio: ratio, Reason: reason})
	return true
}

func (c *Controller) ratioLocked() float64 {
	if c.total == 0 {
		return 0
	}
	return float64(c.enhanced) / float64(c.total)
}
