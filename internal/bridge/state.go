package bridge

import (
	"sort"
	"time"

	"github.com/gaspardpetit/protobridge/internal/metrics"
	"github.com/gaspardpetit/protobridge/internal/migration"
)

// SessionInfo is the public view of a session.
type SessionInfo struct {
	ID                string    `json:"id"`
	ClientName        string    `json:"client_name,omitempty"`
	Protocol          string    `json:"protocol"`
	DeclaredVersion   string    `json:"declared_version,omitempty"`
	NegotiatedVersion string    `json:"negotiated_version"`
	Fallback          bool      `json:"fallback,omitempty"`
	Features          []string  `json:"features,omitempty"`
	MessageTypes      int       `json:"message_types"`
	ConnectedAt       time.Time `json:"connected_at"`
}

// State is a snapshot of the whole bridge.
type State struct {
	Migration migration.State  `json:"migration"`
	Metrics   metrics.Snapshot `json:"metrics"`
	Processed uint64           `json:"processed"`
	Sessions  []SessionInfo    `json:"sessions"`
}

// Sessions returns the connected sessions ordered by connection time.
func (b *Bridge) Sessions() []SessionInfo {
	b.mu.RLock()
	out := make([]SessionInfo, 0, len(b.sessions))
	for _, s := range b.sessions {
		proto := "legacy"
		if s.Record.SupportsEnhanced {
			proto = "enhanced"
		}
		out = append(out, SessionInfo{
			ID:                s.ID,
			ClientName:        s.Handshake.ClientName,
			Protocol:          proto,
			DeclaredVersion:   s.Record.DeclaredVersion,
			NegotiatedVersion: s.Record.NegotiatedVersion,
			Fallback:          s.Fallback,
			Features:          s.Record.FeatureNames(),
			MessageTypes:      len(s.Record.MessageTypes),
			ConnectedAt:       s.ConnectedAt,
		})
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

// State collects migration, metrics, and session views. Each component is
// read under its own lock.
func (b *Bridge) State() State {
	return State{
		Migration: b.migration.State(),
		Metrics:   b.agg.Snapshot(),
		Processed: b.router.Processed(),
		Sessions:  b.Sessions(),
	}
}
