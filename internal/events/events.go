package events

import (
	"time"

	"github.com/gaspardpetit/protobridge/internal/protocol"
)

// Name identifies a bridge lifecycle event.
type Name string

const (
	ProtocolNegotiated           Name = "ProtocolNegotiated"
	ClientMigrated               Name = "ClientMigrated"
	MessageTransformed           Name = "MessageTransformed"
	MigrationPhaseChanged        Name = "MigrationPhaseChanged"
	PerformanceThresholdExceeded Name = "PerformanceThresholdExceeded"
)

// Names lists every event published by the bridge.
var Names = []Name{ProtocolNegotiated, ClientMigrated, MessageTransformed, MigrationPhaseChanged, PerformanceThresholdExceeded}

// Payload is implemented by every typed event body.
type Payload interface {
	EventName() Name
}

// Event is what subscribers receive.
type Event struct {
	Name Name      `json:"name"`
	Time time.Time `json:"time"`
	Data Payload   `json:"data"`
}

type Negotiated struct {
	SessionID        string `json:"session_id"`
	Version          string `json:"version"`
	SupportsEnhanced bool   `json:"supports_enhanced"`
	Fallback         bool   `json:"fallback"`
}

func (Negotiated) EventName() Name { return ProtocolNegotiated }

// Migrated is published when a renegotiation changes whether a session
// understands the enhanced protocol.
type Migrated struct {
	SessionID        string `json:"session_id"`
	FromVersion      string `json:"from_version"`
	ToVersion        string `json:"to_version"`
	WasEnhanced      bool   `json:"was_enhanced"`
	SupportsEnhanced bool   `json:"supports_enhanced"`
}

func (Migrated) EventName() Name { return ClientMigrated }

type Transformed struct {
	EnvelopeID string `json:"envelope_id"`
	TargetID   string `json:"target_id"`
	FromType   string `json:"from_type"`
	ToType     string `json:"to_type"`
	Direction  string `json:"direction"`
}

func (Transformed) EventName() Name { return MessageTransformed }

type PhaseChanged struct {
	From   protocol.Phase `json:"from"`
	To     protocol.Phase `json:"to"`
	Ratio  float64        `json:"ratio"`
	Reason string         `json:"reason"`
}

func (PhaseChanged) EventName() Name { return MigrationPhaseChanged }

type ThresholdExceeded struct {
	Metric    string  `json:"metric"`
	Class     string  `json:"class,omitempty"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
}

func (ThresholdExceeded) EventName() Name { return PerformanceThresholdExceeded }

// Publisher is the narrow interface components use to emit events.
type Publisher interface {
	Publish(p Payload)
}

// Discard is a Publisher that drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Payload) {}
