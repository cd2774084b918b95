package protocol

// Protocol identifies the schema family an envelope is delivered in.
type Protocol string

const (
	ProtocolEnhanced Protocol = "enhanced"
	ProtocolLegacy   Protocol = "legacy"
)

// Class is the static classification bucket of a message type.
type Class int

const (
	ClassUnclassified Class = iota
	ClassEnhancedOnly
	ClassLegacyOnly
)

func (c Class) String() string {
	switch c {
	case ClassEnhancedOnly:
		return "enhanced_only"
	case ClassLegacyOnly:
		return "legacy_only"
	default:
		return "unclassified"
	}
}

// Action is the routing decision taken for an envelope.
type Action int

const (
	ActionRouteLegacy Action = iota
	ActionRouteEnhanced
	ActionTransformAndRoute
	ActionDuplicateRoute
)

// Actions lists every routing action.
var Actions = []Action{ActionRouteEnhanced, ActionRouteLegacy, ActionTransformAndRoute, ActionDuplicateRoute}

func (a Action) String() string {
	switch a {
	case ActionRouteEnhanced:
		return "route_enhanced"
	case ActionTransformAndRoute:
		return "transform_and_route"
	case ActionDuplicateRoute:
		return "duplicate_route"
	default:
		return "route_legacy"
	}
}

// Phase is a step of the migration rollout. Phases are ordered and only
// ever move forward.
type Phase int

const (
	PhasePreparation Phase = iota
	PhaseGradual
	PhaseFullEnhanced
	PhaseComplete
)

// Phases lists the migration phases in order.
var Phases = []Phase{PhasePreparation, PhaseGradual, PhaseFullEnhanced, PhaseComplete}

func (p Phase) String() string {
	switch p {
	case PhasePreparation:
		return "preparation"
	case PhaseGradual:
		return "gradual"
	case PhaseFullEnhanced:
		return "full_enhanced"
	case PhaseComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// ParsePhase converts a phase name back to a Phase.
func ParsePhase(s string) (Phase, bool) {
	for _, p := range Phases {
		if p.String() == s {
			return p, true
		}
	}
	return PhasePreparation, false
}

// Next returns the phase following p; Complete is terminal.
func (p Phase) Next() Phase {
	if p >= PhaseComplete {
		return PhaseComplete
	}
	return p + 1
}

func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Phase) UnmarshalText(b []byte) error {
	v, _ := ParsePhase(string(b))
	*p = v
	return nil
}

// Feature is a named capability a client may declare.
type Feature string

const (
	FeatureStructuredEdit    Feature = "structured_edit"
	FeatureScreenshotCapture Feature = "screenshot_capture"
	FeatureLiveCollaboration Feature = "live_collaboration"
	FeatureElementSelection  Feature = "element_selection"
)

var knownFeatures = map[Feature]struct{}{
	FeatureStructuredEdit:    {},
	FeatureScreenshotCapture: {},
	FeatureLiveCollaboration: {},
	FeatureElementSelection:  {},
}

// ParseFeature validates a declared feature flag name.
func ParseFeature(name string) (Feature, bool) {
	f := Feature(name)
	_, ok := knownFeatures[f]
	return f, ok
}
