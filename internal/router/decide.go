package router

import (
	"github.com/gaspardpetit/protobridge/internal/capability"
	"github.com/gaspardpetit/protobridge/internal/protocol"
)

// Support is what the target session understands.
type Support int

const (
	SupportLegacyOnly Support = iota
	SupportEnhanced
)

func (s Support) String() string {
	if s == SupportEnhanced {
		return "enhanced"
	}
	return "legacy"
}

// SupportOf maps a capability record onto Support.
func SupportOf(rec capability.Record) Support {
	if rec.SupportsEnhanced {
		return SupportEnhanced
	}
	return SupportLegacyOnly
}

// table is indexed by [class][support]. Unclassified rows depend on the
// phase and are resolved in Decide.
var table = [...][2]protocol.Action{
	protocol.ClassUnclassified: {protocol.ActionRouteLegacy, protocol.ActionRouteLegacy},
	protocol.ClassEnhancedOnly: {protocol.ActionTransformAndRoute, protocol.ActionRouteEnhanced},
	protocol.ClassLegacyOnly:   {protocol.ActionRouteLegacy, protocol.ActionRouteLegacy},
}

// Decide returns the routing action for a message of class c sent to a
// session with support s during phase p. It is a pure function.
func Decide(c protocol.Class, s Support, p protocol.Phase) protocol.Action {
	if c == protocol.ClassUnclassified && p == protocol.PhaseGradual {
		return protocol.ActionDuplicateRoute
	}
	if int(c) < 0 || int(c) >= len(table) || s < SupportLegacyOnly || s > SupportEnhanced {
		return protocol.ActionRouteLegacy
	}
	return table[c][s]
}
