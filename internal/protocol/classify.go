package protocol

// Default message type sets used when configuration does not override them.
var (
	DefaultEnhancedTypes = []string{
		"rich_selection",
		"capture_request",
		"structured_edit",
		"context_update",
		"analysis_request",
		"collaboration_event",
	}
	DefaultLegacyTypes = []string{
		"agent_message",
		"status_update",
		"health_check",
		"registration",
		"broadcast",
	}
)

// Classifier maps message types onto their static classification bucket.
// It is immutable once built and safe for concurrent use.
type Classifier struct {
	enhanced map[string]struct{}
	legacy   map[string]struct{}
}

// NewClassifier builds a classifier from the enhanced-only and legacy-only
// type lists. A type present in both lists is treated as enhanced-only;
// configuration validation rejects that case before it gets here.
func NewClassifier(enhanced, legacy []string) *Classifier {
	c := &Classifier{
		enhanced: make(map[string]struct{}, len(enhanced)),
		legacy:   make(map[string]struct{}, len(legacy)),
	}
	for _, t := range enhanced {
		c.enhanced[t] = struct{}{}
	}
	for _, t := range legacy {
		if _, dup := c.enhanced[t]; dup {
			continue
		}
		c.legacy[t] = struct{}{}
	}
	return c
}

// Classify returns the bucket for a message type.
func (c *Classifier) Classify(msgType string) Class {
	if _, ok := c.enhanced[msgType]; ok {
		return ClassEnhancedOnly
	}
	if _, ok := c.legacy[msgType]; ok {
		return ClassLegacyOnly
	}
	return ClassUnclassified
}

// IsEnhanced reports whether msgType is enhanced-only.
func (c *Classifier) IsEnhanced(msgType string) bool {
	_, ok := c.enhanced[msgType]
	return ok
}
