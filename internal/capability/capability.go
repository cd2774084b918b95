// Package capability derives what a connected client understands from its
// handshake metadata.
package capability

import (
	"errors"
	"sort"
	"strings"
	"time"

	"golang.org/x/mod/semver"

	"github.com/gaspardpetit/protobridge/internal/protocol"
)

// ErrMalformed reports handshake metadata that could not be interpreted.
var ErrMalformed = errors.New("capability: malformed handshake")

// DefaultEnhancedMinVersion is the lowest version belonging to the
// enhanced protocol family.
const DefaultEnhancedMinVersion = "2.0.0"

// Record is an immutable snapshot of a session's capabilities. Values are
// replaced, never mutated, when a session renegotiates.
type Record struct {
	SupportsEnhanced  bool
	DeclaredVersion   string
	NegotiatedVersion string
	MessageTypes      map[string]bool
	Features          map[protocol.Feature]bool
	CreatedAt         time.Time
}

// Conservative returns the most restrictive record.
func Conservative(now time.Time) Record {
	return Record{
		MessageTypes: map[string]bool{},
		Features:     map[protocol.Feature]bool{},
		CreatedAt:    now,
	}
}

// HasFeature reports whether f was declared.
func (r Record) HasFeature(f protocol.Feature) bool { return r.Features[f] }

// FeatureNames returns the declared features in sorted order.
func (r Record) FeatureNames() []string {
	out := make([]string, 0, len(r.Features))
	for f := range r.Features {
		out = append(out, string(f))
	}
	sort.Strings(out)
	return out
}

// WithNegotiated returns a copy of r carrying the negotiated version.
func (r Record) WithNegotiated(version string) Record {
	c := r
	c.NegotiatedVersion = version
	return c
}

// Detector turns handshake metadata into a Record. It performs no I/O.
type Detector struct {
	classifier *protocol.Classifier
	minVersion string
	now        func() time.Time
}

// NewDetector builds a detector. minEnhanced is the lowest declared version
// recognized as enhanced; an invalid or empty value falls back to
// DefaultEnhancedMinVersion.
func NewDetector(classifier *protocol.Classifier, minEnhanced string) *Detector {
	mv, ok := Canonical(minEnhanced)
	if !ok {
		mv, _ = Canonical(DefaultEnhancedMinVersion)
	}
	return &Detector{classifier: classifier, minVersion: mv, now: time.Now}
}

// Detect inspects h and returns its Record. When the metadata is missing or
// malformed the conservative record is returned with ok=false. Detect never
// panics.
func (d *Detector) Detect(h *protocol.Handshake) (rec Record, ok bool) {
	now := d.now()
	if h == nil {
		return Conservative(now), false
	}
	version := strings.TrimSpace(h.Version)
	canonical := ""
	if version != "" {
		v, valid := Canonical(version)
		if !valid {
			return Conservative(now), false
		}
		canonical = v
	}

	rec = Record{
		DeclaredVersion: version,
		MessageTypes:    make(map[string]bool, len(h.MessageTypes)),
		Features:        map[protocol.Feature]bool{},
		CreatedAt:       now,
	}

	// (a) explicit marker
	if strings.EqualFold(h.Protocol, string(protocol.ProtocolEnhanced)) {
		rec.SupportsEnhanced = true
	}
	if canonical != "" && semver.Compare(canonical, d.minVersion) >= 0 {
		rec.SupportsEnhanced = true
	}

	// (b) declared types
	for _, t := range h.MessageTypes {
		t = strings.TrimSpace(t)
		if t == "" {
			return Conservative(now), false
		}
		rec.MessageTypes[t] = true
		if d.classifier != nil && d.classifier.IsEnhanced(t) {
			rec.SupportsEnhanced = true
		}
	}

	// (c) features; unknown names are ignored
	for name, on := range h.Features {
		if !on {
			continue
		}
		if f, known := protocol.ParseFeature(name); known {
			rec.Features[f] = true
		}
	}
	return rec, true
}

// Canonical normalizes a version string to the "vMAJOR.MINOR.PATCH" form
// understood by golang.org/x/mod/semver. The leading "v" is optional.
func Canonical(v string) (string, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return "", false
	}
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return "", false
	}
	return semver.Canonical(v), true
}
