// Package privacyguard inspects a submitted delta for sane numeric
// content before it is handed to the aggregator.
package privacyguard

import "github.com/openfl/coordinator/pkg/model"

// DefaultMaxMagnitude bounds the absolute value of any single weight
// in a delta. Values outside this range, or non-finite values, cause
// the whole submission to be rejected.
const DefaultMaxMagnitude = 1e6

// Guard inspects payloads against a configured magnitude bound.
type Guard struct {
	maxMagnitude float64
}

// New creates a Guard with the given magnitude bound. A non-positive
// bound falls back to DefaultMaxMagnitude.
func New(maxMagnitude float64) *Guard {
	if maxMagnitude <= 0 {
		maxMagnitude = DefaultMaxMagnitude
	}
	return &Guard{maxMagnitude: maxMagnitude}
}

// Inspect reports whether payload is acceptable. There is no partial
// acceptance: a single out-of-range or non-finite value rejects the
// entire submission, with a reason suitable for the invalid_values
// error code.
func (g *Guard) Inspect(payload *model.Payload) (ok bool, reason string) {
	if payload == nil {
		return false, "payload is empty"
	}
	if !payload.Finite(g.maxMagnitude) {
		return false, "payload contains a non-finite or out-of-range value"
	}
	return true, ""
}
