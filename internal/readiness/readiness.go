// Package readiness decides when the backend has finished booting.
package readiness

import "strings"

// DefaultMarker is printed by the backend once its server accepts connections.
const DefaultMarker = "To see the GUI go to: http://127.0.0.1:8188"

// Detector reports whether a wrapped output flush announces readiness.
// Detectors must be pure: they may be called from any goroutine.
type Detector func(wrapped string) bool

// Marker returns a Detector matching the exact substring marker.
// An empty marker never matches.
func Marker(marker string) Detector {
	return func(wrapped string) bool {
		if marker == "" {
			return false
		}
		return strings.Contains(wrapped, marker)
	}
}

// Any returns a Detector that matches when any of ds matches.
func Any(ds ...Detector) Detector {
	return func(wrapped string) bool {
		for _, d := range ds {
			if d != nil && d(wrapped) {
				return true
			}
		}
		return false
	}
}
