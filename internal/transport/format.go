package transport

import (
	"fmt"
	"math"
)

// Placeholder is shown for a time that is not yet known.
const Placeholder = "--:--"

// maxDisplaySeconds caps rendered times well inside the int range.
const maxDisplaySeconds = 1 << 40

// FormatTime renders seconds as m:ss.
func FormatTime(seconds float64) string {
	if math.IsNaN(seconds) || math.IsInf(seconds, 0) {
		return Placeholder
	}
	seconds = math.Max(0, math.Min(seconds, maxDisplaySeconds))
	total := int(math.Floor(seconds))
	return fmt.Sprintf("%d:%02d", total/60, total%60)
}

// String renders the state as "m:ss / m:ss".
func (s PlaybackState) String() string {
	return FormatTime(s.CurrentTime) + " / " + FormatTime(s.Duration)
}
