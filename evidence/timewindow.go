package evidence

import (
	"time"

	"github.com/rajawajahat/opsrunbook-copilot/contracts"
)

// ClampWindow enforces the server-side window cap W: if the
// window spans more than maxMinutes, Start is pulled forward so the window
// preserves the most-recent tail ending at the original End.
func ClampWindow(w contracts.TimeWindow, maxMinutes int) contracts.TimeWindow {
	maxSpan := time.Duration(maxMinutes) * time.Minute
	if w.End.Sub(w.Start) <= maxSpan {
		return w
	}
	return contracts.TimeWindow{
		Start: w.End.Add(-maxSpan),
		End:   w.End,
	}
}
