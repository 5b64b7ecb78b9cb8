package alert

import "time"

// DedupWindow suppresses an alert when the same service already has an alert with
// the same severity and message created within Window.
type DedupWindow struct {
	Window time.Duration
}

func (d DedupWindow) Suppress(candidate Alert, held []Alert) bool {
	if d.Window <= 0 {
		return false
	}
	for _, h := range held {
		if h.Severity != candidate.Severity || h.Message != candidate.Message {
			continue
		}
		if candidate.CreatedAt.Sub(h.CreatedAt) < d.Window {
			return true
		}
	}
	return false
}
