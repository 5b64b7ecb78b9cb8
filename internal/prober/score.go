package prober

import "github.com/loykin/fleetmon/internal/service"

// DefaultRecoveryThreshold is the uptime below which a service is offered for recovery.
const DefaultRecoveryThreshold = 80.0

// Score recomputes the health score from the current record. It is a snapshot
// of the record, not a running average.
func Score(rec service.HealthRecord, thresholdMs int64) int {
	score := 100 - rec.ConsecutiveFailures*20
	avg := rec.AverageResponseMs()
	th := float64(thresholdMs)
	switch {
	case avg > th:
		score -= 30
	case avg > th/2:
		score -= 15
	}
	return max(0, min(100, score))
}

// NextUptime advances the uptime estimator. Failures decay it faster than
// successes restore it.
func NextUptime(prev float64, ok bool) float64 {
	if ok {
		return min(100, prev*0.99+1)
	}
	return max(0, prev*0.95)
}

// apply folds a probe outcome into the record and the derived service fields.
func apply(svc *service.Service, rec *service.HealthRecord, out service.ProbeOutcome, thresholdMs int64) {
	rec.LastCheckAt = out.At
	if out.OK {
		rec.ResponseTimes.Push(out.ElapsedMs)
		rec.ConsecutiveFailures = 0
		rec.Status = service.StatusHealthy
		svc.ResponseTimeMs = out.ElapsedMs
	} else {
		rec.ConsecutiveFailures++
		rec.Status = service.StatusUnhealthy
		if out.Unreachable {
			rec.Status = service.StatusError
		}
	}
	svc.HealthScore = Score(*rec, thresholdMs)
	svc.Uptime = NextUptime(svc.Uptime, out.OK)
}
