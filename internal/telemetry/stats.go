package telemetry

import (
	"github.com/rho-agent/rho/pkg/models"
)

// CollectStats aggregates an event stream (a run's events or a whole
// trace) into run statistics. Works on replayed traces too, since it
// only reads the events.
func CollectStats(events []models.AgentEvent) *models.RunStats {
	stats := &models.RunStats{}
	for _, ev := range events {
		if stats.SessionID == "" && ev.SessionID != "" {
			stats.SessionID = ev.SessionID
		}
		if stats.StartedAt.IsZero() || ev.Time.Before(stats.StartedAt) {
			if !ev.Time.IsZero() {
				stats.StartedAt = ev.Time
			}
		}
		if ev.Time.After(stats.FinishedAt) {
			stats.FinishedAt = ev.Time
		}

		switch ev.Type {
		case models.EventAPICallComplete:
			stats.Turns++
			if ev.Model != nil {
				stats.Usage.Add(ev.Model.Delta)
				if ev.Model.ContextSize > stats.ContextSize {
					stats.ContextSize = ev.Model.ContextSize
				}
			}
		case models.EventToolEnd, models.EventToolBlocked:
			stats.ToolCalls++
			if ev.Tool != nil {
				stats.ToolWallTime += ev.Tool.Elapsed
			}
		case models.EventCompactEnd:
			stats.Compactions++
		case models.EventError:
			stats.Errors++
		case models.EventCancelled:
			stats.Cancelled = true
		case models.EventInterruption:
			stats.Interrupted = true
		case models.EventTurnComplete:
			if ev.TurnEnd != nil && !ev.TurnEnd.Usage.IsZero() {
				stats.Usage = ev.TurnEnd.Usage
			}
		case models.EventUsage:
			// Trace tail records carry the authoritative totals.
			if ev.Usage != nil && !ev.Usage.Usage.IsZero() {
				stats.Usage = ev.Usage.Usage
			}
		}
	}
	if !stats.StartedAt.IsZero() && !stats.FinishedAt.IsZero() {
		stats.WallTime = stats.FinishedAt.Sub(stats.StartedAt)
	}
	return stats
}
