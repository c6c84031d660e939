package sandbox

import (
	"fmt"
	"sort"
	"time"
)

// Stats aggregates sandbox activity across all plugins.
type Stats struct {
	Plugins            int
	Quarantined        int
	Executions         int
	TotalExecutionTime time.Duration
	AverageExecution   time.Duration
	MemoryPeak         int64
	TotalErrors        int
	ErrorRate          float64
}

// PluginHealth is the per-plugin slice of a HealthReport.
type PluginHealth struct {
	PluginID         string
	Healthy          bool
	ErrorCount       int
	Executions       int
	AverageExecution time.Duration
	MemoryPeak       int64
	Quarantined      bool
	QuarantineReason string
}

// HealthReport summarizes sandbox health with actionable recommendations.
type HealthReport struct {
	Healthy         bool
	Plugins         []PluginHealth
	Recommendations []string
}

// Stats returns aggregate metrics across every tracked plugin.
func (e *Executor) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var st Stats
	st.Plugins = len(e.states)
	for _, s := range e.states {
		if s.Quarantined {
			st.Quarantined++
		}
		st.Executions += s.Executions
		st.TotalExecutionTime += s.TotalExecutionTime
		st.TotalErrors += s.ErrorCount
		if s.MemoryPeak > st.MemoryPeak {
			st.MemoryPeak = s.MemoryPeak
		}
	}
	if st.Executions > 0 {
		st.AverageExecution = st.TotalExecutionTime / time.Duration(st.Executions)
		st.ErrorRate = float64(st.TotalErrors) / float64(st.Executions)
	}
	return st
}

// Health derives a report from the current sandbox state. A plugin is
// flagged when quarantined or trending toward the quarantine threshold.
func (e *Executor) Health() HealthReport {
	e.mu.RLock()
	defer e.mu.RUnlock()

	report := HealthReport{Healthy: true}

	ids := make([]string, 0, len(e.states))
	for id := range e.states {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		s := e.states[id]
		ph := PluginHealth{
			PluginID:         id,
			Healthy:          !s.Quarantined && s.ErrorCount < QuarantineErrorThreshold-1,
			ErrorCount:       s.ErrorCount,
			Executions:       s.Executions,
			MemoryPeak:       s.MemoryPeak,
			Quarantined:      s.Quarantined,
			QuarantineReason: s.QuarantineReason,
		}
		if s.Executions > 0 {
			ph.AverageExecution = s.TotalExecutionTime / time.Duration(s.Executions)
		}
		report.Plugins = append(report.Plugins, ph)

		switch {
		case s.Quarantined:
			report.Healthy = false
			report.Recommendations = append(report.Recommendations,
				fmt.Sprintf("plugin %q is quarantined (%s); fix and release it", id, s.QuarantineReason))
		case s.ErrorCount >= QuarantineErrorThreshold-1:
			report.Healthy = false
			report.Recommendations = append(report.Recommendations,
				fmt.Sprintf("plugin %q has %d recent errors and is close to quarantine", id, s.ErrorCount))
		case s.MemoryPeak > int64(DefaultMaxMemoryMB)*1024*1024/2:
			report.Recommendations = append(report.Recommendations,
				fmt.Sprintf("plugin %q peaked at %d MB, over half its memory budget", id, s.MemoryPeak/(1024*1024)))
		}
	}
	return report
}
