// Package rollup derives a job's final status from its items.
package rollup

import "github.com/jdziat/sniper/pkg/core"

// Summarize counts items by outcome.
func Summarize(items []*core.JobItem) core.ItemSummary {
	var s core.ItemSummary
	for _, it := range items {
		Add(&s, it.Status)
	}
	return s
}

// Add counts one item status into s.
func Add(s *core.ItemSummary, status core.ItemStatus) {
	s.Total++
	switch {
	case status.IsSuccess():
		s.Success++
	case status == core.ItemFailed:
		s.Failed++
	case status == core.ItemSkipped:
		s.Skipped++
	default:
		s.Pending++
	}
}

// Final returns the terminal job status for a summary:
// no items or only failures is failed, no failures is succeeded, and a
// mix of successes and failures is partially_succeeded.
func Final(s core.ItemSummary) core.JobStatus {
	switch {
	case s.Total == 0:
		return core.StatusFailed
	case s.Failed > 0 && s.Success == 0:
		return core.StatusFailed
	case s.Failed == 0:
		return core.StatusSucceeded
	default:
		return core.StatusPartiallySucceeded
	}
}

// Code returns the error code to store alongside Final(s), if any.
func Code(s core.ItemSummary) string {
	if s.Total == 0 {
		return core.CodeNoItems
	}
	return ""
}
