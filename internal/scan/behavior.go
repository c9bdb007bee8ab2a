package scan

import (
	"fmt"
	"strings"
	"time"

	"filesentry/internal/rules"
)

// BehaviorAnalyzer scores size anomalies, activity-time anomalies, and
// path-based risk. All thresholds live in the ruleset, not in the logic.
type BehaviorAnalyzer struct {
	rules *rules.Set
}

// NewBehaviorAnalyzer creates a behavior analyzer bound to a ruleset.
func NewBehaviorAnalyzer(rs *rules.Set) *BehaviorAnalyzer {
	return &BehaviorAnalyzer{rules: rs}
}

// Analyze scores the file's observable attributes. The modification time,
// not the scan time, drives the activity-window check so rescanning an
// unchanged file stays deterministic.
func (a *BehaviorAnalyzer) Analyze(path, category string, size int64, modTime time.Time) (int, []Reason) {
	bh := &a.rules.Behavior
	score := 0
	var reasons []Reason

	add := func(points int, format string, args ...any) {
		if points <= 0 {
			return
		}
		score += points
		reasons = append(reasons, Reason{
			Analyzer: AnalyzerBehavior,
			Message:  fmt.Sprintf(format, args...),
			Score:    points,
		})
	}

	if bh.BloatSizeBytes > 0 && size > bh.BloatSizeBytes {
		add(bh.BloatScore, "file size %d bytes exceeds %d", size, bh.BloatSizeBytes)
	}

	if category == "executable" && bh.TinyExecutableBytes > 0 && size > 0 && size < bh.TinyExecutableBytes {
		add(bh.TinyExecutableScore, "executable is suspiciously small (%d bytes)", size)
	}

	hour := modTime.Local().Hour()
	if hour < bh.NormalHoursStart || hour >= bh.NormalHoursEnd {
		add(bh.OffHoursScore, "file activity at %02d:00 is outside normal hours", hour)
	}

	lowerPath := strings.ToLower(path)
	for _, fragment := range bh.RiskyPathFragments {
		if strings.Contains(lowerPath, strings.ToLower(fragment)) {
			add(bh.RiskyPathScore, "file located under risky path segment %q", fragment)
			break
		}
	}

	return score, reasons
}
