// Package scan implements the file risk-scoring pipeline.
//
// A scan runs four independent analyzers (metadata, content, behavior,
// reputation) over one file, sums their contributions into a composite
// score, and maps the score to a security status. Analyzer heuristics come
// from an injected rules.Set; nothing in this package reaches for ambient
// globals or synthesizes data the file does not carry.
package scan

import (
	"time"
)

// EngineVersion tags results with the scoring engine revision.
const EngineVersion = "1.0.0"

// Status is the discrete security classification of a scanned file.
type Status string

const (
	StatusClean               Status = "clean"
	StatusPotentiallyUnwanted Status = "potentially_unwanted"
	StatusSuspicious          Status = "suspicious"
	StatusHighlySuspicious    Status = "highly_suspicious"
	StatusMalicious           Status = "malicious"
	StatusError               Status = "error"
)

// Analyzer identifies which pipeline stage produced a finding.
type Analyzer string

const (
	AnalyzerMetadata   Analyzer = "metadata"
	AnalyzerContent    Analyzer = "content"
	AnalyzerBehavior   Analyzer = "behavior"
	AnalyzerReputation Analyzer = "reputation"
	AnalyzerEngine     Analyzer = "engine"
)

// Reason is one human-readable finding tagged with its analyzer.
// A non-positive score marks an informational note (e.g. an allow-list
// hit) rather than a threat finding.
type Reason struct {
	Analyzer Analyzer `json:"analyzer"`
	Message  string   `json:"message"`
	Score    int      `json:"score"`
}

// Result is one inspection outcome for one file. It is immutable after
// the scanner produces it.
type Result struct {
	ID   string `json:"id"`
	Path string `json:"path"`
	Name string `json:"name"`
	Size int64  `json:"size"`

	// SHA256 is the hex digest of the inspected content prefix.
	// Empty when the content could not be read.
	SHA256 string `json:"sha256,omitempty"`

	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`

	// RiskScore is the additive composite; it may exceed 100.
	RiskScore int    `json:"risk_score"`
	Status    Status `json:"status"`

	Reasons         []Reason `json:"reasons,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`

	Engine string `json:"engine"`
}

// DisplayScore clamps the composite score to 100 for presentation.
func (r *Result) DisplayScore() int {
	if r.RiskScore > 100 {
		return 100
	}
	return r.RiskScore
}

// ThreatReasons returns only the positive-scored findings; informational
// notes such as allow-list hits are excluded.
func (r *Result) ThreatReasons() []Reason {
	var out []Reason
	for _, reason := range r.Reasons {
		if reason.Score > 0 {
			out = append(out, reason)
		}
	}
	return out
}

// Escalated reports whether the result warrants quarantine.
func (r *Result) Escalated() bool {
	return r.Status == StatusMalicious || r.Status == StatusHighlySuspicious
}
