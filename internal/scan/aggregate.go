package scan

import "filesentry/internal/rules"

// StatusForScore maps a composite risk score to a status using the fixed
// thresholds from the ruleset. Pure function; unit-testable without I/O.
func StatusForScore(t rules.Thresholds, score int) Status {
	switch {
	case score >= t.Malicious:
		return StatusMalicious
	case score >= t.HighlySuspicious:
		return StatusHighlySuspicious
	case score >= t.Suspicious:
		return StatusSuspicious
	case score >= t.PotentiallyUnwanted:
		return StatusPotentiallyUnwanted
	default:
		return StatusClean
	}
}

// recommendations is the fixed status -> action lookup table.
var recommendations = map[Status][]string{
	StatusClean: {
		"No action needed",
	},
	StatusPotentiallyUnwanted: {
		"Review the file before opening it",
		"Delete the file if you do not recognize it",
	},
	StatusSuspicious: {
		"Do not open the file",
		"Verify where the file came from",
		"Delete the file if you do not recognize it",
	},
	StatusHighlySuspicious: {
		"Do not open the file",
		"Quarantine the file",
		"Verify the source before restoring it",
	},
	StatusMalicious: {
		"Quarantine the file immediately",
		"Do not open or share the file",
		"Report the file to your security contact",
	},
	StatusError: {
		"Retry the scan manually",
		"Check that the file is readable",
	},
}

// RecommendationsFor returns the suggested user actions for a status.
// The returned slice is a copy; results are immutable after creation.
func RecommendationsFor(status Status) []string {
	recs := recommendations[status]
	out := make([]string, len(recs))
	copy(out, recs)
	return out
}
