// Package rules holds the heuristic tables used by the scan analyzers.
//
// All pattern sets, byte signatures, score weights, and thresholds live in
// a single immutable Set loaded once at startup. The defaults ship as an
// embedded JSON document validated against a JSON Schema; a deployment can
// override them with its own rules file. Analyzers receive the Set
// explicitly, never through package globals.
package rules

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"regexp"

	"github.com/santhosh-tekuri/jsonschema/v5"

	_ "embed"
)

//go:embed defaults.json
var defaultsJSON []byte

//go:embed schema.json
var schemaJSON string

// NamePattern is a scored regular expression applied to file names.
type NamePattern struct {
	Pattern     string `json:"pattern"`
	Score       int    `json:"score"`
	Description string `json:"description"`

	re *regexp.Regexp
}

// Match reports whether the compiled pattern matches the name.
func (p *NamePattern) Match(name string) bool {
	return p.re != nil && p.re.MatchString(name)
}

// ByteSignature is a known byte sequence with an associated score.
// Bytes are hex-encoded in the rules document.
type ByteSignature struct {
	Name  string `json:"name"`
	Hex   string `json:"hex"`
	Score int    `json:"score"`

	raw []byte
}

// Bytes returns the decoded signature bytes.
func (s *ByteSignature) Bytes() []byte { return s.raw }

// MatchesPrefix reports whether the signature occurs in the given prefix.
func (s *ByteSignature) MatchesPrefix(prefix []byte) bool {
	return len(s.raw) > 0 && bytes.Contains(prefix, s.raw)
}

// Keyword is a scored substring searched for in decoded file content.
type Keyword struct {
	Word  string `json:"word"`
	Score int    `json:"score"`
}

// Metadata holds the name and extension heuristics.
type Metadata struct {
	// SuspiciousNames are checked in document order so reason output
	// is deterministic.
	SuspiciousNames []NamePattern `json:"suspicious_names"`

	// DoubleExtensionScore applies when a document-looking first
	// extension is followed by an executable or script extension.
	DoubleExtensionScore int `json:"double_extension_score"`

	MaxNameLength   int `json:"max_name_length"`
	LongNameScore   int `json:"long_name_score"`
	NonASCIIScore   int `json:"non_ascii_score"`
	UnknownExtScore int `json:"unknown_ext_score"`

	// CategoryScores maps a file category to its base risk score.
	CategoryScores map[string]int `json:"category_scores"`

	// Extensions maps a lowercase extension (without dot) to a category.
	Extensions map[string]string `json:"extensions"`

	// AnalyzerCap bounds the total contribution of this analyzer.
	AnalyzerCap int `json:"analyzer_cap"`
}

// Content holds the byte-level inspection heuristics.
type Content struct {
	// PrefixBytes is the maximum number of bytes read from a file.
	PrefixBytes int `json:"prefix_bytes"`

	Signatures []ByteSignature `json:"signatures"`
	Keywords   []Keyword       `json:"keywords"`

	// ExecutableMagics are executable header signatures scored when the
	// file's extension does not indicate an executable.
	ExecutableMagics []ByteSignature `json:"executable_magics"`
	ExecMagicScore   int             `json:"exec_magic_score"`

	// ScriptMarkers are script/markup injection markers scored when the
	// file's category is not script or code.
	ScriptMarkers     []string `json:"script_markers"`
	ScriptMarkerScore int      `json:"script_marker_score"`

	// UnreadablePenalty applies when file content cannot be read.
	UnreadablePenalty int `json:"unreadable_penalty"`
}

// Behavior holds size, time, and path heuristics.
type Behavior struct {
	BloatSizeBytes int64 `json:"bloat_size_bytes"`
	BloatScore     int   `json:"bloat_score"`

	TinyExecutableBytes int64 `json:"tiny_executable_bytes"`
	TinyExecutableScore int   `json:"tiny_executable_score"`

	// NormalHoursStart/End define the local-time window considered
	// normal activity, in hours [0,24).
	NormalHoursStart int `json:"normal_hours_start"`
	NormalHoursEnd   int `json:"normal_hours_end"`
	OffHoursScore    int `json:"off_hours_score"`

	RiskyPathFragments []string `json:"risky_path_fragments"`
	RiskyPathScore     int      `json:"risky_path_score"`
}

// Reputation holds the hash-verdict scoring bands and the allow-list.
type Reputation struct {
	// Allowlist is a set of hex SHA-256 digests of known-good content.
	Allowlist []string `json:"allowlist"`

	// AllowlistCredit is subtracted from the composite score on an
	// allow-list hit; the analyzer contribution floors at zero.
	AllowlistCredit int `json:"allowlist_credit"`

	// Bands maps a verdict name (bad, poor, unknown, good) to a score.
	Bands map[string]int `json:"bands"`

	TimeoutMs    int `json:"timeout_ms"`
	CacheTTLMins int `json:"cache_ttl_mins"`
}

// Monitor holds the candidate filters used by the directory monitor.
type Monitor struct {
	// MaxScanSizeBytes filters out files too large to scan.
	MaxScanSizeBytes int64 `json:"max_scan_size_bytes"`

	// TransientPatterns filter out system/temporary files by name.
	TransientPatterns []NamePattern `json:"transient_patterns"`

	// RecentWindowMins filters out files whose modification time is
	// older than this window; the monitor only reports new activity.
	RecentWindowMins int `json:"recent_window_mins"`
}

// Thresholds maps composite scores to statuses.
type Thresholds struct {
	Malicious           int `json:"malicious"`
	HighlySuspicious    int `json:"highly_suspicious"`
	Suspicious          int `json:"suspicious"`
	PotentiallyUnwanted int `json:"potentially_unwanted"`
}

// Set is the complete immutable ruleset.
type Set struct {
	Version    int        `json:"version"`
	Metadata   Metadata   `json:"metadata"`
	Content    Content    `json:"content"`
	Behavior   Behavior   `json:"behavior"`
	Reputation Reputation `json:"reputation"`
	Monitor    Monitor    `json:"monitor"`
	Thresholds Thresholds `json:"thresholds"`
}

// Default returns the embedded default ruleset.
func Default() (*Set, error) {
	return parse(defaultsJSON)
}

// LoadFile loads and validates a ruleset from a JSON file.
func LoadFile(path string) (*Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	return parse(data)
}

func parse(data []byte) (*Set, error) {
	if err := validate(data); err != nil {
		return nil, err
	}

	var s Set
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("unmarshal rules: %w", err)
	}

	if err := s.compile(); err != nil {
		return nil, err
	}
	return &s, nil
}

// validate checks the raw document against the embedded schema.
func validate(data []byte) error {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("rules.schema.json", bytes.NewReader([]byte(schemaJSON))); err != nil {
		return fmt.Errorf("add schema resource: %w", err)
	}

	schema, err := compiler.Compile("rules.schema.json")
	if err != nil {
		return fmt.Errorf("compile rules schema: %w", err)
	}

	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return fmt.Errorf("unmarshal rules document: %w", err)
	}

	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("validate rules document: %w", err)
	}
	return nil
}

// compile precompiles regexes and decodes hex signatures.
func (s *Set) compile() error {
	for i := range s.Metadata.SuspiciousNames {
		p := &s.Metadata.SuspiciousNames[i]
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			return fmt.Errorf("compile name pattern %q: %w", p.Pattern, err)
		}
		p.re = re
	}

	for i := range s.Monitor.TransientPatterns {
		p := &s.Monitor.TransientPatterns[i]
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			return fmt.Errorf("compile transient pattern %q: %w", p.Pattern, err)
		}
		p.re = re
	}

	for i := range s.Content.Signatures {
		sig := &s.Content.Signatures[i]
		raw, err := hex.DecodeString(sig.Hex)
		if err != nil {
			return fmt.Errorf("decode signature %q: %w", sig.Name, err)
		}
		sig.raw = raw
	}

	for i := range s.Content.ExecutableMagics {
		sig := &s.Content.ExecutableMagics[i]
		raw, err := hex.DecodeString(sig.Hex)
		if err != nil {
			return fmt.Errorf("decode magic %q: %w", sig.Name, err)
		}
		sig.raw = raw
	}

	return nil
}

// Category returns the category for a lowercase extension without the
// leading dot, or "unknown".
func (m *Metadata) Category(ext string) string {
	if cat, ok := m.Extensions[ext]; ok {
		return cat
	}
	return "unknown"
}

// IsAllowlisted reports whether the hex digest is on the allow-list.
func (r *Reputation) IsAllowlisted(hexDigest string) bool {
	for _, h := range r.Allowlist {
		if h == hexDigest {
			return true
		}
	}
	return false
}
