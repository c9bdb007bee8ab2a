package scan

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"filesentry/internal/rules"
)

// ContentInspector reads a bounded prefix of file bytes, hashes it, and
// flags known-bad signatures and suspicious embedded strings.
type ContentInspector struct {
	rules *rules.Set
}

// NewContentInspector creates a content inspector bound to a ruleset.
func NewContentInspector(rs *rules.Set) *ContentInspector {
	return &ContentInspector{rules: rs}
}

// Inspect reads at most PrefixBytes from the file and scores it. The hex
// SHA-256 digest of the prefix is returned for reputation lookup; it is
// empty when the content could not be read. Read failures degrade to a
// small fixed penalty and never abort the scan; the accompanying note is
// informational, not a threat finding, so an otherwise-neutral unreadable
// file still classifies as clean without threat reasons.
func (c *ContentInspector) Inspect(path, category string) (int, []Reason, string) {
	ct := &c.rules.Content

	prefix, err := readPrefix(path, ct.PrefixBytes)
	if err != nil {
		return ct.UnreadablePenalty, []Reason{{
			Analyzer: AnalyzerContent,
			Message:  "content could not be analyzed: " + readFailure(err),
		}}, ""
	}

	sum := sha256.Sum256(prefix)
	digest := hex.EncodeToString(sum[:])

	score := 0
	var reasons []Reason
	add := func(points int, format string, args ...any) {
		if points <= 0 {
			return
		}
		score += points
		reasons = append(reasons, Reason{
			Analyzer: AnalyzerContent,
			Message:  fmt.Sprintf(format, args...),
			Score:    points,
		})
	}

	// 1. Known-malicious byte signatures.
	for i := range ct.Signatures {
		sig := &ct.Signatures[i]
		if sig.MatchesPrefix(prefix) {
			add(sig.Score, "matches known-malicious signature %s", sig.Name)
		}
	}

	// 2. Suspicious keywords, deduplicated by keyword.
	lower := strings.ToLower(string(prefix))
	seen := make(map[string]bool)
	for _, kw := range ct.Keywords {
		word := strings.ToLower(kw.Word)
		if seen[word] {
			continue
		}
		if strings.Contains(lower, word) {
			seen[word] = true
			add(kw.Score, "contains suspicious keyword %q", kw.Word)
		}
	}

	// 3. Executable header in a file not claiming to be executable.
	if category != "executable" {
		for i := range ct.ExecutableMagics {
			magic := &ct.ExecutableMagics[i]
			if len(prefix) >= len(magic.Bytes()) && strings.HasPrefix(string(prefix), string(magic.Bytes())) {
				add(ct.ExecMagicScore, "executable header %s in non-executable file", magic.Name)
				break
			}
		}
	}

	// 4. Script or markup injection markers outside script files.
	if category != "script" {
		for _, marker := range ct.ScriptMarkers {
			if strings.Contains(lower, strings.ToLower(marker)) {
				add(ct.ScriptMarkerScore, "script marker %q in %s file", marker, category)
				break
			}
		}
	}

	return score, reasons, digest
}

// readPrefix reads up to limit bytes from the start of the file.
func readPrefix(path string, limit int) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := make([]byte, limit)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, err
	}
	return buf[:n], nil
}

// readFailure maps a read error to a short reason fragment.
func readFailure(err error) string {
	switch {
	case os.IsNotExist(err):
		return "file not found"
	case os.IsPermission(err):
		return "permission denied"
	default:
		return err.Error()
	}
}
