package scan

import (
	"fmt"
	"strings"
	"unicode"

	"filesentry/internal/rules"
)

// MetadataAnalyzer scores a file by its name and extension alone.
type MetadataAnalyzer struct {
	rules *rules.Set
}

// NewMetadataAnalyzer creates a metadata analyzer bound to a ruleset.
func NewMetadataAnalyzer(rs *rules.Set) *MetadataAnalyzer {
	return &MetadataAnalyzer{rules: rs}
}

// Analyze scores the file name. Checks run in a fixed order so the reason
// list is stable across runs: suspicious name patterns, double extension,
// name length, non-ASCII characters, extension category.
func (a *MetadataAnalyzer) Analyze(name string) (int, []Reason) {
	md := &a.rules.Metadata
	score := 0
	var reasons []Reason

	add := func(points int, format string, args ...any) {
		if points <= 0 {
			return
		}
		score += points
		reasons = append(reasons, Reason{
			Analyzer: AnalyzerMetadata,
			Message:  fmt.Sprintf(format, args...),
			Score:    points,
		})
	}

	for i := range md.SuspiciousNames {
		p := &md.SuspiciousNames[i]
		if p.Match(name) {
			add(p.Score, "name matches suspicious pattern: %s", p.Description)
		}
	}

	if first, last, ok := doubleExtension(md, name); ok {
		add(md.DoubleExtensionScore,
			"double extension: %q looks like a document but ends in .%s", "."+first, last)
	}

	if md.MaxNameLength > 0 && len(name) > md.MaxNameLength {
		add(md.LongNameScore, "file name longer than %d characters", md.MaxNameLength)
	}

	if hasNonASCII(name) {
		add(md.NonASCIIScore, "file name contains non-ASCII characters")
	}

	ext := extension(name)
	category := md.Category(ext)
	if category == "unknown" {
		if ext != "" {
			add(md.UnknownExtScore, "unrecognized extension .%s", ext)
		}
	} else if base := md.CategoryScores[category]; base > 0 {
		add(base, "file category %s carries base risk", category)
	}

	if md.AnalyzerCap > 0 && score > md.AnalyzerCap {
		score = md.AnalyzerCap
	}
	return score, reasons
}

// Category classifies the file name's extension.
func (a *MetadataAnalyzer) Category(name string) string {
	return a.rules.Metadata.Category(extension(name))
}

// extension returns the lowercase final extension without the dot.
func extension(name string) string {
	idx := strings.LastIndexByte(name, '.')
	if idx < 0 || idx == len(name)-1 {
		return ""
	}
	return strings.ToLower(name[idx+1:])
}

// doubleExtension reports a document-looking extension immediately
// followed by an executable, script, or mobile-package extension.
func doubleExtension(md *rules.Metadata, name string) (first, last string, ok bool) {
	parts := strings.Split(strings.ToLower(name), ".")
	if len(parts) < 3 {
		return "", "", false
	}

	first = parts[len(parts)-2]
	last = parts[len(parts)-1]

	if md.Category(first) != "document" {
		return "", "", false
	}
	switch md.Category(last) {
	case "executable", "script", "mobile_package":
		return first, last, true
	}
	return "", "", false
}

func hasNonASCII(name string) bool {
	for _, r := range name {
		if r > unicode.MaxASCII {
			return true
		}
	}
	return false
}
