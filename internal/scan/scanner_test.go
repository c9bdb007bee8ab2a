package scan

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"filesentry/internal/logging"
	"filesentry/internal/reputation"
	"filesentry/internal/rules"
)

// neutralRules disables the signals that depend on where and when the
// test runs (temp-dir paths, wall-clock hour) so file content and name
// alone drive the outcome.
func neutralRules(t *testing.T) *rules.Set {
	t.Helper()
	rs, err := rules.Default()
	require.NoError(t, err)
	rs.Behavior.RiskyPathFragments = nil
	rs.Behavior.NormalHoursStart = 0
	rs.Behavior.NormalHoursEnd = 24
	return rs
}

func newTestScanner(t *testing.T, rs *rules.Set, opts ...Option) *Scanner {
	t.Helper()
	return NewScanner(rs, logging.Default(), opts...)
}

func TestScanCleanTextFile(t *testing.T) {
	s := newTestScanner(t, neutralRules(t))
	path := writeTemp(t, "readme.txt", []byte("hello w\n"))

	res := s.ScanFile(context.Background(), path)

	assert.Equal(t, StatusClean, res.Status)
	assert.Empty(t, res.ThreatReasons())
	assert.Less(t, res.RiskScore, 20)
	assert.Equal(t, int64(8), res.Size)
	assert.Len(t, res.SHA256, 64)
	assert.NotEmpty(t, res.ID)
	assert.Equal(t, []string{"No action needed"}, res.Recommendations)
}

func TestScanDoubleExtensionNeverClean(t *testing.T) {
	s := newTestScanner(t, neutralRules(t))
	path := writeTemp(t, "invoice.pdf.exe", []byte("not really a pdf"))

	res := s.ScanFile(context.Background(), path)

	assert.GreaterOrEqual(t, res.RiskScore, 40)
	assert.NotEqual(t, StatusClean, res.Status)
	assert.NotEmpty(t, res.ThreatReasons())
}

func TestScanEicarIsMalicious(t *testing.T) {
	s := newTestScanner(t, neutralRules(t))
	path := writeTemp(t, "sample.txt", []byte(eicarTest))

	res := s.ScanFile(context.Background(), path)

	assert.Equal(t, StatusMalicious, res.Status)
	assert.GreaterOrEqual(t, res.RiskScore, 80)
}

func TestScanIdempotent(t *testing.T) {
	s := newTestScanner(t, neutralRules(t))
	path := writeTemp(t, "stable.txt", []byte("unchanging content"))

	first := s.ScanFile(context.Background(), path)
	second := s.ScanFile(context.Background(), path)

	assert.Equal(t, first.RiskScore, second.RiskScore)
	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.Reasons, second.Reasons)
	assert.Equal(t, first.SHA256, second.SHA256)
}

func TestScanMissingFileIsError(t *testing.T) {
	s := newTestScanner(t, neutralRules(t))

	res := s.ScanFile(context.Background(), filepath.Join(t.TempDir(), "gone.txt"))

	assert.Equal(t, StatusError, res.Status)
	require.NotEmpty(t, res.Reasons)
	assert.Contains(t, res.Reasons[0].Message, "could not be scanned")
}

type slowReputation struct{}

func (slowReputation) Lookup(ctx context.Context, hexDigest string) (*reputation.Verdict, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestScanReputationTimeoutStaysClean(t *testing.T) {
	rs := neutralRules(t)
	rs.Reputation.TimeoutMs = 20

	s := newTestScanner(t, rs, WithReputation(slowReputation{}))
	path := writeTemp(t, "readme.txt", []byte("plain text"))

	res := s.ScanFile(context.Background(), path)

	assert.Equal(t, StatusClean, res.Status)
	for _, r := range res.Reasons {
		assert.NotEqual(t, AnalyzerReputation, r.Analyzer,
			"a failed lookup must not leave a reputation reason")
	}
}

type fixedReputation struct {
	rating reputation.Rating
}

func (f fixedReputation) Lookup(ctx context.Context, hexDigest string) (*reputation.Verdict, error) {
	return &reputation.Verdict{Hash: hexDigest, Rating: f.rating, Confidence: 0.9}, nil
}

func TestScanBadReputationEscalates(t *testing.T) {
	s := newTestScanner(t, neutralRules(t), WithReputation(fixedReputation{rating: reputation.RatingBad}))
	path := writeTemp(t, "readme.txt", []byte("plain text"))

	res := s.ScanFile(context.Background(), path)

	// bad band alone contributes 70.
	assert.Equal(t, 70, res.RiskScore)
	assert.Equal(t, StatusHighlySuspicious, res.Status)
}

func TestScanAllowlistSubtracts(t *testing.T) {
	rs := neutralRules(t)
	s := newTestScanner(t, rs)

	path := writeTemp(t, "tool.exe", []byte("trusted tool bytes"))
	first := s.ScanFile(context.Background(), path)
	require.NotEmpty(t, first.SHA256)

	rs.Reputation.Allowlist = []string{first.SHA256}
	second := s.ScanFile(context.Background(), path)

	assert.Less(t, second.RiskScore, first.RiskScore)
	assert.GreaterOrEqual(t, second.RiskScore, 0)
}

type erroringReputation struct{}

func (erroringReputation) Lookup(ctx context.Context, hexDigest string) (*reputation.Verdict, error) {
	return nil, errors.New("connection refused")
}

func TestScanOfflineFullyFunctional(t *testing.T) {
	s := newTestScanner(t, neutralRules(t), WithReputation(erroringReputation{}))
	path := writeTemp(t, "sample.txt", []byte(eicarTest))

	res := s.ScanFile(context.Background(), path)
	assert.Equal(t, StatusMalicious, res.Status)
}

func TestScanTimeout(t *testing.T) {
	s := newTestScanner(t, neutralRules(t), WithTimeout(time.Nanosecond))
	path := writeTemp(t, "big.txt", []byte("content"))

	res := s.ScanFile(context.Background(), path)

	assert.Equal(t, StatusError, res.Status)
	require.NotEmpty(t, res.Reasons)
	assert.Contains(t, res.Reasons[0].Message, "timeout")
}

func TestScanCanceledContextIsNotReportedAsTimeout(t *testing.T) {
	s := newTestScanner(t, neutralRules(t))
	path := writeTemp(t, "doc.txt", []byte("content"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := s.ScanFile(ctx, path)

	assert.Equal(t, StatusError, res.Status)
	require.NotEmpty(t, res.Reasons)
	assert.Contains(t, res.Reasons[0].Message, "canceled")
	assert.NotContains(t, res.Reasons[0].Message, "timeout")
}

func TestScanUnreadableInputStaysCleanWithoutThreatReasons(t *testing.T) {
	s := newTestScanner(t, neutralRules(t))

	// A directory stats fine but its content cannot be read; the small
	// penalty alone must not surface threat findings on a clean result.
	res := s.ScanFile(context.Background(), t.TempDir())

	assert.Equal(t, StatusClean, res.Status)
	assert.Empty(t, res.ThreatReasons())
	assert.Equal(t, 5, res.RiskScore)
	assert.NotEmpty(t, res.Reasons, "the informational note is kept in the full reason list")
}

func TestScanFilesBatchPartialFailure(t *testing.T) {
	s := newTestScanner(t, neutralRules(t))

	dir := t.TempDir()
	good := filepath.Join(dir, "good.txt")
	require.NoError(t, os.WriteFile(good, []byte("fine"), 0600))
	missing := filepath.Join(dir, "missing.txt")

	results := s.ScanFiles(context.Background(), []string{good, missing})
	require.Len(t, results, 2)

	assert.Equal(t, StatusClean, results[0].Status)
	assert.Equal(t, StatusError, results[1].Status)
}
