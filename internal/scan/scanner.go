package scan

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"filesentry/internal/logging"
	"filesentry/internal/reputation"
	"filesentry/internal/rules"
)

// Scanner runs the full risk-scoring pipeline for files.
type Scanner struct {
	rules    *rules.Set
	metadata *MetadataAnalyzer
	content  *ContentInspector
	behavior *BehaviorAnalyzer

	// rep is optional; a nil service disables reputation lookups.
	rep reputation.Service

	perFileTimeout time.Duration
	batchLimit     int

	log *logging.Logger
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithReputation attaches a reputation service.
func WithReputation(svc reputation.Service) Option {
	return func(s *Scanner) { s.rep = svc }
}

// WithTimeout sets the per-file scan timeout.
func WithTimeout(d time.Duration) Option {
	return func(s *Scanner) { s.perFileTimeout = d }
}

// WithBatchLimit bounds batch-scan parallelism.
func WithBatchLimit(n int) Option {
	return func(s *Scanner) { s.batchLimit = n }
}

// NewScanner creates a scanner bound to a ruleset.
func NewScanner(rs *rules.Set, log *logging.Logger, opts ...Option) *Scanner {
	s := &Scanner{
		rules:          rs,
		metadata:       NewMetadataAnalyzer(rs),
		content:        NewContentInspector(rs),
		behavior:       NewBehaviorAnalyzer(rs),
		perFileTimeout: 30 * time.Second,
		batchLimit:     4,
		log:            log.WithComponent("scanner"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ScanFile scans one file and returns its result. Analyzer failures
// degrade the result; only the per-file timeout or an unreadable entry
// produce the error status. ScanFile never returns an error: callers
// always get a Result they can persist.
func (s *Scanner) ScanFile(ctx context.Context, path string) Result {
	started := time.Now()
	res := Result{
		ID:        uuid.NewString(),
		Path:      path,
		Name:      filepath.Base(path),
		StartedAt: started,
		Engine:    EngineVersion,
	}

	info, err := os.Stat(path)
	if err != nil {
		res.Status = StatusError
		res.Reasons = []Reason{{
			Analyzer: AnalyzerEngine,
			Message:  "file could not be scanned: " + readFailure(err),
		}}
		res.Recommendations = RecommendationsFor(StatusError)
		res.Duration = time.Since(started)
		return res
	}
	res.Size = info.Size()

	ctx, cancel := context.WithTimeout(ctx, s.perFileTimeout)
	defer cancel()

	if ctx.Err() != nil {
		return s.abortedResult(res, started, ctx.Err())
	}

	category := s.metadata.Category(res.Name)

	// Metadata, content, and behavior are independent and read-only, so
	// they run concurrently. Reputation needs the content digest, so it
	// runs after content completes. The aggregator waits for all four.
	var (
		metaScore, contentScore, behaviorScore int
		metaReasons, contentReasons            []Reason
		behaviorReasons                        []Reason
		digest                                 string
	)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		metaScore, metaReasons = s.metadata.Analyze(res.Name)
	}()
	go func() {
		defer wg.Done()
		contentScore, contentReasons, digest = s.content.Inspect(path, category)
	}()
	go func() {
		defer wg.Done()
		behaviorScore, behaviorReasons = s.behavior.Analyze(path, category, info.Size(), info.ModTime())
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return s.abortedResult(res, started, ctx.Err())
	}

	repScore, repReasons := s.scoreReputation(ctx, digest)

	res.SHA256 = digest
	res.Reasons = append(res.Reasons, metaReasons...)
	res.Reasons = append(res.Reasons, contentReasons...)
	res.Reasons = append(res.Reasons, behaviorReasons...)
	res.Reasons = append(res.Reasons, repReasons...)

	total := metaScore + contentScore + behaviorScore + repScore
	if total < 0 {
		total = 0
	}
	res.RiskScore = total
	res.Status = StatusForScore(s.rules.Thresholds, total)
	res.Recommendations = RecommendationsFor(res.Status)
	res.Duration = time.Since(started)

	s.log.Debug("scan complete",
		"path", path,
		"score", total,
		"status", string(res.Status),
		"duration", res.Duration)

	return res
}

// abortedResult records an abandoned scan. Caller cancellation and the
// per-file timeout are reported distinctly; either way the candidate is
// not requeued, a later manual scan may retry it.
func (s *Scanner) abortedResult(res Result, started time.Time, cause error) Result {
	msg := fmt.Sprintf("scan abandoned after %s timeout", s.perFileTimeout)
	if errors.Is(cause, context.Canceled) {
		msg = "scan canceled before completion"
	}

	res.Status = StatusError
	res.Reasons = []Reason{{
		Analyzer: AnalyzerEngine,
		Message:  msg,
	}}
	res.Recommendations = RecommendationsFor(StatusError)
	res.Duration = time.Since(started)
	s.log.Warn("scan aborted", "path", res.Path, "cause", cause)
	return res
}

// scoreReputation converts a reputation verdict into a score contribution.
// An allow-list hit subtracts risk; a lookup failure contributes zero and
// adds no reason, since reputation is advisory.
func (s *Scanner) scoreReputation(ctx context.Context, digest string) (int, []Reason) {
	if digest == "" {
		return 0, nil
	}
	rp := &s.rules.Reputation

	if rp.IsAllowlisted(digest) {
		return -rp.AllowlistCredit, []Reason{{
			Analyzer: AnalyzerReputation,
			Message:  "content hash verified legitimate by allow-list",
			Score:    -rp.AllowlistCredit,
		}}
	}

	if s.rep == nil {
		return 0, nil
	}

	lookupCtx, cancel := context.WithTimeout(ctx, time.Duration(rp.TimeoutMs)*time.Millisecond)
	defer cancel()

	verdict, err := s.rep.Lookup(lookupCtx, digest)
	if err != nil {
		s.log.Debug("reputation lookup failed", "error", err)
		return 0, nil
	}

	points := rp.Bands[string(verdict.Rating)]
	if points <= 0 {
		return 0, nil
	}
	return points, []Reason{{
		Analyzer: AnalyzerReputation,
		Message:  fmt.Sprintf("reputation verdict %q (confidence %.2f)", verdict.Rating, verdict.Confidence),
		Score:    points,
	}}
}

// ScanFiles scans paths with bounded parallelism. Per-file failures fold
// into error-status results; the batch never aborts.
func (s *Scanner) ScanFiles(ctx context.Context, paths []string) []Result {
	results := make([]Result, len(paths))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.batchLimit)

	for i, path := range paths {
		i, path := i, path
		g.Go(func() error {
			results[i] = s.ScanFile(gctx, path)
			return nil
		})
	}

	// Workers never return errors; Wait only orders completion.
	_ = g.Wait()
	return results
}
