package monitor

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"filesentry/internal/logging"
	"filesentry/internal/rules"
	"filesentry/internal/scan"
	"filesentry/internal/store"
)

// captureHandler forwards results to a channel for assertions.
type captureHandler struct {
	results chan scan.Result
}

func newCaptureHandler() *captureHandler {
	return &captureHandler{results: make(chan scan.Result, 16)}
}

func (h *captureHandler) HandleResult(_ context.Context, res scan.Result) error {
	h.results <- res
	return nil
}

func (h *captureHandler) waitForResult(t *testing.T) scan.Result {
	t.Helper()
	select {
	case res := <-h.results:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for scan result")
		return scan.Result{}
	}
}

func (h *captureHandler) assertNoResult(t *testing.T) {
	t.Helper()
	select {
	case res := <-h.results:
		t.Fatalf("unexpected scan result for %s", res.Path)
	case <-time.After(200 * time.Millisecond):
	}
}

// testRules neutralizes location and time heuristics so results do not
// depend on the temp dir path or the wall clock.
func testRules(t *testing.T) *rules.Set {
	t.Helper()
	rs, err := rules.Default()
	require.NoError(t, err)
	rs.Behavior.RiskyPathFragments = nil
	rs.Behavior.NormalHoursStart = 0
	rs.Behavior.NormalHoursEnd = 24
	return rs
}

func newTestMonitor(t *testing.T, root string, rs *rules.Set, kv store.KV, handler Handler, opts Options) *Monitor {
	t.Helper()
	if opts.PollInterval == 0 {
		// Long cadence; tests drive diffs explicitly via pollOnce.
		opts.PollInterval = time.Hour
	}
	scanner := scan.NewScanner(rs, logging.Default())
	return New([]string{root}, rs, scanner, handler, kv, logging.Default(), opts)
}

func TestStartBuildsBaselineWithoutScanning(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"present_a.txt", "present_b.pdf"} {
		require.NoError(t, os.WriteFile(filepath.Join(root, name), []byte("existing"), 0644))
	}

	kv := store.NewMemory()
	handler := newCaptureHandler()
	m := newTestMonitor(t, root, testRules(t), kv, handler, Options{})

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	assert.Equal(t, StateWatching, m.State())
	assert.Equal(t, 2, m.TrackedFiles())

	// Pre-existing files are baseline, not candidates.
	handler.assertNoResult(t)
	assert.Zero(t, m.QueueDepth())
}

func TestNewFileIsScanned(t *testing.T) {
	root := t.TempDir()
	handler := newCaptureHandler()
	m := newTestMonitor(t, root, testRules(t), store.NewMemory(), handler, Options{})

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	path := filepath.Join(root, "arrival.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0644))
	m.pollOnce()

	res := handler.waitForResult(t)
	assert.Equal(t, path, res.Path)
	assert.Equal(t, scan.StatusClean, res.Status)

	// The same content does not re-trigger on the next cycle.
	m.pollOnce()
	handler.assertNoResult(t)
}

func TestModifiedFileIsRescanned(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "doc.txt")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0644))

	handler := newCaptureHandler()
	m := newTestMonitor(t, root, testRules(t), store.NewMemory(), handler, Options{})
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	require.NoError(t, os.WriteFile(path, []byte("v2 with more bytes"), 0644))
	m.pollOnce()

	res := handler.waitForResult(t)
	assert.Equal(t, path, res.Path)
}

func TestOversizedFileIsFilteredButBaselined(t *testing.T) {
	root := t.TempDir()
	rs := testRules(t)
	rs.Monitor.MaxScanSizeBytes = 16

	handler := newCaptureHandler()
	m := newTestMonitor(t, root, rs, store.NewMemory(), handler, Options{})
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	path := filepath.Join(root, "huge.iso")
	require.NoError(t, os.WriteFile(path, []byte("way more than sixteen bytes of content"), 0644))
	m.pollOnce()

	// Filtered out, never queued.
	handler.assertNoResult(t)
	assert.Zero(t, m.QueueDepth())

	// The baseline advanced anyway, so it is not reconsidered each cycle.
	assert.Equal(t, 1, m.TrackedFiles())
	m.pollOnce()
	handler.assertNoResult(t)
}

func TestTransientFilesAreIgnored(t *testing.T) {
	root := t.TempDir()
	handler := newCaptureHandler()
	m := newTestMonitor(t, root, testRules(t), store.NewMemory(), handler, Options{})
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	for _, name := range []string{"download.part", "app.log", ".hidden"} {
		require.NoError(t, os.WriteFile(filepath.Join(root, name), []byte("x"), 0644))
	}
	m.pollOnce()

	handler.assertNoResult(t)
}

func TestEnqueueDropsOldestWhenFull(t *testing.T) {
	root := t.TempDir()
	m := newTestMonitor(t, root, testRules(t), store.NewMemory(), newCaptureHandler(), Options{MaxPending: 2})

	// Not started: no workers are draining, so the queue fills.
	m.queue <- "/a"
	m.queue <- "/b"
	m.enqueue("/c")

	assert.Equal(t, 2, m.QueueDepth())
	assert.Equal(t, "/b", <-m.queue)
	assert.Equal(t, "/c", <-m.queue)
}

func TestBaselineSurvivesRestart(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "old.txt"), []byte("old"), 0644))

	kv := store.NewMemory()
	rs := testRules(t)

	first := newTestMonitor(t, root, rs, kv, newCaptureHandler(), Options{})
	require.NoError(t, first.Start(context.Background()))
	first.Stop()
	assert.Equal(t, StateStopped, first.State())

	// A file lands while the monitor is down.
	arrived := filepath.Join(root, "while_down.txt")
	require.NoError(t, os.WriteFile(arrived, []byte("landed during downtime"), 0644))

	handler := newCaptureHandler()
	second := newTestMonitor(t, root, rs, kv, handler, Options{})
	require.NoError(t, second.Start(context.Background()))
	defer second.Stop()

	res := handler.waitForResult(t)
	assert.Equal(t, arrived, res.Path)
}

func TestStartWhileWatchingIsNoOp(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "present.txt"), []byte("x"), 0644))

	handler := newCaptureHandler()
	m := newTestMonitor(t, root, testRules(t), store.NewMemory(), handler, Options{})

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	// Starting an already-watching monitor succeeds without side effects.
	require.NoError(t, m.Start(context.Background()))
	assert.Equal(t, StateWatching, m.State())
	assert.Equal(t, 1, m.TrackedFiles())
	handler.assertNoResult(t)
}

func TestConcurrentStopsAreSafe(t *testing.T) {
	root := t.TempDir()
	m := newTestMonitor(t, root, testRules(t), store.NewMemory(), newCaptureHandler(), Options{})
	require.NoError(t, m.Start(context.Background()))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Stop()
		}()
	}
	wg.Wait()

	assert.Equal(t, StateStopped, m.State())
}

func TestSetAutoScanTogglesMonitoring(t *testing.T) {
	root := t.TempDir()
	handler := newCaptureHandler()
	m := newTestMonitor(t, root, testRules(t), store.NewMemory(), handler, Options{})
	ctx := context.Background()

	require.NoError(t, m.SetAutoScan(ctx, true))
	assert.Equal(t, StateWatching, m.State())

	path := filepath.Join(root, "first.txt")
	require.NoError(t, os.WriteFile(path, []byte("one"), 0644))
	m.pollOnce()
	assert.Equal(t, path, handler.waitForResult(t).Path)

	// Disabling stops monitoring; disabling again stays a no-op.
	require.NoError(t, m.SetAutoScan(ctx, false))
	assert.Equal(t, StateStopped, m.State())
	require.NoError(t, m.SetAutoScan(ctx, false))

	// Re-enabling resumes watching and picks up new activity.
	require.NoError(t, m.SetAutoScan(ctx, true))
	defer m.Stop()
	assert.Equal(t, StateWatching, m.State())

	second := filepath.Join(root, "second.txt")
	require.NoError(t, os.WriteFile(second, []byte("two"), 0644))
	m.pollOnce()
	assert.Equal(t, second, handler.waitForResult(t).Path)
}

func TestStartFailsOnMissingRoot(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "does-not-exist")
	m := newTestMonitor(t, missing, testRules(t), store.NewMemory(), newCaptureHandler(), Options{})

	err := m.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateStopped, m.State())
}
