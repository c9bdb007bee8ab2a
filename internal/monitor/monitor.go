// Package monitor watches directories for new file activity and feeds
// candidate files into the scan pipeline.
//
// Detection is poll-driven: each cycle snapshots the watched roots and
// diffs against the previous baseline, so nothing is missed even when the
// OS drops change events. Filesystem notifications only shorten the wait
// by kicking an early diff.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"filesentry/internal/logging"
	"filesentry/internal/rules"
	"filesentry/internal/scan"
	"filesentry/internal/store"
)

// State is the monitor lifecycle phase.
type State string

const (
	StateStopped          State = "stopped"
	StateBuildingBaseline State = "building_baseline"
	StateWatching         State = "watching"
)

// Handler consumes completed scan results.
type Handler interface {
	HandleResult(ctx context.Context, res scan.Result) error
}

// fileStamp is the per-file fingerprint kept in a baseline. A file is
// considered changed when either field differs.
type fileStamp struct {
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// baseline maps absolute paths under one root to their fingerprints.
type baseline map[string]fileStamp

// Options tunes the monitor.
type Options struct {
	// PollInterval is the authoritative diff cadence.
	PollInterval time.Duration

	// MaxPending bounds the scan queue; when full the oldest pending
	// path is dropped in favor of the newest.
	MaxPending int

	// Workers is the number of concurrent scan workers.
	Workers int
}

// Monitor owns the directory baselines and the bounded scan queue.
type Monitor struct {
	roots   []string
	rules   *rules.Set
	scanner *scan.Scanner
	handler Handler
	kv      store.KV
	log     *logging.Logger

	pollInterval time.Duration
	workers      int

	queue chan string
	kick  chan struct{}

	fsWatcher *fsnotify.Watcher

	mu        sync.RWMutex
	state     State
	baselines map[string]baseline

	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup
}

// New creates a monitor over the given roots. Baselines persisted from a
// previous run are loaded on Start so activity during downtime is still
// picked up.
func New(roots []string, rs *rules.Set, scanner *scan.Scanner, handler Handler, kv store.KV, log *logging.Logger, opts Options) *Monitor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.MaxPending <= 0 {
		opts.MaxPending = 64
	}
	if opts.Workers <= 0 {
		opts.Workers = 2
	}

	return &Monitor{
		roots:        roots,
		rules:        rs,
		scanner:      scanner,
		handler:      handler,
		kv:           kv,
		log:          log.WithComponent("monitor"),
		pollInterval: opts.PollInterval,
		workers:      opts.Workers,
		queue:        make(chan string, opts.MaxPending),
		kick:         make(chan struct{}, 1),
		state:        StateStopped,
		baselines:    make(map[string]baseline),
	}
}

// State returns the current lifecycle phase.
func (m *Monitor) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// QueueDepth returns the number of paths waiting to be scanned.
func (m *Monitor) QueueDepth() int {
	return len(m.queue)
}

// TrackedFiles returns the total number of baselined files.
func (m *Monitor) TrackedFiles() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, b := range m.baselines {
		n += len(b)
	}
	return n
}

// Start builds the initial baselines and launches the poll loop and scan
// workers. Starting a monitor that is already running is a no-op success.
// It fails only when a watched root cannot be enumerated.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateStopped {
		m.mu.Unlock()
		return nil
	}
	m.state = StateBuildingBaseline
	m.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	for _, root := range m.roots {
		current, err := snapshot(root)
		if err != nil {
			m.setState(StateStopped)
			cancel()
			return fmt.Errorf("enumerate %s: %w", root, err)
		}

		// Files that appeared or changed while the monitor was down are
		// diffed against the persisted baseline and scanned now.
		previous, err := m.loadBaseline(root)
		if err != nil {
			m.log.Warn("baseline load failed, rebuilding", "root", root, "error", err)
			previous = nil
		}
		if previous != nil {
			for _, path := range diff(previous, current) {
				m.consider(path)
			}
		}

		m.mu.Lock()
		m.baselines[root] = current
		m.mu.Unlock()
		if err := m.persistBaseline(root, current); err != nil {
			m.log.Warn("baseline persist failed", "root", root, "error", err)
		}
		m.log.Info("baseline built", "root", root, "files", len(current))
	}

	m.startNotifications()

	m.wg.Add(1)
	go m.pollLoop(ctx)
	for i := 0; i < m.workers; i++ {
		m.wg.Add(1)
		go m.worker(ctx)
	}

	m.setState(StateWatching)
	return nil
}

// Stop halts polling and scanning. Workers finish their in-flight scan;
// queued paths that were never scanned are dropped and logged. Baselines
// are persisted so the next Start can diff across the downtime.
func (m *Monitor) Stop() {
	// Claim the shutdown inside one critical section so concurrent Stop
	// calls cannot double-close the done channel.
	m.mu.Lock()
	if m.state == StateStopped {
		m.mu.Unlock()
		return
	}
	m.state = StateStopped
	done := m.done
	m.mu.Unlock()

	close(done)
	m.cancel()
	m.wg.Wait()

	if m.fsWatcher != nil {
		m.fsWatcher.Close()
		m.fsWatcher = nil
	}

	if pending := len(m.queue); pending > 0 {
		m.log.Warn("stopping with unscanned files in queue", "pending", pending)
	}

	m.mu.Lock()
	for root, b := range m.baselines {
		if err := m.persistBaseline(root, b); err != nil {
			m.log.Warn("baseline persist failed", "root", root, "error", err)
		}
	}
	m.mu.Unlock()
}

// SetAutoScan starts or stops monitoring to match the auto-scan setting.
// Both directions are idempotent, so it can be called on every
// configuration reload.
func (m *Monitor) SetAutoScan(ctx context.Context, enabled bool) error {
	if enabled {
		return m.Start(ctx)
	}
	m.Stop()
	return nil
}

func (m *Monitor) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// startNotifications wires fsnotify as a poll accelerator. Failure to set
// it up is not fatal; the poll loop alone is sufficient.
func (m *Monitor) startNotifications() {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		m.log.Warn("filesystem notifications unavailable, polling only", "error", err)
		return
	}
	for _, root := range m.roots {
		if err := fsw.Add(root); err != nil {
			m.log.Warn("watch registration failed", "root", root, "error", err)
		}
	}
	m.fsWatcher = fsw

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case <-m.done:
				return
			case event, ok := <-fsw.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
					continue
				}
				// Request an early diff; the poll loop stays the source
				// of truth for what actually changed.
				select {
				case m.kick <- struct{}{}:
				default:
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				m.log.Warn("filesystem notification error", "error", err)
			}
		}
	}()
}

// pollLoop runs the authoritative diff on a fixed cadence, or earlier
// when a filesystem notification arrives.
func (m *Monitor) pollLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.pollOnce()
		case <-m.kick:
			m.pollOnce()
			// Reset the cadence so a kick does not double-poll.
			ticker.Reset(m.pollInterval)
		}
	}
}

// pollOnce diffs every root against its baseline, enqueues candidates,
// and advances the baseline to the current snapshot. The baseline always
// advances, so a filtered file is not re-reported every cycle.
func (m *Monitor) pollOnce() {
	for _, root := range m.roots {
		current, err := snapshot(root)
		if err != nil {
			m.log.Warn("snapshot failed, keeping previous baseline", "root", root, "error", err)
			continue
		}

		m.mu.Lock()
		previous := m.baselines[root]
		m.baselines[root] = current
		m.mu.Unlock()

		changed := diff(previous, current)
		for _, path := range changed {
			m.consider(path)
		}
		if len(changed) > 0 {
			if err := m.persistBaseline(root, current); err != nil {
				m.log.Warn("baseline persist failed", "root", root, "error", err)
			}
		}
	}
}

// consider applies the candidate filters and enqueues the path.
func (m *Monitor) consider(path string) {
	info, err := os.Stat(path)
	if err != nil {
		// Gone already; transient by definition.
		return
	}

	mr := m.rules.Monitor
	name := filepath.Base(path)

	if mr.MaxScanSizeBytes > 0 && info.Size() > mr.MaxScanSizeBytes {
		m.log.Debug("skipping oversized file", "path", path, "size", info.Size())
		return
	}
	for i := range mr.TransientPatterns {
		if mr.TransientPatterns[i].Match(name) {
			return
		}
	}
	if mr.RecentWindowMins > 0 {
		cutoff := time.Now().Add(-time.Duration(mr.RecentWindowMins) * time.Minute)
		if info.ModTime().Before(cutoff) {
			return
		}
	}

	m.enqueue(path)
}

// enqueue adds a path to the bounded queue, evicting the oldest pending
// path when full. New activity always wins over stale backlog.
func (m *Monitor) enqueue(path string) {
	for {
		select {
		case m.queue <- path:
			return
		default:
		}
		select {
		case dropped := <-m.queue:
			m.log.Warn("scan queue full, dropping oldest pending file", "dropped", dropped, "enqueued", path)
		default:
		}
	}
}

// worker drains the queue, scanning each path and handing the result to
// the handler. Handler errors are logged; a failing handler never stops
// the scan flow.
func (m *Monitor) worker(ctx context.Context) {
	defer m.wg.Done()

	for {
		select {
		case <-m.done:
			return
		case path := <-m.queue:
			res := m.scanner.ScanFile(ctx, path)
			if err := m.handler.HandleResult(ctx, res); err != nil {
				m.log.Error("result handling failed", "path", path, "error", err)
			}
		}
	}
}

func (m *Monitor) baselineKey(root string) string {
	return store.KeyBaselinePrefix + root
}

func (m *Monitor) loadBaseline(root string) (baseline, error) {
	data, err := m.kv.Get(m.baselineKey(root))
	if err != nil || data == nil {
		return nil, err
	}
	var b baseline
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decode baseline: %w", err)
	}
	return b, nil
}

func (m *Monitor) persistBaseline(root string, b baseline) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode baseline: %w", err)
	}
	return m.kv.Set(m.baselineKey(root), data)
}

// snapshot walks root and fingerprints every regular file. Unreadable
// subtrees are skipped; only a failure to read the root itself is an
// error.
func snapshot(root string) (baseline, error) {
	if _, err := os.Stat(root); err != nil {
		return nil, err
	}

	b := make(baseline)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		b[path] = fileStamp{Size: info.Size(), ModTime: info.ModTime()}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

// diff returns paths present in current that are new or changed relative
// to previous. Deletions produce no candidates; a removed file has
// nothing left to scan.
func diff(previous, current baseline) []string {
	var changed []string
	for path, stamp := range current {
		old, ok := previous[path]
		if !ok || old.Size != stamp.Size || !old.ModTime.Equal(stamp.ModTime) {
			changed = append(changed, path)
		}
	}
	return changed
}
