package quarantine

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"filesentry/internal/logging"
	"filesentry/internal/notify"
	"filesentry/internal/scan"
	"filesentry/internal/store"
)

// ActionTaken records how a quarantine entry came to be resolved.
type ActionTaken string

const (
	ActionAutoQuarantine ActionTaken = "auto_quarantine"
	ActionManual         ActionTaken = "manual"
	ActionIgnored        ActionTaken = "ignored"
)

// Entry is one quarantined file. The vault copy and the entry record are
// kept until the user explicitly deletes them.
type Entry struct {
	Result         scan.Result `json:"result"`
	QuarantineDate time.Time   `json:"quarantine_date"`
	ActionTaken    ActionTaken `json:"action_taken"`

	// VaultName locates the neutralized copy inside the vault. Empty when
	// isolation failed or quarantine is disabled.
	VaultName string `json:"vault_name,omitempty"`
	Key       string `json:"key,omitempty"`
	Nonce     string `json:"nonce,omitempty"`

	// Acknowledged is set once the user has dismissed the alert.
	Acknowledged bool `json:"acknowledged"`
}

// Stats aggregates scan outcomes over the lifetime of the store.
type Stats struct {
	TotalScans  int            `json:"total_scans"`
	ByStatus    map[string]int `json:"by_status"`
	Quarantined int            `json:"quarantined"`
	LastScanAt  time.Time      `json:"last_scan_at"`
}

// Options tunes coordinator behavior.
type Options struct {
	// QuarantineEnabled controls whether escalated files are isolated.
	// When false the alert still fires but the file stays in place.
	QuarantineEnabled bool

	// HistoryLimit bounds the persisted scan history; oldest entries are
	// evicted first. Zero means the default of 200.
	HistoryLimit int
}

// Coordinator consumes completed scan results and applies the
// status-specific side effects: history persistence, user notification,
// and isolation of escalated files.
type Coordinator struct {
	kv       store.KV
	vault    *Vault
	notifier notify.Notifier
	log      *logging.Logger

	quarantineEnabled bool
	historyLimit      int

	mu      sync.Mutex
	history []scan.Result
	entries []Entry
	stats   Stats
}

// NewCoordinator loads persisted state and returns a ready coordinator.
func NewCoordinator(kv store.KV, vault *Vault, notifier notify.Notifier, log *logging.Logger, opts Options) (*Coordinator, error) {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 200
	}

	c := &Coordinator{
		kv:                kv,
		vault:             vault,
		notifier:          notifier,
		log:               log.WithComponent("quarantine"),
		quarantineEnabled: opts.QuarantineEnabled,
		historyLimit:      opts.HistoryLimit,
		stats:             Stats{ByStatus: map[string]int{}},
	}

	if err := c.loadState(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Coordinator) loadState() error {
	if data, err := c.kv.Get(store.KeyScanHistory); err != nil {
		return fmt.Errorf("load scan history: %w", err)
	} else if data != nil {
		if err := json.Unmarshal(data, &c.history); err != nil {
			return fmt.Errorf("decode scan history: %w", err)
		}
	}

	if data, err := c.kv.Get(store.KeyQuarantine); err != nil {
		return fmt.Errorf("load quarantine list: %w", err)
	} else if data != nil {
		if err := json.Unmarshal(data, &c.entries); err != nil {
			return fmt.Errorf("decode quarantine list: %w", err)
		}
	}

	if data, err := c.kv.Get(store.KeyStatistics); err != nil {
		return fmt.Errorf("load statistics: %w", err)
	} else if data != nil {
		if err := json.Unmarshal(data, &c.stats); err != nil {
			return fmt.Errorf("decode statistics: %w", err)
		}
	}
	if c.stats.ByStatus == nil {
		c.stats.ByStatus = map[string]int{}
	}
	return nil
}

// HandleResult applies the side effects for one completed scan. The result
// is persisted before any destructive action so a crash mid-quarantine
// never loses the record of what was found.
func (c *Coordinator) HandleResult(ctx context.Context, res scan.Result) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.appendHistoryLocked(res)
	c.recordStatsLocked(res)
	if err := c.persistLocked(); err != nil {
		return err
	}

	switch {
	case res.Status == scan.StatusError:
		c.log.Warn("scan failed", "path", res.Path, "reasons", len(res.Reasons))
		return nil

	case res.Escalated():
		return c.escalateLocked(ctx, res)

	case res.Status == scan.StatusSuspicious || res.Status == scan.StatusPotentiallyUnwanted:
		c.sendNotification(ctx, notify.Notification{
			Title:    fmt.Sprintf("Suspicious file: %s", res.Name),
			Body:     summarize(res),
			Priority: notify.PriorityNormal,
			Metadata: map[string]string{"path": res.Path, "status": string(res.Status)},
		})
		return nil

	default:
		c.log.Debug("file clean", "path", res.Path, "score", res.RiskScore)
		return nil
	}
}

// escalateLocked isolates an escalated file and raises a high-priority
// alert that stays pending until acknowledged.
func (c *Coordinator) escalateLocked(ctx context.Context, res scan.Result) error {
	entry := Entry{
		Result:         res,
		QuarantineDate: time.Now(),
		ActionTaken:    ActionIgnored,
	}

	if c.quarantineEnabled {
		vaultName, key, nonce, err := c.vault.Confine(res.Path)
		if err != nil {
			c.log.Error("quarantine failed, file left in place", "path", res.Path, "error", err)
		} else {
			entry.ActionTaken = ActionAutoQuarantine
			entry.VaultName = vaultName
			entry.Key = key
			entry.Nonce = nonce
			c.log.Info("file quarantined", "path", res.Path, "vault", vaultName)
		}
	}

	c.entries = append(c.entries, entry)
	c.stats.Quarantined = countQuarantined(c.entries)
	if err := c.persistLocked(); err != nil {
		return err
	}

	c.sendNotification(ctx, notify.Notification{
		Title:    fmt.Sprintf("Threat detected: %s", res.Name),
		Body:     summarize(res),
		Priority: notify.PriorityHigh,
		Metadata: map[string]string{"path": res.Path, "status": string(res.Status)},
	})
	return nil
}

func (c *Coordinator) appendHistoryLocked(res scan.Result) {
	c.history = append(c.history, res)
	if len(c.history) > c.historyLimit {
		c.history = c.history[len(c.history)-c.historyLimit:]
	}
}

func (c *Coordinator) recordStatsLocked(res scan.Result) {
	c.stats.TotalScans++
	c.stats.ByStatus[string(res.Status)]++
	c.stats.LastScanAt = res.StartedAt
}

// persistLocked writes all coordinator state through the store.
func (c *Coordinator) persistLocked() error {
	for _, item := range []struct {
		key string
		val any
	}{
		{store.KeyScanHistory, c.history},
		{store.KeyQuarantine, c.entries},
		{store.KeyStatistics, c.stats},
	} {
		data, err := json.Marshal(item.val)
		if err != nil {
			return fmt.Errorf("encode %s: %w", item.key, err)
		}
		if err := c.kv.Set(item.key, data); err != nil {
			return fmt.Errorf("persist %s: %w", item.key, err)
		}
	}
	return nil
}

// sendNotification delivers an alert. Delivery failures are logged, not
// propagated; alerting never blocks the pipeline.
func (c *Coordinator) sendNotification(ctx context.Context, msg notify.Notification) {
	if c.notifier == nil {
		return
	}
	if err := c.notifier.Notify(ctx, msg); err != nil {
		c.log.Warn("notification delivery failed", "title", msg.Title, "error", err)
	}
}

// History returns the persisted scan history, newest last.
func (c *Coordinator) History() []scan.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]scan.Result, len(c.history))
	copy(out, c.history)
	return out
}

// Quarantined returns the quarantine entries.
func (c *Coordinator) Quarantined() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Entry, len(c.entries))
	copy(out, c.entries)
	return out
}

// Statistics returns a snapshot of the aggregate counters.
func (c *Coordinator) Statistics() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := c.stats
	snap.ByStatus = make(map[string]int, len(c.stats.ByStatus))
	for k, v := range c.stats.ByStatus {
		snap.ByStatus[k] = v
	}
	return snap
}

// PendingAlerts returns escalated entries the user has not acknowledged.
func (c *Coordinator) PendingAlerts() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Entry
	for _, e := range c.entries {
		if !e.Acknowledged {
			out = append(out, e)
		}
	}
	return out
}

// Acknowledge marks the entry for the given scan ID as seen.
func (c *Coordinator) Acknowledge(scanID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.entries {
		if c.entries[i].Result.ID == scanID {
			c.entries[i].Acknowledged = true
			return c.persistLocked()
		}
	}
	return fmt.Errorf("no quarantine entry for scan %s", scanID)
}

// Restore recovers a quarantined file to destDir (or its original
// directory when destDir is empty) and records the manual action. The
// entry and vault copy remain until deleted explicitly.
func (c *Coordinator) Restore(scanID, destDir string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.entries {
		e := &c.entries[i]
		if e.Result.ID != scanID {
			continue
		}
		if e.VaultName == "" {
			return "", fmt.Errorf("entry %s was never isolated", scanID)
		}

		dir := destDir
		if dir == "" {
			dir = filepath.Dir(e.Result.Path)
		}
		destPath := filepath.Join(dir, e.Result.Name)
		if err := c.vault.Restore(e.VaultName, e.Key, e.Nonce, destPath); err != nil {
			return "", err
		}

		e.ActionTaken = ActionManual
		e.Acknowledged = true
		if err := c.persistLocked(); err != nil {
			return destPath, err
		}
		c.log.Info("file restored from quarantine", "path", destPath)
		return destPath, nil
	}
	return "", fmt.Errorf("no quarantine entry for scan %s", scanID)
}

// Delete permanently removes a quarantine entry and its vault copy.
func (c *Coordinator) Delete(scanID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.entries {
		e := c.entries[i]
		if e.Result.ID != scanID {
			continue
		}
		if e.VaultName != "" {
			if err := c.vault.Delete(e.VaultName); err != nil {
				return fmt.Errorf("delete vault copy: %w", err)
			}
		}
		c.entries = append(c.entries[:i], c.entries[i+1:]...)
		c.stats.Quarantined = countQuarantined(c.entries)
		return c.persistLocked()
	}
	return fmt.Errorf("no quarantine entry for scan %s", scanID)
}

func countQuarantined(entries []Entry) int {
	n := 0
	for _, e := range entries {
		if e.VaultName != "" {
			n++
		}
	}
	return n
}

// summarize builds a short human-readable notification body.
func summarize(res scan.Result) string {
	reasons := res.ThreatReasons()
	if len(reasons) == 0 {
		return fmt.Sprintf("Risk score %d", res.DisplayScore())
	}
	top := reasons[0]
	for _, r := range reasons[1:] {
		if r.Score > top.Score {
			top = r
		}
	}
	if len(reasons) == 1 {
		return fmt.Sprintf("Risk score %d. %s", res.DisplayScore(), top.Message)
	}
	return fmt.Sprintf("Risk score %d. %s (+%d more findings)",
		res.DisplayScore(), top.Message, len(reasons)-1)
}
