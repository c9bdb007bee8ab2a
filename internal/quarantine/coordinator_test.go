package quarantine

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
	"filesentry/internal/notify"
	"filesentry/internal/scan"
	"filesentry/internal/store"
)

// recordingNotifier captures notifications for assertions.
type recordingNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n notify.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

func (r *recordingNotifier) all() []notify.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Notification(nil), r.sent...)
}

func newTestCoordinator(t *testing.T, kv store.KV, opts Options) (*Coordinator, *recordingNotifier, *Vault) {
	t.Helper()
	notifier := &recordingNotifier{}
	vault := NewVault(filepath.Join(t.TempDir(), "vault"))
	c, err := NewCoordinator(kv, vault, notifier, logging.Default(), opts)
	require.NoError(t, err)
	return c, notifier, vault
}

func maliciousResult(t *testing.T, path string) scan.Result {
	t.Helper()
	return scan.Result{
		ID:        "scan-" + filepath.Base(path),
		Path:      path,
		Name:      filepath.Base(path),
		Size:      68,
		StartedAt: time.Now(),
		RiskScore: 80,
		Status:    scan.StatusMalicious,
		Reasons: []scan.Reason{
			{Analyzer: scan.AnalyzerContent, Message: "known threat signature detected", Score: 80},
		},
		Engine: scan.EngineVersion,
	}
}

func TestVaultConfineRestoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "payload.bin")
	original := []byte("not actually malware, but treated as such")
	require.NoError(t, os.WriteFile(src, original, 0644))

	vault := NewVault(filepath.Join(dir, "vault"))
	vaultName, key, nonce, err := vault.Confine(src)
	require.NoError(t, err)

	// The original is gone and the vault copy is not the plaintext.
	_, err = os.Stat(src)
	assert.True(t, os.IsNotExist(err))
	neutralized, err := os.ReadFile(filepath.Join(vault.Dir(), vaultName))
	require.NoError(t, err)
	assert.NotEqual(t, original, neutralized)

	restored := filepath.Join(dir, "restored.bin")
	require.NoError(t, vault.Restore(vaultName, key, nonce, restored))
	got, err := os.ReadFile(restored)
	require.NoError(t, err)
	assert.Equal(t, original, got)
}

func TestEscalatedResultIsQuarantinedAndAlerted(t *testing.T) {
	src := filepath.Join(t.TempDir(), "dropper.exe")
	require.NoError(t, os.WriteFile(src, []byte("MZ payload"), 0644))

	kv := store.NewMemory()
	c, notifier, vault := newTestCoordinator(t, kv, Options{QuarantineEnabled: true})

	require.NoError(t, c.HandleResult(context.Background(), maliciousResult(t, src)))

	// File moved into the vault.
	_, err := os.Stat(src)
	assert.True(t, os.IsNotExist(err))
	entries := c.Quarantined()
	require.Len(t, entries, 1)
	assert.Equal(t, ActionAutoQuarantine, entries[0].ActionTaken)
	assert.FileExists(t, filepath.Join(vault.Dir(), entries[0].VaultName))

	// High-priority alert, pending until acknowledged.
	sent := notifier.all()
	require.Len(t, sent, 1)
	assert.Equal(t, notify.PriorityHigh, sent[0].Priority)
	assert.Len(t, c.PendingAlerts(), 1)

	require.NoError(t, c.Acknowledge(entries[0].Result.ID))
	assert.Empty(t, c.PendingAlerts())

	// Everything survived through the store.
	data, err := kv.Get(store.KeyQuarantine)
	require.NoError(t, err)
	assert.NotNil(t, data)
}

func TestQuarantineDisabledStillAlerts(t *testing.T) {
	src := filepath.Join(t.TempDir(), "dropper.exe")
	require.NoError(t, os.WriteFile(src, []byte("MZ payload"), 0644))

	c, notifier, _ := newTestCoordinator(t, store.NewMemory(), Options{QuarantineEnabled: false})
	require.NoError(t, c.HandleResult(context.Background(), maliciousResult(t, src)))

	// File stays in place but the record and the alert still exist.
	assert.FileExists(t, src)
	entries := c.Quarantined()
	require.Len(t, entries, 1)
	assert.Equal(t, ActionIgnored, entries[0].ActionTaken)
	assert.Empty(t, entries[0].VaultName)

	sent := notifier.all()
	require.Len(t, sent, 1)
	assert.Equal(t, notify.PriorityHigh, sent[0].Priority)
}

func TestSuspiciousResultNotifiesWithoutQuarantine(t *testing.T) {
	c, notifier, _ := newTestCoordinator(t, store.NewMemory(), Options{QuarantineEnabled: true})

	res := scan.Result{
		ID:        "scan-susp",
		Path:      "/downloads/odd_name_invoice.docm",
		Name:      "odd_name_invoice.docm",
		StartedAt: time.Now(),
		RiskScore: 45,
		Status:    scan.StatusSuspicious,
		Reasons: []scan.Reason{
			{Analyzer: scan.AnalyzerMetadata, Message: "name matches lure pattern", Score: 35},
		},
		Engine: scan.EngineVersion,
	}
	require.NoError(t, c.HandleResult(context.Background(), res))

	assert.Empty(t, c.Quarantined())
	sent := notifier.all()
	require.Len(t, sent, 1)
	assert.Equal(t, notify.PriorityNormal, sent[0].Priority)
}

func TestCleanAndErrorResultsAreSilent(t *testing.T) {
	c, notifier, _ := newTestCoordinator(t, store.NewMemory(), Options{QuarantineEnabled: true})

	for _, status := range []scan.Status{scan.StatusClean, scan.StatusError} {
		res := scan.Result{
			ID:        "scan-" + string(status),
			Path:      "/downloads/readme.txt",
			Name:      "readme.txt",
			StartedAt: time.Now(),
			Status:    status,
			Engine:    scan.EngineVersion,
		}
		require.NoError(t, c.HandleResult(context.Background(), res))
	}

	assert.Empty(t, notifier.all())
	assert.Empty(t, c.Quarantined())
	assert.Len(t, c.History(), 2)
}

func TestHistoryEvictsOldest(t *testing.T) {
	c, _, _ := newTestCoordinator(t, store.NewMemory(), Options{HistoryLimit: 3})

	for i := 0; i < 5; i++ {
		res := scan.Result{
			ID:        string(rune('a' + i)),
			Path:      "/downloads/file",
			Name:      "file",
			StartedAt: time.Now(),
			Status:    scan.StatusClean,
			Engine:    scan.EngineVersion,
		}
		require.NoError(t, c.HandleResult(context.Background(), res))
	}

	history := c.History()
	require.Len(t, history, 3)
	assert.Equal(t, "c", history[0].ID)
	assert.Equal(t, "e", history[2].ID)

	stats := c.Statistics()
	assert.Equal(t, 5, stats.TotalScans)
}

func TestRestoreRecoversFileAndRecordsManualAction(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "keygen.exe")
	original := []byte("MZ original bytes")
	require.NoError(t, os.WriteFile(src, original, 0644))

	c, _, _ := newTestCoordinator(t, store.NewMemory(), Options{QuarantineEnabled: true})
	res := maliciousResult(t, src)
	require.NoError(t, c.HandleResult(context.Background(), res))

	restoredPath, err := c.Restore(res.ID, "")
	require.NoError(t, err)
	assert.Equal(t, src, restoredPath)

	got, err := os.ReadFile(restoredPath)
	require.NoError(t, err)
	assert.Equal(t, original, got)

	entries := c.Quarantined()
	require.Len(t, entries, 1)
	assert.Equal(t, ActionManual, entries[0].ActionTaken)
}

func TestStateSurvivesReload(t *testing.T) {
	src := filepath.Join(t.TempDir(), "dropper.exe")
	require.NoError(t, os.WriteFile(src, []byte("MZ payload"), 0644))

	kv := store.NewMemory()
	c, _, vault := newTestCoordinator(t, kv, Options{QuarantineEnabled: true})
	res := maliciousResult(t, src)
	require.NoError(t, c.HandleResult(context.Background(), res))

	reloaded, err := NewCoordinator(kv, vault, &recordingNotifier{}, logging.Default(), Options{QuarantineEnabled: true})
	require.NoError(t, err)

	assert.Len(t, reloaded.History(), 1)
	entries := reloaded.Quarantined()
	require.Len(t, entries, 1)
	assert.Equal(t, res.ID, entries[0].Result.ID)
	assert.Equal(t, 1, reloaded.Statistics().Quarantined)
}
