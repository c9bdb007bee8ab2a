package store

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"filesentry/internal/logging"
)

// Reliable wraps a KV so that write failures do not lose data. A failed
// Set or Remove is recorded in an in-memory backlog and retried with
// exponential backoff before the next write; in-memory state stays
// authoritative for the session until the backing store catches up.
type Reliable struct {
	inner KV
	log   *logging.Logger

	mu      sync.Mutex
	backlog map[string]pendingWrite
}

type pendingWrite struct {
	value  []byte
	remove bool
}

// NewReliable wraps kv with backlog-and-retry semantics.
func NewReliable(kv KV, log *logging.Logger) *Reliable {
	return &Reliable{
		inner:   kv,
		log:     log.WithComponent("store"),
		backlog: make(map[string]pendingWrite),
	}
}

// Get prefers the backlog over the backing store so readers always see
// the latest accepted write.
func (r *Reliable) Get(key string) ([]byte, error) {
	r.mu.Lock()
	if pending, ok := r.backlog[key]; ok {
		r.mu.Unlock()
		if pending.remove {
			return nil, nil
		}
		out := make([]byte, len(pending.value))
		copy(out, pending.value)
		return out, nil
	}
	r.mu.Unlock()

	return r.inner.Get(key)
}

// Set writes through to the backing store; on failure the value goes to
// the backlog and the call succeeds from the caller's point of view.
func (r *Reliable) Set(key string, value []byte) error {
	r.flushBacklog()

	if err := r.inner.Set(key, value); err != nil {
		r.log.Warn("store write failed, keeping value in memory", "key", key, "error", err)
		r.enqueue(key, pendingWrite{value: append([]byte(nil), value...)})
	}
	return nil
}

// Remove behaves like Set for deletions.
func (r *Reliable) Remove(key string) error {
	r.flushBacklog()

	if err := r.inner.Remove(key); err != nil {
		r.log.Warn("store remove failed, deferring", "key", key, "error", err)
		r.enqueue(key, pendingWrite{remove: true})
	}
	return nil
}

// Close makes a final flush attempt and closes the backing store.
func (r *Reliable) Close() error {
	r.flushBacklog()
	return r.inner.Close()
}

// Pending returns the number of writes waiting for a successful flush.
func (r *Reliable) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.backlog)
}

func (r *Reliable) enqueue(key string, w pendingWrite) {
	r.mu.Lock()
	r.backlog[key] = w
	r.mu.Unlock()
}

// flushBacklog retries pending writes with a short exponential backoff.
// Keys that still fail stay in the backlog for the next attempt.
func (r *Reliable) flushBacklog() {
	r.mu.Lock()
	if len(r.backlog) == 0 {
		r.mu.Unlock()
		return
	}
	pending := make(map[string]pendingWrite, len(r.backlog))
	for k, v := range r.backlog {
		pending[k] = v
	}
	r.mu.Unlock()

	for key, w := range pending {
		policy := backoff.NewExponentialBackOff()
		policy.InitialInterval = 50 * time.Millisecond
		policy.MaxElapsedTime = 2 * time.Second

		op := func() error {
			if w.remove {
				return r.inner.Remove(key)
			}
			return r.inner.Set(key, w.value)
		}

		if err := backoff.Retry(op, policy); err != nil {
			r.log.Warn("backlog flush failed", "key", key, "error", err)
			continue
		}

		r.mu.Lock()
		// Drop only if no newer write replaced the entry meanwhile.
		if cur, ok := r.backlog[key]; ok && sameWrite(cur, w) {
			delete(r.backlog, key)
		}
		r.mu.Unlock()
	}
}

func sameWrite(a, b pendingWrite) bool {
	if a.remove != b.remove || len(a.value) != len(b.value) {
		return false
	}
	for i := range a.value {
		if a.value[i] != b.value[i] {
			return false
		}
	}
	return true
}
