package tide

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// mutationLedger tracks optimistic mutations that have been applied locally
// but not yet acknowledged by the server. Each entry carries enough state to
// roll the local view back if the request fails. Failed entries stay in the
// ledger so callers can inspect them; they are never retried automatically.
type mutationLedger struct {
	mu      sync.Mutex
	pending map[string]*PendingMutation
}

func newMutationLedger() *mutationLedger {
	return &mutationLedger{
		pending: make(map[string]*PendingMutation),
	}
}

// newLocalID mints a provisional client-side message ID. It is replaced by
// the server-assigned ID when the create round-trip completes.
func newLocalID() string {
	return "local-" + uuid.New().String()
}

// register records an in-flight mutation and returns its ledger ID.
func (l *mutationLedger) register(m PendingMutation) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	l.pending[m.ID] = &m
	return m.ID
}

// resolve discharges a mutation after a successful round-trip.
func (l *mutationLedger) resolve(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.pending, id)
}

// fail marks a mutation as terminally failed and returns it so the caller
// can undo its optimistic effects.
func (l *mutationLedger) fail(id string, err error) *PendingMutation {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.pending[id]
	if !ok {
		return nil
	}
	m.Failed = true
	m.Err = err
	return m
}

// discard drops a failed mutation from the ledger, e.g. once the caller has
// surfaced the failure to the user.
func (l *mutationLedger) discard(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.pending, id)
}

// snapshot returns copies of all tracked mutations, in-flight and failed.
func (l *mutationLedger) snapshot() []PendingMutation {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]PendingMutation, 0, len(l.pending))
	for _, m := range l.pending {
		out = append(out, *m)
	}
	return out
}
