package bulk

import (
	"sort"
	"sync"

	"github.com/platinummonkey/permitd/pkg/rbac"
)

type slotKey struct {
	userID  int64
	subject string
}

type slot struct {
	change   rbac.Change
	baseline string
	seq      uint64
}

// ChangeSet collects pending changes before a commit. Each (user, subject)
// pair holds at most one change, so staging a revoke after a grant of the
// same key replaces the grant. A slot whose desired value returns to the
// baseline seen when it was first staged is dropped.
type ChangeSet struct {
	mu    sync.Mutex
	slots map[slotKey]*slot
	seq   uint64
}

// NewChangeSet creates an empty change set
func NewChangeSet() *ChangeSet {
	return &ChangeSet{slots: make(map[slotKey]*slot)}
}

// Stage records a change against a target. baseline is the value the caller
// observed before any staged edit, encoded like rbac.Change.Desired. It
// reports whether the slot is still pending afterwards.
func (cs *ChangeSet) Stage(targetID int64, change rbac.Change, baseline string) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	key := slotKey{userID: targetID, subject: change.Subject()}
	existing, ok := cs.slots[key]
	if ok {
		baseline = existing.baseline
	}

	if change.Desired() == baseline {
		delete(cs.slots, key)
		return false
	}

	if ok {
		existing.change = change
		return true
	}

	cs.seq++
	cs.slots[key] = &slot{change: change, baseline: baseline, seq: cs.seq}
	return true
}

// Unstage drops the pending change for a subject
func (cs *ChangeSet) Unstage(targetID int64, subject string) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	key := slotKey{userID: targetID, subject: subject}
	if _, ok := cs.slots[key]; !ok {
		return false
	}
	delete(cs.slots, key)
	return true
}

// Pending returns every staged change in the order slots were first staged
func (cs *ChangeSet) Pending() []rbac.PendingChange {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.collect(func(slotKey) bool { return true })
}

// ForUser returns the staged changes of one target
func (cs *ChangeSet) ForUser(targetID int64) []rbac.PendingChange {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.collect(func(k slotKey) bool { return k.userID == targetID })
}

func (cs *ChangeSet) collect(keep func(slotKey) bool) []rbac.PendingChange {
	type entry struct {
		key slotKey
		s   *slot
	}
	entries := make([]entry, 0, len(cs.slots))
	for k, s := range cs.slots {
		if keep(k) {
			entries = append(entries, entry{k, s})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].s.seq < entries[j].s.seq })

	out := make([]rbac.PendingChange, len(entries))
	for i, e := range entries {
		out[i] = rbac.PendingChange{
			TargetUserID: e.key.userID,
			Change:       e.s.change,
			Baseline:     e.s.baseline,
		}
	}
	return out
}

// Len returns the number of pending slots
func (cs *ChangeSet) Len() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return len(cs.slots)
}

// Reset drops every pending change
func (cs *ChangeSet) Reset() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.slots = make(map[slotKey]*slot)
}
