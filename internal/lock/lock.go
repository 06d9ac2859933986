// Package lock implements the Resource/Lock Manager (spec C1, §4.1): named
// exclusive/shared locks with a priority-ordered wait queue. The wait queue
// is a github.com/emirpasic/gods binary heap ordered by
// (priority desc, enqueue_time asc), generalizing the ad-hoc slice queues
// the example pack otherwise hand-rolls for this purpose.
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/emirpasic/gods/trees/binaryheap"
	"github.com/rs/zerolog"

	"github.com/orchflow/orchflow/internal/orcherr"
	"github.com/orchflow/orchflow/pkg/models"
)

// waiter is one pending acquire() call.
type waiter struct {
	holderID string
	mode     models.LockMode
	priority models.Priority
	enqueued time.Time
	seq      uint64
	grant    chan bool
}

// holder is one currently-granted lock.
type holder struct {
	holderID   string
	mode       models.LockMode
	priority   models.Priority
	acquiredAt time.Time
	expiresAt  time.Time
}

// resourceState tracks holders and waiters for a single named resource.
type resourceState struct {
	holders []holder
	waiters *binaryheap.Heap
}

func waiterComparator(a, b any) int {
	wa, wb := a.(*waiter), b.(*waiter)
	if wa.priority != wb.priority {
		// Higher priority sorts first -> smaller in the min-heap ordering.
		return int(wb.priority) - int(wa.priority)
	}
	if wa.seq != wb.seq {
		if wa.seq < wb.seq {
			return -1
		}
		return 1
	}
	return 0
}

func newResourceState() *resourceState {
	return &resourceState{waiters: binaryheap.NewWith(waiterComparator)}
}

// Manager is the Resource/Lock Manager (C1).
type Manager struct {
	log zerolog.Logger

	mu        sync.Mutex
	resources map[string]*resourceState
	seq       uint64
}

// NewManager constructs an empty lock manager.
func NewManager(log zerolog.Logger) *Manager {
	return &Manager{log: log, resources: make(map[string]*resourceState)}
}

func compatible(existing []holder, mode models.LockMode) bool {
	if len(existing) == 0 {
		return true
	}
	if mode == models.LockModeExclusive {
		return false
	}
	for _, h := range existing {
		if h.mode == models.LockModeExclusive {
			return false
		}
	}
	return true
}

// Acquire attempts to grant holderID a lock on name in mode, waiting up to
// timeout for contention to clear. A timeout of 0 never waits: it either
// grants immediately or returns LockTimeout immediately (spec §8 boundary).
func (m *Manager) Acquire(ctx context.Context, name, holderID string, mode models.LockMode, priority models.Priority, timeout time.Duration) error {
	m.mu.Lock()
	rs, ok := m.resources[name]
	if !ok {
		rs = newResourceState()
		m.resources[name] = rs
	}
	m.expireLocked(rs)

	if rs.waiters.Empty() && compatible(rs.holders, mode) {
		rs.holders = append(rs.holders, holder{
			holderID:   holderID,
			mode:       mode,
			priority:   priority,
			acquiredAt: time.Now(),
			expiresAt:  time.Now().Add(maxDuration(timeout, time.Hour)),
		})
		m.mu.Unlock()
		return nil
	}

	if timeout <= 0 {
		m.mu.Unlock()
		return orcherr.New(orcherr.LockTimeout, "lock %q busy, timeout_ms=0", name)
	}

	m.seq++
	w := &waiter{
		holderID: holderID,
		mode:     mode,
		priority: priority,
		enqueued: time.Now(),
		seq:      m.seq,
		grant:    make(chan bool, 1),
	}
	rs.waiters.Push(w)
	m.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ok := <-w.grant:
		if ok {
			return nil
		}
		return orcherr.New(orcherr.LockTimeout, "lock %q timed out for %s", name, holderID)
	case <-timer.C:
		m.removeWaiter(name, w)
		return orcherr.New(orcherr.LockTimeout, "lock %q timed out for %s", name, holderID)
	case <-ctx.Done():
		m.removeWaiter(name, w)
		return orcherr.Wrap(orcherr.LockTimeout, ctx.Err(), "lock %q context cancelled for %s", name, holderID)
	}
}

func maxDuration(d, floor time.Duration) time.Duration {
	if d <= 0 {
		return floor
	}
	return d
}

func (m *Manager) removeWaiter(name string, target *waiter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rs, ok := m.resources[name]
	if !ok {
		return
	}
	remaining := make([]*waiter, 0, rs.waiters.Size())
	for {
		v, ok := rs.waiters.Pop()
		if !ok {
			break
		}
		w := v.(*waiter)
		if w != target {
			remaining = append(remaining, w)
		}
	}
	for _, w := range remaining {
		rs.waiters.Push(w)
	}
}

// Release releases holderID's lock on name and grants as many compatible
// waiters as possible (shared storms coalesce per §4.1).
func (m *Manager) Release(name, holderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rs, ok := m.resources[name]
	if !ok {
		return orcherr.New(orcherr.NotFound, "unknown resource %q", name)
	}

	idx := -1
	for i, h := range rs.holders {
		if h.holderID == holderID {
			idx = i
			break
		}
	}
	if idx == -1 {
		return orcherr.New(orcherr.Validation, "unknown holder %q on %q", holderID, name)
	}
	rs.holders = append(rs.holders[:idx], rs.holders[idx+1:]...)

	m.grantWaitersLocked(rs)
	return nil
}

// expireLocked drops holders whose expiry has passed and re-evaluates waiters.
func (m *Manager) expireLocked(rs *resourceState) {
	now := time.Now()
	kept := rs.holders[:0]
	expired := false
	for _, h := range rs.holders {
		if h.expiresAt.After(now) {
			kept = append(kept, h)
		} else {
			expired = true
		}
	}
	rs.holders = kept
	if expired {
		m.grantWaitersLocked(rs)
	}
}

// grantWaitersLocked pops waiters off the heap in priority order, granting
// every one compatible with the current holder set.
func (m *Manager) grantWaitersLocked(rs *resourceState) {
	pending := make([]*waiter, 0)
	for {
		v, ok := rs.waiters.Pop()
		if !ok {
			break
		}
		w := v.(*waiter)
		if compatible(rs.holders, w.mode) {
			rs.holders = append(rs.holders, holder{
				holderID:   w.holderID,
				mode:       w.mode,
				priority:   w.priority,
				acquiredAt: time.Now(),
				expiresAt:  time.Now().Add(time.Hour),
			})
			select {
			case w.grant <- true:
			default:
			}
		} else {
			pending = append(pending, w)
		}
	}
	for _, w := range pending {
		rs.waiters.Push(w)
	}
}

// Holders returns a snapshot of current holders for name, for tests/diagnostics.
func (m *Manager) Holders(name string) []models.ResourceLock {
	m.mu.Lock()
	defer m.mu.Unlock()
	rs, ok := m.resources[name]
	if !ok {
		return nil
	}
	out := make([]models.ResourceLock, 0, len(rs.holders))
	for _, h := range rs.holders {
		out = append(out, models.ResourceLock{
			Name: name, Mode: h.mode, HolderID: h.holderID,
			Priority: h.priority, AcquiredAt: h.acquiredAt, ExpiresAt: h.expiresAt,
		})
	}
	return out
}
