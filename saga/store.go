package saga

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SnapshotStore persists saga snapshots. Implementations live in the store/
// packages (redis, badger, postgres) so the core carries no driver
// dependencies.
type SnapshotStore interface {
	// Save writes the snapshot. TTL of 0 means no expiration.
	Save(ctx context.Context, s *Snapshot, ttl time.Duration) error
	// Load retrieves a snapshot. Returns (nil, nil) if it doesn't exist.
	Load(ctx context.Context, sagaID string) (*Snapshot, error)
	// ListActive returns every snapshot whose status is not terminal.
	ListActive(ctx context.Context) ([]*Snapshot, error)
	// Delete removes a snapshot.
	Delete(ctx context.Context, sagaID string) error
}

// ErrSagaLocked is returned by a Locker when another execution holds the lock.
var ErrSagaLocked = errors.New("saga is locked by another execution")

// ErrLeaseLost is returned by Lease.Renew once the lock has expired and
// been taken, or was released.
var ErrLeaseLost = errors.New("saga lock lost")

// Locker enforces that at most one execution runs a saga ID at a time.
type Locker interface {
	// Acquire takes the lock for sagaID, held for ttl unless renewed. It
	// returns ErrSagaLocked without waiting if the lock is taken.
	Acquire(ctx context.Context, sagaID string, ttl time.Duration) (Lease, error)
}

// Lease is a held execution lock.
type Lease interface {
	// Renew pushes the expiry ttl into the future.
	Renew(ctx context.Context, ttl time.Duration) error
	// Release drops the lock. It is safe to call more than once.
	Release()
}

// MemoryStore is an in-memory SnapshotStore for tests and single-process use.
// It enforces TTL expiration on Load.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]memEntry
}

type memEntry struct {
	snap      *Snapshot
	expiresAt time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]memEntry)}
}

// Save stores a copy of s.
func (m *MemoryStore) Save(_ context.Context, s *Snapshot, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := memEntry{snap: s.Clone()}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}
	m.items[s.SagaID] = entry
	return nil
}

// Load returns a copy of the stored snapshot, or (nil, nil).
func (m *MemoryStore) Load(_ context.Context, sagaID string) (*Snapshot, error) {
	m.mu.RLock()
	entry, ok := m.items[sagaID]
	m.mu.RUnlock()

	if !ok {
		return nil, nil
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		m.mu.Lock()
		delete(m.items, sagaID)
		m.mu.Unlock()
		return nil, nil
	}
	return entry.snap.Clone(), nil
}

// ListActive returns non-terminal snapshots ordered by creation time.
func (m *MemoryStore) ListActive(_ context.Context) ([]*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Snapshot
	for _, e := range m.items {
		if !e.snap.Status.IsTerminal() {
			out = append(out, e.snap.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Delete removes a snapshot.
func (m *MemoryStore) Delete(_ context.Context, sagaID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, sagaID)
	return nil
}

// Len returns the number of stored snapshots, including expired ones not yet
// cleaned up.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

// MemoryLocker is an in-process Locker.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]memLock
}

type memLock struct {
	token     string
	expiresAt time.Time
}

// NewMemoryLocker creates an empty MemoryLocker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]memLock)}
}

// Acquire takes the lock for sagaID. An expired lock may be taken over.
func (l *MemoryLocker) Acquire(_ context.Context, sagaID string, ttl time.Duration) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if held, ok := l.locks[sagaID]; ok && (held.expiresAt.IsZero() || now.Before(held.expiresAt)) {
		return nil, ErrSagaLocked
	}

	lock := memLock{token: uuid.NewString(), expiresAt: expiry(now, ttl)}
	l.locks[sagaID] = lock
	return &memLease{locker: l, sagaID: sagaID, token: lock.token}, nil
}

func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

type memLease struct {
	locker *MemoryLocker
	sagaID string
	token  string
	once   sync.Once
}

func (ls *memLease) Renew(_ context.Context, ttl time.Duration) error {
	l := ls.locker
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, ok := l.locks[ls.sagaID]
	if !ok || cur.token != ls.token {
		return ErrLeaseLost
	}
	cur.expiresAt = expiry(time.Now(), ttl)
	l.locks[ls.sagaID] = cur
	return nil
}

func (ls *memLease) Release() {
	ls.once.Do(func() {
		l := ls.locker
		l.mu.Lock()
		defer l.mu.Unlock()
		if cur, ok := l.locks[ls.sagaID]; ok && cur.token == ls.token {
			delete(l.locks, ls.sagaID)
		}
	})
}

// compile-time interface checks
var (
	_ SnapshotStore = (*MemoryStore)(nil)
	_ Locker        = (*MemoryLocker)(nil)
)
