// Package locks provides single-holder leases keyed by string, used to keep
// at most one packaging job in flight per asset.
package locks

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrLocked is returned by Acquire when another holder owns the key.
	ErrLocked = errors.New("lock held by another owner")
	// ErrLeaseLost is returned by Refresh when the lease expired or was
	// taken over.
	ErrLeaseLost = errors.New("lease lost")
)

// Locker hands out leases.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// Lease is a held lock. Release is safe to call more than once.
type Lease interface {
	Key() string
	Refresh(ctx context.Context, ttl time.Duration) error
	Release(ctx context.Context) error
}

// AssetKey names the lock guarding an asset's packaging job.
func AssetKey(assetID int64) string {
	return "securevod:asset-lock:" + strconv.FormatInt(assetID, 10)
}

func newToken() string {
	return uuid.NewString()
}

// MemoryLocker keeps leases in process memory.
type MemoryLocker struct {
	mu     sync.Mutex
	leases map[string]memoryEntry
	now    func() time.Time
}

type memoryEntry struct {
	token string
	exp   time.Time
}

// NewMemoryLocker returns an empty in-process locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{leases: make(map[string]memoryEntry), now: time.Now}
}

func (m *MemoryLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if ttl <= 0 {
		return nil, errors.New("lock ttl must be positive")
	}
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.leases[key]; ok && now.Before(current.exp) {
		return nil, ErrLocked
	}
	token := newToken()
	m.leases[key] = memoryEntry{token: token, exp: now.Add(ttl)}
	return &memoryLease{locker: m, key: key, token: token}, nil
}

type memoryLease struct {
	locker *MemoryLocker
	key    string
	token  string
}

func (l *memoryLease) Key() string { return l.key }

func (l *memoryLease) Refresh(_ context.Context, ttl time.Duration) error {
	now := l.locker.now()
	l.locker.mu.Lock()
	defer l.locker.mu.Unlock()
	current, ok := l.locker.leases[l.key]
	if !ok || current.token != l.token || !now.Before(current.exp) {
		return ErrLeaseLost
	}
	current.exp = now.Add(ttl)
	l.locker.leases[l.key] = current
	return nil
}

func (l *memoryLease) Release(context.Context) error {
	l.locker.mu.Lock()
	defer l.locker.mu.Unlock()
	if current, ok := l.locker.leases[l.key]; ok && current.token == l.token {
		delete(l.locker.leases, l.key)
	}
	return nil
}
