// Package lease provides short-lived exclusive claims on named keys.
package lease

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrHeld is returned when another holder owns an unexpired lease on the key.
var ErrHeld = errors.New("lease: held by another owner")

// ErrLost is returned by Refresh once the claim expired or passed to another
// holder.
var ErrLost = errors.New("lease: claim lost")

// Lease is an acquired claim. Release is safe to call more than once and
// never releases a claim that has since been taken over by someone else.
type Lease interface {
	Key() string
	// Refresh extends the claim to ttl from now. It fails with ErrLost when
	// the claim is no longer ours.
	Refresh(ctx context.Context, ttl time.Duration) error
	Release(ctx context.Context) error
}

// Locker hands out leases.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// Memory is a process-local Locker.
type Memory struct {
	mu      sync.Mutex
	holders map[string]memoryHolder
	now     func() time.Time
}

type memoryHolder struct {
	token   string
	expires time.Time
}

// NewMemory constructs a process-local locker.
func NewMemory() *Memory {
	return &Memory{holders: make(map[string]memoryHolder), now: time.Now}
}

// Acquire claims key for ttl unless an unexpired claim exists.
func (m *Memory) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if ttl <= 0 {
		return nil, errors.New("lease: ttl must be positive")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if h, ok := m.holders[key]; ok && now.Before(h.expires) {
		return nil, ErrHeld
	}
	token := uuid.NewString()
	m.holders[key] = memoryHolder{token: token, expires: now.Add(ttl)}
	return &memoryLease{m: m, key: key, token: token}, nil
}

type memoryLease struct {
	m     *Memory
	key   string
	token string
}

func (l *memoryLease) Key() string { return l.key }

func (l *memoryLease) Refresh(ctx context.Context, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ttl <= 0 {
		return errors.New("lease: ttl must be positive")
	}
	l.m.mu.Lock()
	defer l.m.mu.Unlock()
	now := l.m.now()
	h, ok := l.m.holders[l.key]
	if !ok || h.token != l.token || !now.Before(h.expires) {
		return ErrLost
	}
	l.m.holders[l.key] = memoryHolder{token: l.token, expires: now.Add(ttl)}
	return nil
}

func (l *memoryLease) Release(context.Context) error {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()
	if h, ok := l.m.holders[l.key]; ok && h.token == l.token {
		delete(l.m.holders, l.key)
	}
	return nil
}
