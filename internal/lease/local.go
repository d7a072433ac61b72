package lease

import (
	"context"
	"sync"
	"time"
)

type localLease struct {
	owner   string
	expires time.Time
}

// LocalManager is the single-process Locker used when no redis is
// configured.
type LocalManager struct {
	mu     sync.Mutex
	leases map[string]localLease
	now    func() time.Time
}

func NewLocalManager() *LocalManager {
	return &LocalManager{leases: make(map[string]localLease), now: time.Now}
}

func (m *LocalManager) live(key string) (localLease, bool) {
	l, ok := m.leases[key]
	if ok && !m.now().Before(l.expires) {
		delete(m.leases, key)
		return localLease{}, false
	}
	return l, ok
}

func (m *LocalManager) SetLease(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, held := m.live(key); held {
		return false, nil
	}
	m.leases[key] = localLease{owner: owner, expires: m.now().Add(ttl)}
	return true, nil
}

func (m *LocalManager) RenewLease(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, held := m.live(key)
	if !held || l.owner != owner {
		return false, nil
	}
	l.expires = m.now().Add(ttl)
	m.leases[key] = l
	return true, nil
}

func (m *LocalManager) ReleaseLease(_ context.Context, key, owner string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, held := m.live(key)
	if !held || l.owner != owner {
		return false, nil
	}
	delete(m.leases, key)
	return true, nil
}
