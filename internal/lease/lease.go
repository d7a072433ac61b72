// Package lease provides owner-checked, expiring locks used to exclude
// concurrent dispatchers from the same schedule and to elect the
// dispatcher leader.
package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// LeaderKey is held by the dispatcher allowed to run a pass.
const LeaderKey = "reports:dispatcher:leader"

var ErrNotAcquired = errors.New("lease not acquired")

// Locker is implemented by the redis and in-process lease managers.
type Locker interface {
	// SetLease succeeds only when key is free.
	SetLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	// RenewLease extends key only while owner holds it.
	RenewLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	// ReleaseLease frees key only while owner holds it.
	ReleaseLease(ctx context.Context, key, owner string) (bool, error)
}

func ScheduleKey(id uint) string {
	return fmt.Sprintf("reports:schedule:%d", id)
}

// NewOwner returns a unique owner id for one process or one request.
func NewOwner() string {
	return uuid.NewString()
}

// Hold keeps owner on key: it renews an existing lease or takes a free one.
func Hold(ctx context.Context, l Locker, key, owner string, ttl time.Duration) (bool, error) {
	ok, err := l.RenewLease(ctx, key, owner, ttl)
	if err != nil || ok {
		return ok, err
	}
	return l.SetLease(ctx, key, owner, ttl)
}

// Wait polls until owner holds key or ctx is done, in which case
// ErrNotAcquired is returned.
func Wait(ctx context.Context, l Locker, key, owner string, ttl, poll time.Duration) error {
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		ok, err := l.SetLease(ctx, key, owner, ttl)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ErrNotAcquired
		case <-ticker.C:
		}
	}
}
