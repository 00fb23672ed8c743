package ports

import (
	"context"
	"time"
)

// UnlockFunc is a function that releases a distributed lock.
type UnlockFunc func(ctx context.Context) error

// DistributedLocker defines the interface for distributed concurrency control.
// It lets several processes share one store without two of them writing the
// same run at the same time.
type DistributedLocker interface {
	// TryLock acquires the lock for key without waiting.
	// It returns domain.ErrRunLocked when another holder owns the key.
	// The lock expires after ttl if the holder disappears.
	// Returns an UnlockFunc that MUST be called to release the lock.
	TryLock(ctx context.Context, key string, ttl time.Duration) (UnlockFunc, error)
}
