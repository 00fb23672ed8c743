package file

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aretw0/arbor/pkg/domain"
	"github.com/aretw0/arbor/pkg/ports"
	"github.com/google/uuid"
)

// Locker implements ports.DistributedLocker with lock files next to the run
// files, so that several processes sharing a directory do not write the same
// run at once. A lock older than its TTL is considered abandoned and taken over.
type Locker struct {
	BasePath string
	now      func() time.Time
}

// NewLocker creates a locker over dir. If dir is empty, it defaults to DefaultDir.
func NewLocker(dir string) *Locker {
	if dir == "" {
		dir = DefaultDir
	}
	return &Locker{BasePath: dir, now: time.Now}
}

// TryLock creates <dir>/<key>.lock exclusively.
func (l *Locker) TryLock(_ context.Context, key string, ttl time.Duration) (ports.UnlockFunc, error) {
	if err := checkID(key); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(l.BasePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to ensure lock directory: %w", err)
	}
	path := filepath.Join(l.BasePath, key+".lock")
	token := uuid.NewString()

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, werr := f.WriteString(token)
			cerr := f.Close()
			if err := errors.Join(werr, cerr); err != nil {
				_ = os.Remove(path)
				return nil, fmt.Errorf("failed to write lock file: %w", err)
			}
			return l.unlock(path, token), nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to create lock file: %w", err)
		}
		if !l.stale(path, ttl) {
			break
		}
		_ = os.Remove(path)
	}
	return nil, fmt.Errorf("%w: %s", domain.ErrRunLocked, key)
}

func (l *Locker) stale(path string, ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}
	info, err := os.Stat(path)
	if err != nil {
		return os.IsNotExist(err)
	}
	return l.now().Sub(info.ModTime()) > ttl
}

// unlock removes the lock file only if it still carries our token.
func (l *Locker) unlock(path, token string) ports.UnlockFunc {
	return func(context.Context) error {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if string(data) != token {
			return nil
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}
}
