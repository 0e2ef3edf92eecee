package artifact

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/roach88/speckit/internal/retry"
)

// ErrLocked is returned when another writer holds the spec lock.
var ErrLocked = errors.New("artifact: spec lock held by another writer")

// specLock is an exclusive advisory lock on <root>/.locks/<spec>.lock.
type specLock struct {
	f *os.File
}

// lockSpec tries once to take the lock. Contention is Retryable so the
// caller's retry loop acquires a fresh lock on every attempt.
func lockSpec(root, specID string) (*specLock, error) {
	dir := filepath.Join(root, ".locks")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	path := filepath.Join(dir, segment(specID)+".lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock %s: %w", path, err)
	}
	if contended, err := tryLockFile(f); err != nil || contended {
		f.Close()
		if contended {
			return nil, retry.Transient(ErrLocked, "lock contention")
		}
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	return &specLock{f: f}, nil
}

func (l *specLock) unlock() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := unlockFile(l.f)
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f = nil
	return err
}

// segment sanitizes s for use as a single path element.
func segment(s string) string {
	s = sanitize(s)
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return s
}
