package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// InstanceLock keeps two engines from trading against one account. The
// lock is an O_EXCL-created file holding the owner's pid and start time.
type InstanceLock struct {
	path string
	file *os.File
}

type LockOptions struct {
	// Takeover allows removing a lock whose owner is dead or whose age
	// exceeds StaleAfter when the owner cannot be determined.
	Takeover   bool
	StaleAfter time.Duration
	Now        func() time.Time
}

type lockMeta struct {
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
}

func AcquireInstanceLock(root string, opts LockOptions) (*InstanceLock, error) {
	if root == "" {
		return nil, errors.New("state dir required")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	path := filepath.Join(root, ".instance.lock")

	for attempts := 0; attempts < 3; attempts++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			meta := lockMeta{PID: os.Getpid(), StartedAt: now().UTC()}
			writeErr := json.NewEncoder(f).Encode(meta)
			if writeErr == nil {
				writeErr = f.Sync()
			}
			if writeErr != nil {
				_ = f.Close()
				_ = os.Remove(path)
				return nil, writeErr
			}
			return &InstanceLock{path: path, file: f}, nil
		}
		if !os.IsExist(err) {
			return nil, err
		}
		if !opts.Takeover {
			return nil, fmt.Errorf("instance lock held: %s", path)
		}
		stale, reason, staleErr := isLockStale(path, now().UTC(), opts.StaleAfter)
		if staleErr != nil {
			return nil, fmt.Errorf("instance lock held: %s (stale check: %v)", path, staleErr)
		}
		if !stale {
			return nil, fmt.Errorf("instance lock held: %s (%s)", path, reason)
		}
		if removeErr := os.Remove(path); removeErr != nil && !os.IsNotExist(removeErr) {
			return nil, removeErr
		}
	}
	return nil, fmt.Errorf("instance lock held: %s", path)
}

func isLockStale(path string, now time.Time, staleAfter time.Duration) (bool, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return true, "lock_disappeared", nil
		}
		return false, "", err
	}
	var meta lockMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		// Unreadable metadata: only age can decide, and with no
		// timestamp the lock is kept to stay on the safe side.
		return false, "unreadable_lock_metadata", nil
	}
	if meta.PID > 0 {
		if processAlive(meta.PID) {
			return false, "owner_running", nil
		}
		return true, "owner_dead", nil
	}
	if staleAfter > 0 && !meta.StartedAt.IsZero() && now.Sub(meta.StartedAt.UTC()) >= staleAfter {
		return true, "lock_age_exceeded", nil
	}
	return false, "lock_not_stale", nil
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	if errors.Is(err, os.ErrProcessDone) {
		return false
	}
	// EPERM means the process exists but belongs to someone else.
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "operation not permitted") || strings.Contains(msg, "permission denied")
}

func (l *InstanceLock) Release() error {
	if l == nil {
		return nil
	}
	if l.file != nil {
		_ = l.file.Close()
		l.file = nil
	}
	if l.path == "" {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	l.path = ""
	return nil
}
