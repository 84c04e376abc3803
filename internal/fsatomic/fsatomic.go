package fsatomic

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// ErrLockBusy is returned by WithLockRetry when the advisory lock stays held
// past the retry budget.
var ErrLockBusy = errors.New("lock busy")

// SaveJSON writes v as indented JSON to path with torn-write protection:
// the bytes go to path+".tmp" first, are fsynced, then renamed over path,
// with the parent directory synced around the rename. A crash at any point
// leaves either the old file or the new one, never a partial write.
// perm 0 means 0600.
func SaveJSON(ctx context.Context, path string, v any, perm fs.FileMode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if perm == 0 {
		perm = 0o600
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := fsyncDir(filepath.Dir(path)); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return fsyncDir(filepath.Dir(path))
}

// LoadJSON reads path into v. A missing file reports exists=false with no
// error. A stale crash artifact at path+".tmp" is removed on sight.
func LoadJSON(path string, v any) (bool, error) {
	_ = os.Remove(path + ".tmp")
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if len(data) == 0 {
		return true, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, err
	}
	return true, nil
}

// WithLock runs fn while holding an exclusive advisory lock on path+".lock",
// blocking until the lock is free. The lock is released on every exit path.
func WithLock(path string, fn func() error) error {
	_ = os.MkdirAll(filepath.Dir(path), 0o755)
	unlock, err := flockExclusive(path + ".lock")
	if err != nil {
		return err
	}
	defer unlock()
	return fn()
}

// WithLockRetry is WithLock with a bounded wait: it polls a non-blocking
// acquire with backoff and gives up with ErrLockBusy once the budget is
// spent, so a wedged writer cannot stall every caller indefinitely.
func WithLockRetry(path string, budget time.Duration, fn func() error) error {
	_ = os.MkdirAll(filepath.Dir(path), 0o755)
	deadline := time.Now().Add(budget)
	wait := 5 * time.Millisecond
	for {
		unlock, err := flockTryExclusive(path + ".lock")
		if err == nil {
			defer unlock()
			return fn()
		}
		if !errors.Is(err, ErrLockBusy) {
			return err
		}
		if time.Now().After(deadline) {
			return ErrLockBusy
		}
		time.Sleep(wait)
		if wait < 80*time.Millisecond {
			wait *= 2
		}
	}
}

func fsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
