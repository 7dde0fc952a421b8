package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

const (
	DefaultDirMode  = 0o755
	DefaultFileMode = 0o644
)

// ErrLocked is returned when another bridge already serves the VM service.
var ErrLocked = errors.New("vm service already bridged")

// Owner describes the bridge holding a lock.
type Owner struct {
	PID       int       `json:"pid"`
	Endpoint  string    `json:"endpoint"`
	Transport string    `json:"transport"`
	StartedAt time.Time `json:"started_at"`
}

// Lock guarantees one bridge per VM service port across processes.
type Lock struct {
	lockPath  string
	ownerPath string
	fileLock  *flock.Flock
}

func lockPaths(dir string, port int) (string, string) {
	base := fmt.Sprintf("vm-%d", port)
	return filepath.Join(dir, base+".lock"), filepath.Join(dir, base+".json")
}

// AcquireLock takes the per-port lock in dir, retrying until timeout, and
// records owner next to it. A zero timeout tries once.
func AcquireLock(ctx context.Context, dir string, port int, owner Owner, timeout time.Duration) (*Lock, error) {
	if err := os.MkdirAll(dir, DefaultDirMode); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	lockPath, ownerPath := lockPaths(dir, port)
	fileLock := flock.New(lockPath)

	var locked bool
	var err error
	if timeout > 0 {
		lockCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		locked, err = fileLock.TryLockContext(lockCtx, 100*time.Millisecond)
	} else {
		locked, err = fileLock.TryLock()
	}
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !locked {
		if held, readErr := ReadOwner(dir, port); readErr == nil {
			return nil, fmt.Errorf("%w: port %d held by pid %d since %s",
				ErrLocked, port, held.PID, held.StartedAt.Format(time.RFC3339))
		}
		return nil, fmt.Errorf("%w: port %d", ErrLocked, port)
	}

	data, err := json.MarshalIndent(owner, "", "  ")
	if err != nil {
		_ = fileLock.Unlock()
		return nil, fmt.Errorf("failed to marshal owner: %w", err)
	}
	if err := atomicWriteFile(ownerPath, data, DefaultFileMode); err != nil {
		_ = fileLock.Unlock()
		return nil, fmt.Errorf("failed to write owner file: %w", err)
	}

	return &Lock{lockPath: lockPath, ownerPath: ownerPath, fileLock: fileLock}, nil
}

// ReadOwner returns the owner recorded for port in dir.
func ReadOwner(dir string, port int) (Owner, error) {
	_, ownerPath := lockPaths(dir, port)
	data, err := os.ReadFile(ownerPath)
	if err != nil {
		return Owner{}, fmt.Errorf("failed to read owner file: %w", err)
	}
	var owner Owner
	if err := json.Unmarshal(data, &owner); err != nil {
		return Owner{}, fmt.Errorf("failed to unmarshal owner file: %w", err)
	}
	return owner, nil
}

// Release removes the owner record and unlocks.
func (l *Lock) Release() error {
	if err := os.Remove(l.ownerPath); err != nil && !os.IsNotExist(err) {
		_ = l.fileLock.Unlock()
		return fmt.Errorf("failed to remove owner file: %w", err)
	}
	if err := l.fileLock.Unlock(); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

func (l *Lock) Path() string {
	return l.lockPath
}

// atomicWriteFile writes data to a file atomically using temp file + rename
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, DefaultDirMode); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	// Temp file in the same directory so the rename stays atomic
	tempFile, err := os.CreateTemp(dir, ".tmp-owner-")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tempPath := tempFile.Name()

	defer func() {
		if tempFile != nil {
			tempFile.Close()
			os.Remove(tempPath)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	tempFile = nil

	if err := os.Chmod(tempPath, perm); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename file: %w", err)
	}
	return nil
}
