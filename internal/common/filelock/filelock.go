// Package filelock serializes writers of the same workspace file across
// processes with advisory locks kept outside the workspace.
package filelock

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

const retryDelay = 100 * time.Millisecond

// Dir holds the lock files. It is a variable so tests can isolate it.
var Dir = filepath.Join(os.TempDir(), "waldiez-studio-locks")

// Path returns the lock file used for target.
func Path(target string) string {
	abs, err := filepath.Abs(target)
	if err != nil {
		abs = target
	}
	sum := sha256.Sum256([]byte(abs))
	return filepath.Join(Dir, hex.EncodeToString(sum[:16])+".lock")
}

// Lock blocks until the lock for target is held or ctx ends. The returned
// function releases it.
func Lock(ctx context.Context, target string) (func(), error) {
	if err := os.MkdirAll(Dir, 0o700); err != nil {
		return nil, fmt.Errorf("prepare lock dir: %w", err)
	}
	fl := flock.New(Path(target))
	locked, err := fl.TryLockContext(ctx, retryDelay)
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", filepath.Base(target), err)
	}
	if !locked {
		return nil, fmt.Errorf("lock %s: not acquired", filepath.Base(target))
	}
	return func() { _ = fl.Unlock() }, nil
}
