package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
)

const (
	schemaLockTimeout = 30 * time.Second
	schemaLockRetry   = 50 * time.Millisecond
)

// isMemoryPath reports whether dbPath names an in-memory database.
func isMemoryPath(dbPath string) bool {
	return dbPath == ":memory:" || strings.Contains(dbPath, "mode=memory")
}

// withSchemaLock runs fn while holding <dbPath>.lock so that processes
// opening the same fresh database do not race its migrations.
func withSchemaLock(ctx context.Context, dbPath string, fn func() error) error {
	if isMemoryPath(dbPath) {
		return fn()
	}
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create database directory: %w", err)
		}
	}

	lock := flock.New(dbPath + ".lock")
	lockCtx, cancel := context.WithTimeout(ctx, schemaLockTimeout)
	defer cancel()

	ok, err := lock.TryLockContext(lockCtx, schemaLockRetry)
	if err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("acquire schema lock: timed out after %s", schemaLockTimeout)
	}
	defer func() { _ = lock.Unlock() }()

	return fn()
}
