// Package lockfile implements the best-effort, file-backed single-holder
// lock that serializes autopilot ticks across processes. The lock is a small
// JSON record; a holder that died is recovered once its record is older than
// the ttl.
package lockfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// DefaultTTL is how long a lock record is honored before the owner is
// presumed dead.
const DefaultTTL = 2 * time.Hour

// ErrHeld is returned when another live process holds the lock.
var ErrHeld = errors.New("lock already held")

// Record is the persisted lock document.
type Record struct {
	PID        int    `json:"pid"`
	AcquiredAt string `json:"acquiredAt"` // ISO-8601
	Nonce      string `json:"nonce,omitempty"`
}

// Lock is a held lock. Release must run on every tick exit path.
type Lock struct {
	path     string
	file     *os.File
	released bool
}

// TryAcquire attempts to take the lock at path. On conflict it inspects the
// existing record: a missing, unparseable, or expired timestamp (older than
// now-ttl) marks a stale owner, whose file is deleted before exactly one
// retry. A ttl of zero uses DefaultTTL.
func TryAcquire(path string, now time.Time, ttl time.Duration) (*Lock, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	lock, err := create(path, now)
	if err == nil {
		return lock, nil
	}
	if !os.IsExist(err) {
		return nil, fmt.Errorf("create lock file: %w", err)
	}

	if !isStale(path, now, ttl) {
		return nil, fmt.Errorf("%w: %s", ErrHeld, path)
	}

	log.Warn().Str("path", path).Msg("Removing stale lock from dead owner")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove stale lock: %w", err)
	}

	lock, err = create(path, now)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrHeld, path)
		}
		return nil, fmt.Errorf("create lock file: %w", err)
	}
	return lock, nil
}

func create(path string, now time.Time) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	record := Record{
		PID:        os.Getpid(),
		AcquiredAt: now.UTC().Format(time.RFC3339),
		Nonce:      uuid.NewString(),
	}
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		f.Close()
		_ = os.Remove(path)
		return nil, err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("write lock record: %w", err)
	}
	return &Lock{path: path, file: f}, nil
}

// isStale reports whether the record at path belongs to a presumed-dead
// owner: timestamp missing, unparseable, or older than now-ttl.
func isStale(path string, now time.Time, ttl time.Duration) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		// The holder may have released between our create attempt and
		// this read; treat as stale and let the retry settle it.
		return true
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return true
	}
	acquired, err := time.Parse(time.RFC3339, record.AcquiredAt)
	if err != nil {
		return true
	}
	return acquired.Before(now.Add(-ttl))
}

// Release closes and removes the lock file. Safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.released {
		return nil
	}
	l.released = true
	if l.file != nil {
		_ = l.file.Close()
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock file: %w", err)
	}
	return nil
}

// Path returns the lock file location.
func (l *Lock) Path() string { return l.path }
