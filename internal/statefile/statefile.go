// Package statefile reads and writes the small JSON state blobs the autopilot
// persists between ticks (session map, auto-reopen cursor, progress state).
// Writes are atomic (temp file + rename); unreadable or corrupt blobs are
// treated as empty because every consumer is convergent.
package statefile

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/natefinch/atomic"
	"github.com/rs/zerolog/log"
)

// Load decodes the JSON blob at path into v. A missing file leaves v
// untouched and returns false. A corrupt file is logged and treated the same
// way: the caller continues from empty state.
func Load(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read state file %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		log.Warn().Str("path", path).Err(err).Msg("State file is corrupt; starting from empty state")
		return false, nil
	}
	return true, nil
}

// Save encodes v as indented JSON and atomically replaces path, creating the
// parent directory first.
func Save(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state file %s: %w", path, err)
	}
	data = append(data, '\n')
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write state file %s: %w", path, err)
	}
	return nil
}
