package transfer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	receivedPrefix = "recibido_"
	receivedExt    = ".bin"
	stampLayout    = "20060102_150405"

	// maxCollisions bounds the _N suffix search for one timestamp.
	maxCollisions = 1000
)

// DestinationName returns the base name for a file received at t.
func DestinationName(t time.Time) string {
	return receivedPrefix + t.Format(stampLayout) + receivedExt
}

// createDestination creates a new file for a transfer started at t. An
// existing file is never overwritten: a _N suffix is added instead.
func createDestination(dir string, t time.Time) (*os.File, string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, "", fmt.Errorf("create downloads dir: %w", err)
	}
	stem := receivedPrefix + t.Format(stampLayout)
	for i := 0; i < maxCollisions; i++ {
		name := stem + receivedExt
		if i > 0 {
			name = fmt.Sprintf("%s_%d%s", stem, i, receivedExt)
		}
		path := filepath.Join(dir, name)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return f, path, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, "", fmt.Errorf("create %s: %w", path, err)
		}
	}
	return nil, "", fmt.Errorf("create %s: too many files with this name", stem+receivedExt)
}
