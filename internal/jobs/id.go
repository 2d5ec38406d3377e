// Package jobs allocates per-request identity: unique IDs and the scratch
// directory a single transcode writes into.
package jobs

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// NewID returns a random UUID string.
func NewID() string {
	return uuid.NewString()
}

// WorkDir creates a fresh directory <root>/<uuid> for one request. Two
// deliveries of the same message never share a local path. The returned
// cleanup removes the directory and everything in it; failures are logged.
func WorkDir(root string) (dir string, cleanup func(), err error) {
	if root == "" {
		root = filepath.Join(os.TempDir(), "scout-xcode")
	}
	dir = filepath.Join(root, NewID())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", nil, fmt.Errorf("create work dir: %w", err)
	}

	cleanup = func() {
		if err := os.RemoveAll(dir); err != nil {
			log.Warn().Err(err).Str("path", dir).Msg("Failed to remove work dir")
			return
		}
		log.Debug().Str("path", dir).Msg("Work dir removed")
	}
	return dir, cleanup, nil
}
