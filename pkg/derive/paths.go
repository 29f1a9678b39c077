// Package derive produces image derivatives: thumbnails and scaled cache
// copies. Consumers are idempotent under at-least-once delivery: an existing
// derivative with a reachable file is skipped, and every file write is
// temp-file + rename so a crashed worker never leaves a torn file behind.
package derive

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/shelfline/shelfline/pkg/model"
)

// shardLen is the number of leading id characters used as the thumbnail
// shard directory, keeping directory fan-out bounded.
const shardLen = 2

// dirPerm is the permission for created derivative directories.
const dirPerm = 0o750

// ThumbnailPath returns <cacheRoot>/<shard>/<imageId>_thumb_<W>x<H>.<ext>.
func ThumbnailPath(cacheRoot string, imageID model.ID, width, height int, ext string) string {
	hex := imageID.Hex()

	return filepath.Join(cacheRoot, hex[:shardLen],
		fmt.Sprintf("%s_thumb_%dx%d.%s", hex, width, height, ext))
}

// CachePath returns <folder>/<imageId>_cache_<W>x<H>.<ext>.
func CachePath(folder string, imageID model.ID, width, height int, ext string) string {
	return filepath.Join(folder,
		fmt.Sprintf("%s_cache_%dx%d.%s", imageID.Hex(), width, height, ext))
}

// writeAtomic writes via a temp file in the target directory and renames
// into place, returning the byte count written.
func writeAtomic(path string, write func(io.Writer) error) (int64, error) {
	dir := filepath.Dir(path)

	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return 0, fmt.Errorf("create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}

	tmpName := tmp.Name()

	if err := write(tmp); err != nil {
		tmp.Close()
		os.Remove(tmpName)

		return 0, err
	}

	info, statErr := tmp.Stat()
	if statErr != nil {
		tmp.Close()
		os.Remove(tmpName)

		return 0, fmt.Errorf("stat temp file: %w", statErr)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)

		return 0, fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)

		return 0, fmt.Errorf("rename into place: %w", err)
	}

	return info.Size(), nil
}

// fileReachable reports whether a derivative file exists on disk.
func fileReachable(path string) bool {
	if path == "" {
		return false
	}

	info, err := os.Stat(path)

	return err == nil && !info.IsDir()
}
