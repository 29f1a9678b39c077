package derive

import (
	"context"
	"errors"
	"hash/fnv"

	"github.com/shelfline/shelfline/pkg/catalog"
	"github.com/shelfline/shelfline/pkg/model"
)

// ErrNoCacheFolder is returned when no active folder can accept a file.
var ErrNoCacheFolder = errors.New("no cache folder available")

// FolderSelector picks the cache folder for a new file: active folders
// ordered by priority ascending, folders past the soft size cap skipped,
// and the remainder distributed by a hash of the image id.
type FolderSelector struct {
	folders     *catalog.CacheFolders
	softCap     int64
}

// NewFolderSelector creates a selector. softCapBytes of zero disables the
// size cap.
func NewFolderSelector(folders *catalog.CacheFolders, softCapBytes int64) *FolderSelector {
	return &FolderSelector{folders: folders, softCap: softCapBytes}
}

// Select returns the folder that should hold the cache file for imageID.
func (s *FolderSelector) Select(ctx context.Context, imageID model.ID) (*model.CacheFolder, error) {
	folders, err := s.folders.ListActive(ctx)
	if err != nil {
		return nil, err
	}

	eligible := make([]model.CacheFolder, 0, len(folders))

	for _, f := range folders {
		if s.softCap > 0 && f.CurrentSizeBytes >= s.softCap {
			continue
		}

		eligible = append(eligible, f)
	}

	if len(eligible) == 0 {
		return nil, ErrNoCacheFolder
	}

	h := fnv.New32a()
	h.Write([]byte(imageID.Hex()))

	pick := eligible[int(h.Sum32())%len(eligible)]

	return &pick, nil
}

// FolderForPath resolves the folder owning a pre-computed cache path, used
// when a message carries an explicit cachePath.
func (s *FolderSelector) FolderForPath(ctx context.Context, path string) (*model.CacheFolder, error) {
	folders, err := s.folders.ListActive(ctx)
	if err != nil {
		return nil, err
	}

	for _, f := range folders {
		if f.Path != "" && len(path) >= len(f.Path) && path[:len(f.Path)] == f.Path {
			pick := f

			return &pick, nil
		}
	}

	return nil, ErrNoCacheFolder
}
