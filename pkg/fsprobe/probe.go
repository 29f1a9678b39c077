// Package fsprobe discovers image collections on a filesystem. It recognizes
// archive files, enumerates their entries, and normalizes archive-entry
// references to the canonical "archive#entry" form.
package fsprobe

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/shelfline/shelfline/pkg/model"
)

// EntryRefSeparator joins an archive path with an entry path inside it.
// It is always '#', never a platform separator.
const EntryRefSeparator = "#"

// macOSMetadataDir is the resource-fork directory macOS embeds in archives.
const macOSMetadataDir = "__macosx"

// Sentinel errors.
var (
	ErrNotArchive      = errors.New("not a recognized archive")
	ErrEntryNotFound   = errors.New("archive entry not found")
	ErrUnsupportedKind = errors.New("unsupported archive kind")
)

// imageExtensions lists the supported raster formats.
var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".bmp":  true,
	".webp": true,
}

// archiveKinds maps file extensions to collection types.
var archiveKinds = map[string]model.CollectionType{
	".zip": model.CollectionZip,
	".cbz": model.CollectionCbz,
	".rar": model.CollectionRar,
	".cbr": model.CollectionCbr,
	".7z":  model.CollectionSevenZip,
}

// Entry is one member of an archive's table of contents.
type Entry struct {
	Path        string
	Size        int64
	IsDirectory bool
}

// IsImageFile reports whether the path has a supported raster extension.
func IsImageFile(path string) bool {
	return imageExtensions[strings.ToLower(filepath.Ext(path))]
}

// ArchiveKind classifies a path by extension. The zero CollectionType is
// returned for non-archives.
func ArchiveKind(path string) model.CollectionType {
	return archiveKinds[strings.ToLower(filepath.Ext(path))]
}

// EnumerateFolders lists directory paths under root. With recurse, nested
// directories are included depth-first; root itself is always first.
func EnumerateFolders(root string, recurse bool) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat root: %w", err)
	}

	if !info.IsDir() {
		return nil, fmt.Errorf("enumerate folders: %q is not a directory", root)
	}

	if !recurse {
		entries, readErr := os.ReadDir(root)
		if readErr != nil {
			return nil, fmt.Errorf("read dir: %w", readErr)
		}

		dirs := []string{root}

		for _, e := range entries {
			if e.IsDir() {
				dirs = append(dirs, filepath.Join(root, e.Name()))
			}
		}

		return dirs, nil
	}

	var dirs []string

	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			dirs = append(dirs, path)
		}

		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("walk %s: %w", root, walkErr)
	}

	return dirs, nil
}

// EnumerateArchives lists archive files directly under each of the given
// directories, sorted for deterministic processing.
func EnumerateArchives(dirs []string) ([]string, error) {
	var archives []string

	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("read dir %s: %w", dir, err)
		}

		for _, e := range entries {
			if e.IsDir() {
				continue
			}

			if ArchiveKind(e.Name()) != "" {
				archives = append(archives, filepath.Join(dir, e.Name()))
			}
		}
	}

	sort.Strings(archives)

	return archives, nil
}

// isMacOSMetadata reports whether the normalized entry path is macOS
// resource-fork metadata. The check is case-insensitive and matches the
// __MACOSX segment anywhere in the path.
func isMacOSMetadata(entryPath string) bool {
	p := strings.ToLower(strings.ReplaceAll(entryPath, "\\", "/"))
	if p == macOSMetadataDir {
		return true
	}

	for _, seg := range strings.Split(p, "/") {
		if seg == macOSMetadataDir {
			return true
		}
	}

	return false
}

// NormalizeEntryRef joins an archive path and an entry path into the
// canonical "archive#entry" reference. Entry separators are normalized to
// forward slashes.
func NormalizeEntryRef(archive, entry string) string {
	entry = strings.ReplaceAll(entry, "\\", "/")
	entry = strings.TrimPrefix(entry, "/")

	return archive + EntryRefSeparator + entry
}

// SplitEntryRef splits a reference produced by NormalizeEntryRef back into
// archive path and entry path. ok is false when the reference contains no
// separator.
func SplitEntryRef(ref string) (archive, entry string, ok bool) {
	idx := strings.Index(ref, EntryRefSeparator)
	if idx < 0 {
		return ref, "", false
	}

	return ref[:idx], ref[idx+1:], true
}

// legacyArchiveExtensions are the extensions the legacy path rewriter
// recognizes before a backslash-separated entry.
var legacyArchiveExtensions = []string{".zip", ".cbz", ".rar", ".cbr", ".7z", ".tar", ".gz"}

// FixLegacyEntryPath rewrites the legacy "archive.zip\entry.jpg" form to the
// canonical "archive.zip#entry.jpg". It is idempotent and leaves canonical
// and plain filesystem paths untouched. Applied on every consumer input.
func FixLegacyEntryPath(p string) string {
	if strings.Contains(p, EntryRefSeparator) {
		return p
	}

	lower := strings.ToLower(p)

	for _, ext := range legacyArchiveExtensions {
		marker := ext + "\\"

		idx := strings.Index(lower, marker)
		if idx < 0 {
			continue
		}

		cut := idx + len(ext)
		archive := p[:cut]
		entry := strings.TrimPrefix(p[cut:], "\\")

		return NormalizeEntryRef(archive, entry)
	}

	return p
}

// HasSupportedImage reports whether the directory or archive contains at
// least one supported image. Directories are scanned recursively; archives
// by their table of contents. Nested archives count as images of their own
// collections and are ignored here.
func HasSupportedImage(path string) (bool, error) {
	if kind := ArchiveKind(path); kind != "" {
		entries, err := EnumerateEntries(path)
		if err != nil {
			return false, err
		}

		for _, e := range entries {
			if !e.IsDirectory && IsImageFile(e.Path) {
				return true, nil
			}
		}

		return false, nil
	}

	found := false

	walkErr := filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if !d.IsDir() && IsImageFile(p) {
			found = true

			return fs.SkipAll
		}

		return nil
	})
	if walkErr != nil {
		return false, fmt.Errorf("walk %s: %w", path, walkErr)
	}

	return found, nil
}
