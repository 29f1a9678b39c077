package fsprobe

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/bodgit/sevenzip"
	"github.com/nwaples/rardecode"

	"github.com/shelfline/shelfline/pkg/model"
)

// EnumerateEntries lists an archive's table of contents with macOS metadata
// entries filtered out. Entry paths use forward slashes.
func EnumerateEntries(archivePath string) ([]Entry, error) {
	switch ArchiveKind(archivePath) {
	case model.CollectionZip, model.CollectionCbz:
		return enumerateZip(archivePath)
	case model.CollectionRar, model.CollectionCbr:
		return enumerateRar(archivePath)
	case model.CollectionSevenZip:
		return enumerateSevenZip(archivePath)
	default:
		return nil, fmt.Errorf("%w: %s", ErrNotArchive, archivePath)
	}
}

func enumerateZip(path string) ([]Entry, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("open zip %s: %w", path, err)
	}
	defer r.Close()

	entries := make([]Entry, 0, len(r.File))

	for _, f := range r.File {
		if isMacOSMetadata(f.Name) {
			continue
		}

		entries = append(entries, Entry{
			Path:        strings.ReplaceAll(f.Name, "\\", "/"),
			Size:        int64(f.UncompressedSize64), //nolint:gosec // Entry sizes fit int64.
			IsDirectory: f.FileInfo().IsDir(),
		})
	}

	return entries, nil
}

func enumerateRar(path string) ([]Entry, error) {
	r, err := rardecode.OpenReader(path, "")
	if err != nil {
		return nil, fmt.Errorf("open rar %s: %w", path, err)
	}
	defer r.Close()

	var entries []Entry

	for {
		hdr, nextErr := r.Next()
		if nextErr == io.EOF {
			break
		}

		if nextErr != nil {
			return nil, fmt.Errorf("read rar %s: %w", path, nextErr)
		}

		if isMacOSMetadata(hdr.Name) {
			continue
		}

		entries = append(entries, Entry{
			Path:        strings.ReplaceAll(hdr.Name, "\\", "/"),
			Size:        hdr.UnPackedSize,
			IsDirectory: hdr.IsDir,
		})
	}

	return entries, nil
}

func enumerateSevenZip(path string) ([]Entry, error) {
	r, err := sevenzip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("open 7z %s: %w", path, err)
	}
	defer r.Close()

	entries := make([]Entry, 0, len(r.File))

	for _, f := range r.File {
		if isMacOSMetadata(f.Name) {
			continue
		}

		entries = append(entries, Entry{
			Path:        strings.ReplaceAll(f.Name, "\\", "/"),
			Size:        f.FileInfo().Size(),
			IsDirectory: f.FileInfo().IsDir(),
		})
	}

	return entries, nil
}

// closerChain closes secondary closers after the primary reader.
type closerChain struct {
	io.Reader
	closers []io.Closer
}

func (c *closerChain) Close() error {
	var firstErr error

	for _, cl := range c.closers {
		if err := cl.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// OpenImageStream opens a byte stream for a plain file path or an
// "archive#entry" reference. Legacy backslash-separated entry paths must be
// rewritten with FixLegacyEntryPath before calling.
func OpenImageStream(path string) (io.ReadCloser, error) {
	archive, entry, ok := SplitEntryRef(path)
	if !ok {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", path, err)
		}

		return f, nil
	}

	switch ArchiveKind(archive) {
	case model.CollectionZip, model.CollectionCbz:
		return openZipEntry(archive, entry)
	case model.CollectionRar, model.CollectionCbr:
		return openRarEntry(archive, entry)
	case model.CollectionSevenZip:
		return openSevenZipEntry(archive, entry)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedKind, archive)
	}
}

func openZipEntry(archive, entry string) (io.ReadCloser, error) {
	r, err := zip.OpenReader(archive)
	if err != nil {
		return nil, fmt.Errorf("open zip %s: %w", archive, err)
	}

	for _, f := range r.File {
		if strings.ReplaceAll(f.Name, "\\", "/") != entry {
			continue
		}

		rc, openErr := f.Open()
		if openErr != nil {
			r.Close()

			return nil, fmt.Errorf("open zip entry %s: %w", entry, openErr)
		}

		return &closerChain{Reader: rc, closers: []io.Closer{rc, r}}, nil
	}

	r.Close()

	return nil, fmt.Errorf("%w: %s%s%s", ErrEntryNotFound, archive, EntryRefSeparator, entry)
}

func openRarEntry(archive, entry string) (io.ReadCloser, error) {
	r, err := rardecode.OpenReader(archive, "")
	if err != nil {
		return nil, fmt.Errorf("open rar %s: %w", archive, err)
	}

	for {
		hdr, nextErr := r.Next()
		if nextErr == io.EOF {
			break
		}

		if nextErr != nil {
			r.Close()

			return nil, fmt.Errorf("read rar %s: %w", archive, nextErr)
		}

		if strings.ReplaceAll(hdr.Name, "\\", "/") == entry {
			return &closerChain{Reader: r, closers: []io.Closer{r}}, nil
		}
	}

	r.Close()

	return nil, fmt.Errorf("%w: %s%s%s", ErrEntryNotFound, archive, EntryRefSeparator, entry)
}

func openSevenZipEntry(archive, entry string) (io.ReadCloser, error) {
	r, err := sevenzip.OpenReader(archive)
	if err != nil {
		return nil, fmt.Errorf("open 7z %s: %w", archive, err)
	}

	for _, f := range r.File {
		if strings.ReplaceAll(f.Name, "\\", "/") != entry {
			continue
		}

		rc, openErr := f.Open()
		if openErr != nil {
			r.Close()

			return nil, fmt.Errorf("open 7z entry %s: %w", entry, openErr)
		}

		return &closerChain{Reader: rc, closers: []io.Closer{rc, r}}, nil
	}

	r.Close()

	return nil, fmt.Errorf("%w: %s%s%s", ErrEntryNotFound, archive, EntryRefSeparator, entry)
}
