package extractor

import (
	"context"

	"github.com/javi11/nzbstream/internal/pathutil"
)

// FindLargestMediaFile returns the biggest media-typed entry, falling back
// to the biggest entry overall when no media is present. Returns nil for an
// empty list.
func FindLargestMediaFile(entries []Entry) *Entry {
	var bestMedia, bestAny *Entry
	for i := range entries {
		e := &entries[i]
		if bestAny == nil || e.Size > bestAny.Size {
			bestAny = e
		}
		if !pathutil.IsMediaFile(e.Path) {
			continue
		}
		if bestMedia == nil || e.Size > bestMedia.Size {
			bestMedia = e
		}
	}
	if bestMedia != nil {
		return bestMedia
	}
	return bestAny
}

// ExtractMediaFiles extracts every media-typed entry from the archive and
// returns their local paths. Include narrows the media set further and
// Exclude drops entries from it.
func ExtractMediaFiles(ctx context.Context, archivePath, destDir string, opts Options) ([]string, error) {
	ex, err := ForPath(archivePath)
	if err != nil {
		return nil, err
	}

	include := opts.Include
	opts.Include = func(path string) bool {
		if !pathutil.IsMediaFile(path) {
			return false
		}
		return include == nil || include(path)
	}
	return ex.Extract(ctx, archivePath, destDir, opts)
}

// ExtractLargestMediaFile lists the archive, picks the largest media entry
// and extracts only that one. It returns the local path of the extracted
// file and its size.
func ExtractLargestMediaFile(ctx context.Context, archivePath, destDir string, opts Options) (string, int64, error) {
	ex, err := ForPath(archivePath)
	if err != nil {
		return "", 0, err
	}

	entries, err := ex.List(ctx, archivePath, opts)
	if err != nil {
		return "", 0, err
	}
	target := FindLargestMediaFile(entries)
	if target == nil {
		return "", 0, &ExtractionError{Path: archivePath, Op: "select", Err: ErrUnsupportedArchive}
	}

	opts.Include = func(path string) bool { return path == target.Path }
	paths, err := ex.Extract(ctx, archivePath, destDir, opts)
	if err != nil {
		return "", 0, err
	}
	if len(paths) == 0 {
		return "", 0, &ExtractionError{Path: archivePath, Op: "extract", Err: ErrUnsupportedArchive}
	}
	return paths[0], target.Size, nil
}
