package extractor

import (
	"archive/zip"
	"context"
	"fmt"
)

// zipExtractor extracts zip archives with the standard library codec.
// Password-protected zips are not decryptable here and surface as
// ErrPasswordRequired.
type zipExtractor struct{}

func (e *zipExtractor) Type() ArchiveType { return TypeZip }

func (e *zipExtractor) List(ctx context.Context, archivePath string, opts Options) ([]Entry, error) {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, &ExtractionError{Path: archivePath, Op: "list", Err: err}
	}
	defer r.Close()

	var entries []Entry
	for _, f := range r.File {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if f.FileInfo().IsDir() {
			continue
		}
		entries = append(entries, Entry{
			Path:       f.Name,
			Size:       int64(f.UncompressedSize64),
			Compressed: f.Method != zip.Store,
			Encrypted:  zipEncrypted(f),
		})
	}
	return entries, nil
}

func (e *zipExtractor) Extract(ctx context.Context, archivePath, destDir string, opts Options) ([]string, error) {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, &ExtractionError{Path: archivePath, Op: "open", Err: err}
	}
	defer r.Close()

	var written []string
	for _, f := range r.File {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if f.FileInfo().IsDir() {
			continue
		}
		if !opts.selects(f.Name) {
			continue
		}
		if zipEncrypted(f) {
			return nil, &ExtractionError{Path: archivePath, Op: "extract",
				Err: fmt.Errorf("%w: %s", ErrPasswordRequired, f.Name)}
		}

		target, err := safeJoin(destDir, f.Name)
		if err != nil {
			return nil, err
		}

		rc, err := f.Open()
		if err != nil {
			return nil, &ExtractionError{Path: archivePath, Op: "read", Err: err}
		}
		err = writeEntry(ctx, target, rc, f.Name, int64(f.UncompressedSize64), opts.OnProgress)
		rc.Close()
		if err != nil {
			return nil, &ExtractionError{Path: archivePath, Op: "extract", Err: err}
		}
		written = append(written, target)
	}
	return written, nil
}

// zipEncrypted reports the encryption bit of the entry's general purpose
// flags; the standard codec cannot decrypt such entries.
func zipEncrypted(f *zip.File) bool {
	return f.Flags&0x1 != 0
}
