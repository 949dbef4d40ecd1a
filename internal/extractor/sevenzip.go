package extractor

import (
	"context"
	"fmt"

	"github.com/javi11/sevenzip"
	"github.com/spf13/afero"
)

// sevenZipExtractor extracts 7z archives through an afero filesystem.
type sevenZipExtractor struct{}

func (e *sevenZipExtractor) Type() ArchiveType { return TypeSevenZip }

func (e *sevenZipExtractor) open(archivePath string, opts Options) (*sevenzip.ReadCloser, error) {
	fs := afero.NewOsFs()
	if opts.Password != "" {
		return sevenzip.OpenReaderWithPassword(archivePath, opts.Password, fs)
	}
	return sevenzip.OpenReader(archivePath, fs)
}

func (e *sevenZipExtractor) List(ctx context.Context, archivePath string, opts Options) ([]Entry, error) {
	r, err := e.open(archivePath, opts)
	if err != nil {
		return nil, e.wrap("list", archivePath, err)
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
			Path: f.Name,
			Size: int64(f.UncompressedSize),
		})
	}
	return entries, nil
}

func (e *sevenZipExtractor) Extract(ctx context.Context, archivePath, destDir string, opts Options) ([]string, error) {
	r, err := e.open(archivePath, opts)
	if err != nil {
		return nil, e.wrap("open", archivePath, err)
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

		target, err := safeJoin(destDir, f.Name)
		if err != nil {
			return nil, err
		}

		rc, err := f.Open()
		if err != nil {
			return nil, e.wrap("read", archivePath, err)
		}
		err = writeEntry(ctx, target, rc, f.Name, int64(f.UncompressedSize), opts.OnProgress)
		rc.Close()
		if err != nil {
			return nil, e.wrap("extract", archivePath, err)
		}
		written = append(written, target)
	}
	return written, nil
}

func (e *sevenZipExtractor) wrap(op, path string, err error) error {
	if isPasswordError(err) {
		return &ExtractionError{Path: path, Op: op, Err: fmt.Errorf("%w: %v", ErrPasswordRequired, err)}
	}
	return &ExtractionError{Path: path, Op: op, Err: err}
}
