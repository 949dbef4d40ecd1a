package extractor

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/javi11/rardecode/v2"
)

// rarExtractor extracts RAR4 and RAR5 archives, multi-volume included. The
// decoder resolves continuation volumes next to the opened one.
type rarExtractor struct{}

func (e *rarExtractor) Type() ArchiveType { return TypeRAR }

func (e *rarExtractor) options(opts Options) []rardecode.Option {
	ropts := []rardecode.Option{rardecode.SkipCheck}
	if opts.Password != "" {
		ropts = append(ropts, rardecode.Password(opts.Password))
	}
	return ropts
}

func (e *rarExtractor) List(ctx context.Context, archivePath string, opts Options) ([]Entry, error) {
	r, err := rardecode.OpenReader(archivePath, e.options(opts)...)
	if err != nil {
		return nil, e.wrap("list", archivePath, err)
	}
	defer r.Close()

	var entries []Entry
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		hdr, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, e.wrap("list", archivePath, err)
		}
		if hdr.IsDir {
			continue
		}
		entries = append(entries, Entry{
			Path: hdr.Name,
			Size: hdr.UnPackedSize,
		})
	}
	return entries, nil
}

func (e *rarExtractor) Extract(ctx context.Context, archivePath, destDir string, opts Options) ([]string, error) {
	r, err := rardecode.OpenReader(archivePath, e.options(opts)...)
	if err != nil {
		return nil, e.wrap("open", archivePath, err)
	}
	defer r.Close()

	var written []string
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		hdr, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, e.wrap("read", archivePath, err)
		}
		if hdr.IsDir {
			continue
		}
		if !opts.selects(hdr.Name) {
			continue
		}

		target, err := safeJoin(destDir, hdr.Name)
		if err != nil {
			return nil, err
		}
		if err := writeEntry(ctx, target, r, hdr.Name, hdr.UnPackedSize, opts.OnProgress); err != nil {
			return nil, e.wrap("extract", archivePath, err)
		}
		written = append(written, target)
	}
	return written, nil
}

func (e *rarExtractor) wrap(op, path string, err error) error {
	if isPasswordError(err) {
		return &ExtractionError{Path: path, Op: op, Err: fmt.Errorf("%w: %v", ErrPasswordRequired, err)}
	}
	return &ExtractionError{Path: path, Op: op, Err: err}
}

// writeEntry copies one archive entry to disk with cancellation checks and
// byte progress.
func writeEntry(ctx context.Context, target string, src io.Reader, entryPath string, total int64, onProgress ProgressFunc) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	out, err := os.Create(target)
	if err != nil {
		return err
	}
	defer out.Close()

	var written int64
	buf := make([]byte, 256*1024)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := out.Write(buf[:n]); err != nil {
				return err
			}
			written += int64(n)
			if onProgress != nil {
				onProgress(entryPath, written, total)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return readErr
		}
	}
	return out.Sync()
}
