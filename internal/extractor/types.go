// Package extractor detects archive formats and extracts their contents to
// local disk.
package extractor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ArchiveType identifies a supported archive format.
type ArchiveType string

const (
	TypeUnknown  ArchiveType = ""
	TypeRAR      ArchiveType = "rar"
	TypeSevenZip ArchiveType = "7z"
	TypeZip      ArchiveType = "zip"
)

var (
	// ErrUnsupportedArchive indicates the file is not a recognized archive.
	ErrUnsupportedArchive = errors.New("extractor: unsupported archive format")
	// ErrPasswordRequired indicates the archive needs a password that was
	// not supplied or did not match.
	ErrPasswordRequired = errors.New("extractor: archive requires a password")
)

// ExtractionError wraps a failure with the archive it occurred on.
type ExtractionError struct {
	Path string
	Op   string
	Err  error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extractor: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// Entry is one file inside an archive.
type Entry struct {
	Path       string
	Size       int64
	Compressed bool
	Encrypted  bool
}

// ProgressFunc receives byte progress while an entry is being written.
type ProgressFunc func(entryPath string, written, total int64)

// Options tune listing and extraction.
type Options struct {
	Password string
	// Include filters entries by archive path; nil keeps everything.
	Include func(path string) bool
	// Exclude drops entries by archive path and wins over Include.
	Exclude    func(path string) bool
	OnProgress ProgressFunc
}

// selects reports whether the filters keep an entry path.
func (o Options) selects(path string) bool {
	if o.Exclude != nil && o.Exclude(path) {
		return false
	}
	return o.Include == nil || o.Include(path)
}

// Extractor lists and extracts one archive format.
type Extractor interface {
	Type() ArchiveType
	List(ctx context.Context, archivePath string, opts Options) ([]Entry, error)
	// Extract writes the selected entries under destDir and returns their
	// local paths.
	Extract(ctx context.Context, archivePath, destDir string, opts Options) ([]string, error)
}

var (
	sigRAR4 = []byte("Rar!\x1A\x07\x00")
	sigRAR5 = []byte("Rar!\x1A\x07\x01\x00")
	sig7z   = []byte("7z\xBC\xAF\x27\x1C")
	sigZip  = []byte("PK\x03\x04")
	// Empty and spanned zip archives carry different end markers.
	sigZipEmpty   = []byte("PK\x05\x06")
	sigZipSpanned = []byte("PK\x07\x08")
)

// DetectType sniffs the archive format from the file's leading bytes,
// falling back to the extension when the file cannot be read.
func DetectType(path string) ArchiveType {
	f, err := os.Open(path)
	if err != nil {
		return detectByExtension(path)
	}
	defer f.Close()

	head := make([]byte, 8)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return detectByExtension(path)
	}
	return DetectTypeFromBytes(head[:n])
}

// DetectTypeFromBytes sniffs the archive format from leading bytes.
func DetectTypeFromBytes(head []byte) ArchiveType {
	switch {
	case bytes.HasPrefix(head, sigRAR5), bytes.HasPrefix(head, sigRAR4):
		return TypeRAR
	case bytes.HasPrefix(head, sig7z):
		return TypeSevenZip
	case bytes.HasPrefix(head, sigZip),
		bytes.HasPrefix(head, sigZipEmpty),
		bytes.HasPrefix(head, sigZipSpanned):
		return TypeZip
	default:
		return TypeUnknown
	}
}

func detectByExtension(path string) ArchiveType {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".rar":
		return TypeRAR
	case ".7z":
		return TypeSevenZip
	case ".zip":
		return TypeZip
	default:
		return TypeUnknown
	}
}

// ForType returns the extractor for a detected archive type.
func ForType(t ArchiveType) (Extractor, error) {
	switch t {
	case TypeRAR:
		return &rarExtractor{}, nil
	case TypeSevenZip:
		return &sevenZipExtractor{}, nil
	case TypeZip:
		return &zipExtractor{}, nil
	default:
		return nil, ErrUnsupportedArchive
	}
}

// ForPath sniffs the archive at path and returns a matching extractor.
func ForPath(path string) (Extractor, error) {
	return ForType(DetectType(path))
}

// safeJoin joins an archive entry path under destDir and rejects traversal
// outside of it.
func safeJoin(destDir, entryPath string) (string, error) {
	cleaned := filepath.Clean(strings.ReplaceAll(entryPath, "\\", "/"))
	target := filepath.Join(destDir, cleaned)
	if !strings.HasPrefix(target, filepath.Clean(destDir)+string(os.PathSeparator)) {
		return "", fmt.Errorf("extractor: entry path %q escapes destination", entryPath)
	}
	return target, nil
}

// isPasswordError maps library failures onto ErrPasswordRequired.
func isPasswordError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "password") ||
		strings.Contains(msg, "encrypted") ||
		strings.Contains(msg, "decrypt")
}
