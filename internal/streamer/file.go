package streamer

import (
	"fmt"
	"io"
	"os"
)

var _ io.ReadSeekCloser = (*FileReader)(nil)

// FileReader serves ranges of an already extracted local file.
type FileReader struct {
	f    *os.File
	size int64
}

// OpenFileReader opens an extracted file for ranged reads.
func OpenFileReader(path string) (*FileReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("streamer: open extracted file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("streamer: stat extracted file: %w", err)
	}
	return &FileReader{f: f, size: info.Size()}, nil
}

func (r *FileReader) Read(p []byte) (int, error) {
	return r.f.Read(p)
}

func (r *FileReader) Seek(offset int64, whence int) (int64, error) {
	return r.f.Seek(offset, whence)
}

func (r *FileReader) Close() error {
	return r.f.Close()
}

// Size returns the file's byte size at open time.
func (r *FileReader) Size() int64 {
	return r.size
}
