package rarindex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrNoVolumes indicates that assembly was requested with an empty volume list.
var ErrNoVolumes = errors.New("rarindex: no archive volumes")

// DefaultHeaderPrefixSize bounds how many leading bytes are fetched per
// volume to enumerate its headers. Archives whose header region exceeds this
// bound fail closed into the extraction path.
const DefaultHeaderPrefixSize = 64 * 1024

// SegmentRef is the minimal segment view the assembler needs to fetch a
// volume prefix.
type SegmentRef struct {
	MessageID string
	Bytes     int64
}

// VolumeSource describes one archive volume inside a manifest.
type VolumeSource struct {
	Name              string
	VolumeNumber      int
	ManifestFileIndex int
	Segments          []SegmentRef
}

// ArticleFetcher fetches one decoded article body by message id.
type ArticleFetcher interface {
	GetDecodedArticle(ctx context.Context, messageID string) ([]byte, error)
}

// Span maps a contiguous run of a logical file onto one volume.
type Span struct {
	VolumeIndex   int
	VolumeOffset  int64
	LogicalOffset int64
	Length        int64
}

// File is one logical file spanning volumes.
type File struct {
	Name              string
	Size              int64
	IsEncrypted       bool
	CompressionMethod int
	Spans             []Span
}

// Volume is one parsed volume of an assembled archive.
type Volume struct {
	Number            int
	Name              string
	ManifestFileIndex int
	Header            *VolumeHeader
}

// Archive is the merged view of all volumes of one multi-volume RAR.
type Archive struct {
	BaseName         string
	Volumes          []Volume
	Files            []*File
	TotalSize        int64
	IsEncrypted      bool
	IsStreamable     bool
	HeadersEncrypted bool
}

// Assembler merges per-volume headers into one logical archive.
type Assembler struct {
	fetcher    ArticleFetcher
	prefixSize int64
	log        *slog.Logger
}

// NewAssembler creates an assembler. A non-positive prefixSize uses
// DefaultHeaderPrefixSize.
func NewAssembler(fetcher ArticleFetcher, prefixSize int64) *Assembler {
	if prefixSize <= 0 {
		prefixSize = DefaultHeaderPrefixSize
	}
	return &Assembler{
		fetcher:    fetcher,
		prefixSize: prefixSize,
		log:        slog.Default().With("component", "rar-assembler"),
	}
}

// Assemble fetches a bounded prefix of every volume, parses the headers and
// merges them into a single Archive with global byte spans. Header parse
// failures propagate; there is no partial assembly.
func (a *Assembler) Assemble(ctx context.Context, volumes []VolumeSource) (*Archive, error) {
	if len(volumes) == 0 {
		return nil, ErrNoVolumes
	}

	baseName := volumes[0].Name
	if base, _, ok := DetectVolume(volumes[0].Name); ok {
		baseName = base
	}

	arc := &Archive{BaseName: baseName, IsStreamable: true}
	fileOrder := []string{}
	fileByName := map[string]*File{}

	for volIdx, src := range volumes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		prefix, err := a.fetchPrefix(ctx, src)
		if err != nil {
			return nil, fmt.Errorf("fetch header prefix of %s: %w", src.Name, err)
		}

		header, err := ParseVolumeHeader(prefix)
		if err != nil {
			return nil, fmt.Errorf("parse headers of %s: %w", src.Name, err)
		}

		arc.Volumes = append(arc.Volumes, Volume{
			Number:            src.VolumeNumber,
			Name:              src.Name,
			ManifestFileIndex: src.ManifestFileIndex,
			Header:            header,
		})

		if header.HeadersEncrypted {
			arc.HeadersEncrypted = true
			arc.IsEncrypted = true
			arc.IsStreamable = false
			continue
		}

		for _, entry := range header.Entries {
			f, ok := fileByName[entry.Name]
			if !ok {
				f = &File{
					Name:              entry.Name,
					Size:              entry.UncompressedSize,
					CompressionMethod: entry.CompressionMethod,
				}
				fileByName[entry.Name] = f
				fileOrder = append(fileOrder, entry.Name)
			}
			if f.Size == 0 && entry.UncompressedSize > 0 {
				f.Size = entry.UncompressedSize
			}
			if entry.IsEncrypted {
				f.IsEncrypted = true
				arc.IsEncrypted = true
			}
			if entry.CompressionMethod != 0 {
				arc.IsStreamable = false
			}

			logicalOffset := int64(0)
			if n := len(f.Spans); n > 0 {
				last := f.Spans[n-1]
				logicalOffset = last.LogicalOffset + last.Length
			}
			f.Spans = append(f.Spans, Span{
				VolumeIndex:   volIdx,
				VolumeOffset:  entry.DataOffset,
				LogicalOffset: logicalOffset,
				Length:        entry.CompressedSize,
			})
		}
	}

	if arc.IsEncrypted {
		arc.IsStreamable = false
	}

	for _, name := range fileOrder {
		f := fileByName[name]
		if err := f.validateSpans(); err != nil {
			return nil, err
		}
		arc.Files = append(arc.Files, f)
		arc.TotalSize += f.Size
	}

	a.log.DebugContext(ctx, "Assembled archive",
		"base", arc.BaseName,
		"volumes", len(arc.Volumes),
		"files", len(arc.Files),
		"streamable", arc.IsStreamable)

	return arc, nil
}

// fetchPrefix downloads just enough leading segments of the volume to cover
// the configured header prefix bound.
func (a *Assembler) fetchPrefix(ctx context.Context, src VolumeSource) ([]byte, error) {
	buf := make([]byte, 0, a.prefixSize)
	for _, seg := range src.Segments {
		data, err := a.fetcher.GetDecodedArticle(ctx, seg.MessageID)
		if err != nil {
			return nil, err
		}
		buf = append(buf, data...)
		if int64(len(buf)) >= a.prefixSize {
			return buf[:a.prefixSize], nil
		}
	}
	return buf, nil
}

// validateSpans enforces that the spans partition [0, size) exactly: ordered,
// no gap, no overlap.
func (f *File) validateSpans() error {
	var covered int64
	for i, s := range f.Spans {
		if s.LogicalOffset != covered {
			return fmt.Errorf("rarindex: span %d of %q starts at %d, want %d (gap or overlap)",
				i, f.Name, s.LogicalOffset, covered)
		}
		if s.Length < 0 {
			return fmt.Errorf("rarindex: span %d of %q has negative length", i, f.Name)
		}
		covered += s.Length
	}
	if f.Size == 0 {
		f.Size = covered
	}
	if covered != f.Size {
		return fmt.Errorf("rarindex: spans of %q cover %d bytes, want %d", f.Name, covered, f.Size)
	}
	return nil
}

// SpanRead is one clipped, volume-translated read produced by ResolveRange.
type SpanRead struct {
	VolumeIndex   int
	VolumeOffset  int64
	LogicalOffset int64
	Length        int64
}

// ResolveRange returns the ordered subset of spans intersecting the logical
// byte range [start, end] (inclusive), each clipped to the intersection and
// translated to a volume offset.
func (f *File) ResolveRange(start, end int64) ([]SpanRead, error) {
	if start < 0 || end >= f.Size || start > end {
		return nil, fmt.Errorf("rarindex: range [%d, %d] outside file %q of size %d", start, end, f.Name, f.Size)
	}

	var reads []SpanRead
	for _, s := range f.Spans {
		spanEnd := s.LogicalOffset + s.Length - 1
		if spanEnd < start || s.LogicalOffset > end {
			continue
		}
		readStart := max(start, s.LogicalOffset)
		readEnd := min(end, spanEnd)
		reads = append(reads, SpanRead{
			VolumeIndex:   s.VolumeIndex,
			VolumeOffset:  s.VolumeOffset + (readStart - s.LogicalOffset),
			LogicalOffset: readStart,
			Length:        readEnd - readStart + 1,
		})
	}
	return reads, nil
}

// LargestFile returns the biggest logical file in the archive, or nil.
func (a *Archive) LargestFile() *File {
	var best *File
	for _, f := range a.Files {
		if best == nil || f.Size > best.Size {
			best = f
		}
	}
	return best
}

// LargestMediaFile returns the biggest logical file whose name matches the
// media extension set, falling back to the biggest file overall.
func (a *Archive) LargestMediaFile(isMedia func(string) bool) *File {
	var best *File
	for _, f := range a.Files {
		if !isMedia(f.Name) {
			continue
		}
		if best == nil || f.Size > best.Size {
			best = f
		}
	}
	if best == nil {
		best = a.LargestFile()
	}
	return best
}
