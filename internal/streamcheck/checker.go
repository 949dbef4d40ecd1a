// Package streamcheck decides whether mounted content can be streamed
// directly from the article source or needs the extraction path first.
package streamcheck

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/javi11/nzbstream/internal/manifest"
	"github.com/javi11/nzbstream/internal/pathutil"
	"github.com/javi11/nzbstream/internal/rarindex"
)

// ErrNoPlayableContent indicates the manifest carries no files at all.
var ErrNoPlayableContent = errors.New("streamcheck: no playable content in manifest")

// Verdict classifies how a mount can be served.
type Verdict string

const (
	// VerdictDirect streams a plain media file segment by segment.
	VerdictDirect Verdict = "direct"
	// VerdictArchive streams a stored file straight out of its volumes.
	VerdictArchive Verdict = "archive"
	// VerdictRequiresExtraction needs the download-and-extract path.
	VerdictRequiresExtraction Verdict = "requires_extraction"
	// VerdictRequiresPassword needs a password before anything can proceed.
	VerdictRequiresPassword Verdict = "requires_password"
)

// Result is the outcome of a streamability check.
type Result struct {
	Verdict Verdict
	Reason  string

	// DirectFile is set for VerdictDirect.
	DirectFile *manifest.File

	// Archive and ArchiveFile are set for VerdictArchive; Archive is also
	// set for archive-shaped verdicts where assembly succeeded.
	Archive     *rarindex.Archive
	ArchiveFile *rarindex.File
}

// Streamable reports whether ranges can be served without extraction.
func (r *Result) Streamable() bool {
	return r.Verdict == VerdictDirect || r.Verdict == VerdictArchive
}

// Checker evaluates manifests against the streamability rules.
type Checker struct {
	assembler *rarindex.Assembler
	archives  *ArchiveCache
	log       *slog.Logger
}

// NewChecker creates a checker sharing the given archive cache.
func NewChecker(assembler *rarindex.Assembler, archives *ArchiveCache) *Checker {
	return &Checker{
		assembler: assembler,
		archives:  archives,
		log:       slog.Default().With("component", "streamcheck"),
	}
}

// Check classifies a manifest. Plain media files win over archives: a
// manifest shipping both a .mkv and RAR volumes streams the .mkv directly
// and never pays for header assembly. A manifest with no archive volumes
// at all is always directly streamable, media-typed or not.
func (c *Checker) Check(ctx context.Context, m *manifest.Manifest) (*Result, error) {
	var largestPlain, largestMedia *manifest.File
	for i := range m.Files {
		f := &m.Files[i]
		if f.IsArchiveVolume {
			continue
		}
		if largestPlain == nil || f.TotalSize > largestPlain.TotalSize {
			largestPlain = f
		}
		if !pathutil.IsMediaFile(f.Name) {
			continue
		}
		if largestMedia == nil || f.TotalSize > largestMedia.TotalSize {
			largestMedia = f
		}
	}
	if largestMedia != nil {
		return &Result{
			Verdict:    VerdictDirect,
			Reason:     "plain media file",
			DirectFile: largestMedia,
		}, nil
	}

	volumes := m.ArchiveVolumes()
	if len(volumes) == 0 {
		if largestPlain == nil {
			return nil, ErrNoPlayableContent
		}
		return &Result{
			Verdict:    VerdictDirect,
			Reason:     "no archive volumes",
			DirectFile: largestPlain,
		}, nil
	}

	arc, err := c.archives.GetOrAssemble(ctx, m.ContentHash, func(ctx context.Context) (*rarindex.Archive, error) {
		return c.assembler.Assemble(ctx, volumeSources(volumes))
	})
	if err != nil {
		if errors.Is(err, rarindex.ErrHeaderParse) {
			// Headers we cannot read are not proof of anything; the
			// extraction path gets to decide.
			c.log.WarnContext(ctx, "Volume headers unreadable, deferring to extraction",
				"content_hash", m.ContentHash, "error", err)
			return &Result{
				Verdict: VerdictRequiresExtraction,
				Reason:  fmt.Sprintf("volume headers unreadable: %v", err),
			}, nil
		}
		return nil, err
	}

	switch {
	case arc.HeadersEncrypted:
		return &Result{
			Verdict: VerdictRequiresPassword,
			Reason:  "archive headers are encrypted",
			Archive: arc,
		}, nil
	case arc.IsEncrypted:
		return &Result{
			Verdict: VerdictRequiresPassword,
			Reason:  "archive contents are encrypted",
			Archive: arc,
		}, nil
	case !arc.IsStreamable:
		return &Result{
			Verdict: VerdictRequiresExtraction,
			Reason:  compressionReason(arc),
			Archive: arc,
		}, nil
	}

	target := arc.LargestMediaFile(pathutil.IsMediaFile)
	if target == nil {
		return &Result{
			Verdict: VerdictRequiresExtraction,
			Reason:  "no files inside archive",
			Archive: arc,
		}, nil
	}

	return &Result{
		Verdict:     VerdictArchive,
		Reason:      "stored archive",
		Archive:     arc,
		ArchiveFile: target,
	}, nil
}

// compressionReason names the first compressed entry so the caller can see
// what blocked direct streaming.
func compressionReason(arc *rarindex.Archive) string {
	for _, f := range arc.Files {
		if f.CompressionMethod != 0 {
			return fmt.Sprintf("entry %s uses compression method %d", f.Name, f.CompressionMethod)
		}
	}
	return "archive uses compression"
}

func volumeSources(volumes []manifest.File) []rarindex.VolumeSource {
	sources := make([]rarindex.VolumeSource, 0, len(volumes))
	for _, v := range volumes {
		src := rarindex.VolumeSource{
			Name:              v.Name,
			VolumeNumber:      v.VolumeNumber,
			ManifestFileIndex: v.Index,
		}
		for _, s := range v.Segments {
			src.Segments = append(src.Segments, rarindex.SegmentRef{
				MessageID: s.MessageID,
				Bytes:     s.Bytes,
			})
		}
		sources = append(sources, src)
	}
	return sources
}
