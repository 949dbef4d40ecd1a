// Package manifest parses NZB documents into an ordered, deterministic
// description of the files and segments they reference.
package manifest

import (
	"sort"
	"time"
)

// Segment is one addressable article of a file.
type Segment struct {
	MessageID string
	Number    int   // 1-based position within the file
	Bytes     int64 // declared article payload size
}

// File is a single file described by the manifest.
type File struct {
	Index           int
	Name            string
	Poster          string
	PostDate        time.Time
	Subject         string
	Groups          []string
	Segments        []Segment // sorted ascending by Number, no duplicates
	TotalSize       int64     // sum of segment sizes
	IsArchiveVolume bool
	VolumeNumber    int // meaningful only when IsArchiveVolume
}

// Manifest is the parsed form of one NZB document.
type Manifest struct {
	ContentHash string // hex sha256 of the raw document
	Files       []File // sorted by name, re-indexed 0..n-1
	TotalSize   int64
	Groups      []string // deduplicated, sorted
}

// MediaCandidates returns the files that can carry playable content:
// media-typed plain files first, then archive volumes ordered by volume
// number ascending.
func (m *Manifest) MediaCandidates() []File {
	var plain, volumes []File
	for _, f := range m.Files {
		switch {
		case f.IsArchiveVolume:
			volumes = append(volumes, f)
		case isMediaName(f.Name):
			plain = append(plain, f)
		}
	}
	sort.SliceStable(volumes, func(i, j int) bool {
		return volumes[i].VolumeNumber < volumes[j].VolumeNumber
	})
	return append(plain, volumes...)
}

// ArchiveVolumes returns only the archive-volume files, ordered by volume number.
func (m *Manifest) ArchiveVolumes() []File {
	var volumes []File
	for _, f := range m.Files {
		if f.IsArchiveVolume {
			volumes = append(volumes, f)
		}
	}
	sort.SliceStable(volumes, func(i, j int) bool {
		return volumes[i].VolumeNumber < volumes[j].VolumeNumber
	})
	return volumes
}

// FileByIndex returns the file with the given index, or nil.
func (m *Manifest) FileByIndex(index int) *File {
	if index < 0 || index >= len(m.Files) {
		return nil
	}
	return &m.Files[index]
}
