package manifest

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/javi11/nzbparser"

	"github.com/javi11/nzbstream/internal/pathutil"
	"github.com/javi11/nzbstream/internal/rarindex"
)

// ErrInvalidManifest indicates a structurally malformed NZB document.
// It is fatal and must not be retried.
var ErrInvalidManifest = errors.New("manifest: invalid NZB document")

var (
	quotedNamePattern = regexp.MustCompile(`"([^"]+)"`)
	yencNamePattern   = regexp.MustCompile(`(?i)(\S+)\s+yEnc\s+\(\d+/\d+\)`)
	// A token with a file extension of 2-4 alphanumeric characters.
	extensionPattern = regexp.MustCompile(`(\S+\.[A-Za-z0-9]{2,4})(?:\s|$)`)
)

const maxSubjectFallbackLen = 80

// Parse decodes raw NZB bytes into a Manifest. The result is deterministic:
// files are sorted by name and re-indexed, segments sorted by number.
func Parse(data []byte) (*Manifest, error) {
	doc, err := nzbparser.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidManifest, err.Error())
	}
	if doc == nil || len(doc.Files) == 0 {
		return nil, fmt.Errorf("%w: no file elements", ErrInvalidManifest)
	}

	sum := sha256.Sum256(data)

	m := &Manifest{ContentHash: hex.EncodeToString(sum[:])}
	groupSet := make(map[string]struct{})

	for _, nf := range doc.Files {
		segments := parseSegments(nf.Segments)
		if len(segments) == 0 {
			continue
		}

		name := RecoverFilename(nf.Subject)
		if name == "" {
			name = nf.Filename
		}

		var total int64
		for _, s := range segments {
			total += s.Bytes
		}

		f := File{
			Name:      name,
			Poster:    nf.Poster,
			PostDate:  time.Unix(int64(nf.Date), 0).UTC(),
			Subject:   nf.Subject,
			Groups:    append([]string(nil), nf.Groups...),
			Segments:  segments,
			TotalSize: total,
		}
		if _, vol, ok := rarindex.DetectVolume(name); ok {
			f.IsArchiveVolume = true
			f.VolumeNumber = vol
		}

		for _, g := range nf.Groups {
			if g = strings.TrimSpace(g); g != "" {
				groupSet[g] = struct{}{}
			}
		}

		m.Files = append(m.Files, f)
		m.TotalSize += total
	}

	if len(m.Files) == 0 {
		return nil, fmt.Errorf("%w: no files with valid segments", ErrInvalidManifest)
	}

	// Deterministic ordering regardless of document order
	sort.SliceStable(m.Files, func(i, j int) bool { return m.Files[i].Name < m.Files[j].Name })
	for i := range m.Files {
		m.Files[i].Index = i
	}

	m.Groups = make([]string, 0, len(groupSet))
	for g := range groupSet {
		m.Groups = append(m.Groups, g)
	}
	sort.Strings(m.Groups)

	return m, nil
}

// parseSegments drops segments with a missing id or non-positive number,
// sorts the remainder ascending by number and removes duplicates.
func parseSegments(in []nzbparser.NzbSegment) []Segment {
	out := make([]Segment, 0, len(in))
	for _, s := range in {
		id := strings.TrimSpace(s.ID)
		if id == "" || s.Number <= 0 {
			continue
		}
		out = append(out, Segment{MessageID: id, Number: s.Number, Bytes: int64(s.Bytes)})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Number < out[j].Number })

	deduped := out[:0]
	lastNumber := 0
	for _, s := range out {
		if s.Number == lastNumber {
			continue
		}
		deduped = append(deduped, s)
		lastNumber = s.Number
	}
	return deduped
}

// RecoverFilename extracts the original filename from an article subject line.
// Priority: quoted string, token before a yEnc (n/m) marker, any token with a
// file extension, then a truncated subject as last resort.
func RecoverFilename(subject string) string {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return ""
	}

	if m := quotedNamePattern.FindStringSubmatch(subject); m != nil {
		if name := strings.TrimSpace(m[1]); name != "" {
			return name
		}
	}

	if m := yencNamePattern.FindStringSubmatch(subject); m != nil {
		if name := strings.Trim(m[1], `"`); name != "" {
			return name
		}
	}

	if m := extensionPattern.FindStringSubmatch(subject); m != nil {
		if name := strings.Trim(m[1], `"`); name != "" {
			return name
		}
	}

	if len(subject) > maxSubjectFallbackLen {
		return subject[:maxSubjectFallbackLen]
	}
	return subject
}

func isMediaName(name string) bool {
	return pathutil.IsMediaFile(name)
}
