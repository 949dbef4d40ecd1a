// Package rarindex parses RAR volume headers from bounded byte prefixes and
// assembles multi-volume archives into logical files with global byte spans.
package rarindex

import (
	"regexp"
	"strconv"
)

// Pre-compiled patterns for RAR volume naming schemes.
var (
	// name.part01.rar -> volume 1
	partPattern = regexp.MustCompile(`(?i)^(.+)\.part(\d+)\.rar$`)
	// name.rar -> volume 1
	plainPattern = regexp.MustCompile(`(?i)^(.+)\.rar$`)
	// name.r00 -> volume 2 (continuation of name.rar)
	continuationPattern = regexp.MustCompile(`(?i)^(.+)\.r(\d+)$`)
	// name.001 -> volume 1 (numbered volume scheme)
	numericPattern = regexp.MustCompile(`^(.+)\.(\d{3})$`)
)

// DetectVolume recognizes RAR volume filenames. It returns the base release
// name, the 1-based volume number and whether the name matched any scheme.
func DetectVolume(filename string) (base string, volume int, ok bool) {
	if m := partPattern.FindStringSubmatch(filename); m != nil {
		n, err := strconv.Atoi(m[2])
		if err != nil || n <= 0 {
			return "", 0, false
		}
		return m[1], n, true
	}
	if m := continuationPattern.FindStringSubmatch(filename); m != nil {
		// .rNN continues a .rar first volume: .r00 is the second volume.
		n, err := strconv.Atoi(m[2])
		if err != nil {
			return "", 0, false
		}
		return m[1], n + 2, true
	}
	if m := plainPattern.FindStringSubmatch(filename); m != nil {
		return m[1], 1, true
	}
	if m := numericPattern.FindStringSubmatch(filename); m != nil {
		n, err := strconv.Atoi(m[2])
		if err != nil || n <= 0 {
			return "", 0, false
		}
		return m[1], n, true
	}
	return "", 0, false
}
