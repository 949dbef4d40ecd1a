package pathutil

import (
	"path/filepath"
	"strings"
)

// mediaExtensions is the fixed set of file extensions treated as playable media.
var mediaExtensions = map[string]struct{}{
	".mkv":  {},
	".mp4":  {},
	".avi":  {},
	".m4v":  {},
	".mov":  {},
	".wmv":  {},
	".ts":   {},
	".m2ts": {},
	".mpg":  {},
	".mpeg": {},
	".webm": {},
	".flac": {},
	".mp3":  {},
	".aac":  {},
	".ogg":  {},
	".wav":  {},
}

// mimeTypes maps media extensions to their HTTP content types.
// Unknown extensions fall back to application/octet-stream.
var mimeTypes = map[string]string{
	".mkv":  "video/x-matroska",
	".mp4":  "video/mp4",
	".m4v":  "video/mp4",
	".avi":  "video/x-msvideo",
	".mov":  "video/quicktime",
	".wmv":  "video/x-ms-wmv",
	".ts":   "video/mp2t",
	".m2ts": "video/mp2t",
	".mpg":  "video/mpeg",
	".mpeg": "video/mpeg",
	".webm": "video/webm",
	".flac": "audio/flac",
	".mp3":  "audio/mpeg",
	".aac":  "audio/aac",
	".ogg":  "audio/ogg",
	".wav":  "audio/wav",
}

// IsMediaFile reports whether the filename has a recognized media extension.
func IsMediaFile(name string) bool {
	_, ok := mediaExtensions[strings.ToLower(filepath.Ext(name))]
	return ok
}

// ContentTypeFor returns the HTTP content type for a filename based on its extension.
func ContentTypeFor(name string) string {
	if ct, ok := mimeTypes[strings.ToLower(filepath.Ext(name))]; ok {
		return ct
	}
	return "application/octet-stream"
}
