package rarindex

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetectVolume(t *testing.T) {
	tests := []struct {
		name       string
		filename   string
		wantBase   string
		wantVolume int
		wantOK     bool
	}{
		{
			name:       "part naming first volume",
			filename:   "movie.part01.rar",
			wantBase:   "movie",
			wantVolume: 1,
			wantOK:     true,
		},
		{
			name:       "part naming later volume",
			filename:   "movie.part12.rar",
			wantBase:   "movie",
			wantVolume: 12,
			wantOK:     true,
		},
		{
			name:       "plain rar",
			filename:   "movie.rar",
			wantBase:   "movie",
			wantVolume: 1,
			wantOK:     true,
		},
		{
			name:       "r00 continuation",
			filename:   "movie.r00",
			wantBase:   "movie",
			wantVolume: 2,
			wantOK:     true,
		},
		{
			name:       "r14 continuation",
			filename:   "movie.r14",
			wantBase:   "movie",
			wantVolume: 16,
			wantOK:     true,
		},
		{
			name:       "numeric extension",
			filename:   "movie.001",
			wantBase:   "movie",
			wantVolume: 1,
			wantOK:     true,
		},
		{
			name:       "case insensitive",
			filename:   "MOVIE.PART03.RAR",
			wantBase:   "MOVIE",
			wantVolume: 3,
			wantOK:     true,
		},
		{
			name:     "not a volume",
			filename: "movie.mkv",
			wantOK:   false,
		},
		{
			name:     "nfo file",
			filename: "release.nfo",
			wantOK:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base, volume, ok := DetectVolume(tt.filename)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.wantBase, base)
				assert.Equal(t, tt.wantVolume, volume)
			}
		})
	}
}
