// Package mount defines the lifecycle model of a mounted NZB: the status
// machine every other component transitions, and the store interface the
// persistence layer implements.
package mount

import (
	"context"
	"errors"
	"time"
)

// Status is the lifecycle state of a mount.
type Status string

const (
	StatusPending            Status = "pending"
	StatusParsing            Status = "parsing"
	StatusReady              Status = "ready"
	StatusRequiresExtraction Status = "requires_extraction"
	StatusDownloading        Status = "downloading"
	StatusExtracting         Status = "extracting"
	StatusError              Status = "error"
	StatusExpired            Status = "expired"
)

// Streamable reports whether the mount can serve byte ranges right now.
func (s Status) Streamable() bool {
	return s == StatusReady
}

// Terminal reports whether the mount will not transition further on its own.
func (s Status) Terminal() bool {
	return s == StatusError || s == StatusExpired
}

var (
	// ErrNotFound indicates the mount id is unknown.
	ErrNotFound = errors.New("mount: not found")
	// ErrNotReady indicates the mount exists but cannot serve ranges yet.
	ErrNotReady = errors.New("mount: not ready")
)

// Mount is one mounted NZB document.
type Mount struct {
	ID           string
	Name         string
	ContentHash  string
	RawManifest  []byte
	Status       Status
	StatusDetail string // human readable reason for error states

	// ExtractedPath is set once extraction produced a playable file on
	// disk. Empty for directly streamable mounts.
	ExtractedPath string
	ExtractedSize int64

	// Password applied during extraction, when the archive needs one.
	Password string

	CreatedAt    time.Time
	LastAccessAt time.Time
	ExpiresAt    time.Time // zero means no expiration scheduled
}

// Expired reports whether the mount's expiration has passed.
func (m *Mount) Expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && now.After(m.ExpiresAt)
}

// Store persists mounts and their lifecycle transitions.
type Store interface {
	CreateMount(ctx context.Context, m *Mount) error
	GetMount(ctx context.Context, id string) (*Mount, error)
	ListMounts(ctx context.Context) ([]*Mount, error)
	UpdateStatus(ctx context.Context, id string, status Status, detail string) error
	SetExtractedFile(ctx context.Context, id, path string, size int64) error
	SetExpiration(ctx context.Context, id string, expiresAt time.Time) error
	TouchMount(ctx context.Context, id string, accessedAt time.Time) error
	DeleteMount(ctx context.Context, id string) error
}
