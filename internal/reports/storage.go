package reports

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	ErrNotFound    = errors.New("report not found")
	ErrInvalidName = errors.New("invalid report name")
)

// StoredReport is one report found in storage.
type StoredReport struct {
	Name     string
	Modified time.Time
}

// Storage defines where rendered reports are kept.
type Storage interface {
	Save(ctx context.Context, name string, data io.Reader, size int64) (int64, error)
	Load(ctx context.Context, name string) (io.ReadCloser, error)
	Delete(ctx context.Context, name string) error
	List(ctx context.Context) ([]StoredReport, error)
}

// PublicURLProvider is an optional interface for backends that can serve
// reports directly (e.g. public B2 buckets).
type PublicURLProvider interface {
	// GetPublicURL returns the public URL for a report, or empty string if not available.
	GetPublicURL(name string) string
}
