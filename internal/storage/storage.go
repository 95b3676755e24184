package storage

import "context"

// Storage persists job archive artifacts (output manifests and any
// staged output files small enough to inline).
type Storage interface {
	Upload(ctx context.Context, objectPath string, data []byte) error
	Download(ctx context.Context, objectPath string) ([]byte, error)
	Close()
}
