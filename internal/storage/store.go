// Package storage selects the blob store used for discovery artifacts.
// The abstraction keeps the worker independent of where robots.txt and
// sitemap snapshots end up (GCS, the local filesystem, or memory).
package storage

import (
	"context"
	"fmt"
	"io"

	gstorage "cloud.google.com/go/storage"

	"github.com/ssoscout/loginscout/internal/config"
	"github.com/ssoscout/loginscout/internal/detect"
	"github.com/ssoscout/loginscout/internal/storage/gcs"
	"github.com/ssoscout/loginscout/internal/storage/local"
	"github.com/ssoscout/loginscout/internal/storage/memory"
)

// Noop discards artifacts. Used when artifact persistence is disabled.
type Noop struct{}

// PutObject drains the reader and reports a pseudo URI.
func (Noop) PutObject(_ context.Context, path string, _ string, r io.Reader) (string, error) {
	if _, err := io.Copy(io.Discard, r); err != nil {
		return "", fmt.Errorf("drain artifact: %w", err)
	}
	return "noop://" + path, nil
}

// New builds the artifact store selected by the configuration. The
// returned closer releases backend clients and is safe to call once.
func New(ctx context.Context, cfg config.StorageConfig) (detect.ArtifactStore, func() error, error) {
	noClose := func() error { return nil }
	switch cfg.Provider {
	case "local":
		store, err := local.New(local.Config{BaseDir: cfg.BaseDir})
		if err != nil {
			return nil, nil, fmt.Errorf("local artifact store: %w", err)
		}
		return store, noClose, nil
	case "memory":
		return memory.New(), noClose, nil
	case "gcs":
		client, err := gstorage.NewClient(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("gcs client: %w", err)
		}
		store, err := gcs.New(client, gcs.Config{Bucket: cfg.GCSBucket})
		if err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("gcs artifact store: %w", err)
		}
		return store, client.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage provider %q", cfg.Provider)
	}
}
