package snapshot

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/jobboard-sync/internal/crawler"
)

// Source reads finished artifacts, normally the local output directory.
type Source interface {
	GetObject(ctx context.Context, path string) ([]byte, error)
}

// Uploader copies finished artifacts to a remote blob store under
// <run-date>/ and latest/.
type Uploader struct {
	src    Source
	dst    crawler.BlobStore
	logger *zap.Logger
	files  map[string]string
}

// NewUploader builds an Uploader. files maps object name to content type.
func NewUploader(src Source, dst crawler.BlobStore, files map[string]string, logger *zap.Logger) *Uploader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Uploader{src: src, dst: dst, files: files, logger: logger}
}

// Upload sends every file twice, once under the run date and once under
// latest/, all concurrently. It returns the URIs written.
func (u *Uploader) Upload(ctx context.Context, runDate time.Time) ([]string, error) {
	prefixes := []string{runDate.UTC().Format(time.DateOnly), "latest"}

	type job struct {
		name        string
		contentType string
		data        []byte
	}
	jobs := make([]job, 0, len(u.files))
	for name, contentType := range u.files {
		data, err := u.src.GetObject(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		jobs = append(jobs, job{name: name, contentType: contentType, data: data})
	}

	uris := make([]string, len(jobs)*len(prefixes))
	g, gctx := errgroup.WithContext(ctx)
	for i, j := range jobs {
		for k, prefix := range prefixes {
			slot := i*len(prefixes) + k
			g.Go(func() error {
				uri, err := u.dst.PutObject(gctx, path.Join(prefix, j.name), j.contentType, bytes.NewReader(j.data))
				if err != nil {
					return fmt.Errorf("upload %s/%s: %w", prefix, j.name, err)
				}
				uris[slot] = uri
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	u.logger.Info("snapshots uploaded", zap.Strings("uris", uris))
	return uris, nil
}
