// Package archive copies downloaded media into a blob store keyed by content
// digest.
package archive

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/JakeFAU/media-task-service/internal/metrics"
	"github.com/JakeFAU/media-task-service/internal/task"
)

const defaultContentType = "application/octet-stream"

// Hasher digests a file on disk.
type Hasher interface {
	HashFile(path string) (digest string, size int64, err error)
}

// Config controls object naming.
type Config struct {
	Prefix string
}

// Archiver uploads completed downloads.
type Archiver struct {
	blobs  task.BlobStore
	hasher Hasher
	cfg    Config
}

// New returns an Archiver writing to blobs.
func New(blobs task.BlobStore, hasher Hasher, cfg Config) *Archiver {
	return &Archiver{blobs: blobs, hasher: hasher, cfg: cfg}
}

// Archive uploads the file recorded in result and returns its URI.
func (a *Archiver) Archive(ctx context.Context, taskID string, result task.Result) (string, error) {
	uri, size, err := a.archive(ctx, taskID, result)
	metrics.ObserveArchiveUpload(err == nil, size)
	return uri, err
}

func (a *Archiver) archive(ctx context.Context, taskID string, result task.Result) (string, int64, error) {
	path := result.Filename()
	if path == "" {
		return "", 0, errors.New("result has no file path")
	}
	digest, size, err := a.hasher.HashFile(path)
	if err != nil {
		return "", 0, fmt.Errorf("hash %s: %w", path, err)
	}

	f, err := os.Open(path) //nolint:gosec // path comes from the extractor's output directory
	if err != nil {
		return "", 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	ext := strings.ToLower(filepath.Ext(path))
	contentType := mime.TypeByExtension(ext)
	if contentType == "" {
		contentType = defaultContentType
	}
	uri, err := a.blobs.PutObject(ctx, a.objectPath(taskID, digest, ext), contentType, f)
	if err != nil {
		return "", 0, fmt.Errorf("put object: %w", err)
	}
	return uri, size, nil
}

func (a *Archiver) objectPath(taskID, digest, ext string) string {
	prefix := strings.Trim(a.cfg.Prefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s%s", taskID, digest, ext)
	}
	return fmt.Sprintf("%s/%s/%s%s", prefix, taskID, digest, ext)
}
