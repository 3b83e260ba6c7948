package download

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// LocalDownloader stores books in a directory on disk
type LocalDownloader struct {
	dir    string
	client *http.Client
	log    *zap.Logger
}

func NewLocalDownloader(dir string, client *http.Client, log *zap.Logger) *LocalDownloader {
	return &LocalDownloader{dir: dir, client: client, log: log.Named("download.local")}
}

func (d *LocalDownloader) Download(ctx context.Context, req Request) error {
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create download dir: %w", err)
	}

	body, err := fetch(ctx, d.client, req.URL)
	if err != nil {
		return err
	}
	defer body.Close()

	name := SanitizeFilename(req.Filename)
	tmp, err := os.CreateTemp(d.dir, ".download-*.part")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, body)
	if err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}

	dst := filepath.Join(d.dir, name)
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return fmt.Errorf("failed to move file into place: %w", err)
	}

	d.log.Info("book saved", zap.String("path", dst), zap.Int64("bytes", n))
	return nil
}
