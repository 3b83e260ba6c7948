// Package download saves a finished book somewhere the user can pick it up.
package download

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/epubpress/courier/internal/model"
)

// Request describes one file to fetch and store
type Request struct {
	Filename string
	URL      string
}

// Downloader fetches Request.URL and stores it under Request.Filename. It
// returns once the file is completely stored.
type Downloader interface {
	Download(ctx context.Context, req Request) error
}

const (
	maxFilenameBytes = 255
	maxExtBytes      = 16
)

// SanitizeFilename makes name safe to use as a single path element. Path
// separators, control and reserved characters become underscores, and the
// result is capped at 255 bytes keeping the extension.
func SanitizeFilename(name string) string {
	ext := filepath.Ext(name)
	if len(ext) > maxExtBytes || strings.ContainsAny(ext, `/\`) {
		ext = ""
	}
	base := strings.TrimSuffix(name, ext)

	clean := func(s string) string {
		return strings.Map(func(r rune) rune {
			if unicode.IsControl(r) || strings.ContainsRune(`/\:*?"<>|`, r) {
				return '_'
			}
			return r
		}, s)
	}
	base = strings.Trim(clean(base), " .")
	ext = clean(ext)
	if base == "" || strings.Trim(base, "_") == "" {
		base = model.DefaultTitle
	}

	for len(base)+len(ext) > maxFilenameBytes {
		_, size := utf8.DecodeLastRuneInString(base)
		base = base[:len(base)-size]
	}
	return base + ext
}

// fetch opens the body of url. The caller closes it.
func fetch(ctx context.Context, client *http.Client, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	return resp.Body, nil
}
