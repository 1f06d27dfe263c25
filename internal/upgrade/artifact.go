package upgrade

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// ErrUnsafeArtifactPath means the version or file name would leave the artifact directory
var ErrUnsafeArtifactPath = errors.New("artifact path escapes the artifact directory")

// Fetcher downloads replacement binaries
type Fetcher struct {
	client *retryablehttp.Client
	dir    string
}

// NewFetcher stores downloads in dir
func NewFetcher(dir string, logger *slog.Logger) *Fetcher {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = time.Second
	client.RetryWaitMax = 10 * time.Second
	client.Logger = nil
	if logger != nil {
		client.Logger = logger
	}
	return &Fetcher{client: client, dir: dir}
}

// Fetch downloads rawURL for version and returns the path of an executable file
func (f *Fetcher) Fetch(ctx context.Context, rawURL, version string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse artifact url: %w", err)
	}
	name := path.Base(u.Path)
	if name == "." || name == "/" || name == "" {
		name = "delegate"
	}
	// Both values come from the manager.
	if !filepath.IsLocal(version) || !filepath.IsLocal(name) {
		return "", fmt.Errorf("%w: version %q, file %q", ErrUnsafeArtifactPath, version, name)
	}

	dir := filepath.Join(f.dir, version)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}
	dest := filepath.Join(dir, name)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("build artifact request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download artifact: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download artifact: unexpected status %s", resp.Status)
	}

	tmp, err := os.CreateTemp(dir, name+".part-*")
	if err != nil {
		return "", fmt.Errorf("create artifact file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o755); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("chmod artifact: %w", err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("install artifact: %w", err)
	}
	return dest, nil
}
