// Package update talks to the moor release distribution service: it looks
// up the latest remote server release for a platform and channel, downloads
// the artifact into the user cache, and verifies it before handing the path
// to the provisioner.
package update

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/moorlab/moor/internal/remote"
)

// Client fetches remote server releases over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	cacheDir   string
	logger     *slog.Logger
}

// Option tweaks a Client.
type Option func(*Client)

// WithHTTPClient overrides the default 30s-timeout client.
func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.httpClient = h } }

// WithCacheDir overrides the download cache location.
func WithCacheDir(dir string) Option { return func(c *Client) { c.cacheDir = dir } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(c *Client) { c.logger = l } }

// NewClient builds a client for the given distribution endpoint.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     slog.New(slog.NewTextHandler(os.Stderr, nil)),
	}
	for _, o := range opts {
		o(c)
	}
	if c.cacheDir == "" {
		if dir, err := os.UserCacheDir(); err == nil {
			c.cacheDir = filepath.Join(dir, "moor", "remote-server")
		} else {
			c.cacheDir = filepath.Join(os.TempDir(), "moor-remote-server")
		}
	}
	return c
}

// releaseManifest is the service's answer for a latest-release query.
type releaseManifest struct {
	Version string `json:"version"`
	URL     string `json:"url"`
	SHA256  string `json:"sha256"`
}

// LatestRemoteServerRelease resolves and downloads the newest release for
// {os, arch, channel} and returns the local path of the verified .gz
// artifact. A previously downloaded artifact that still verifies is reused
// without touching the network again.
func (c *Client) LatestRemoteServerRelease(ctx context.Context, osName, arch string, channel remote.Channel) (string, error) {
	manifest, err := c.fetchManifest(ctx, osName, arch, channel)
	if err != nil {
		return "", err
	}

	dest := filepath.Join(c.cacheDir, manifest.Version,
		fmt.Sprintf("moor-remote-server-%s-%s.gz", osName, arch))
	if verifyArtifact(dest, manifest.SHA256) == nil {
		c.logger.Debug("reusing cached remote server artifact", "path", dest)
		return dest, nil
	}

	if err := c.download(ctx, manifest.URL, dest); err != nil {
		return "", err
	}
	if err := verifyArtifact(dest, manifest.SHA256); err != nil {
		_ = os.Remove(dest)
		return "", fmt.Errorf("downloaded artifact failed verification: %w", err)
	}
	c.logger.Info("downloaded remote server release",
		"version", manifest.Version, "os", osName, "arch", arch, "path", dest)
	return dest, nil
}

func (c *Client) fetchManifest(ctx context.Context, osName, arch string, channel remote.Channel) (*releaseManifest, error) {
	query := url.Values{}
	query.Set("os", osName)
	query.Set("arch", arch)
	query.Set("channel", channel.Name())
	endpoint := c.baseURL + "/api/releases/latest?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "moor-updater")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch latest release: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch latest release: unexpected status %d", resp.StatusCode)
	}
	var m releaseManifest
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		return nil, fmt.Errorf("decode release manifest: %w", err)
	}
	if m.Version == "" || m.URL == "" {
		return nil, fmt.Errorf("release manifest is missing version or url")
	}
	return &m, nil
}

func (c *Client) download(ctx context.Context, rawURL, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", "moor-updater")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("download %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download %s: unexpected status %d", rawURL, resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	partial := dest + ".partial"
	f, err := os.OpenFile(partial, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		_ = os.Remove(partial)
		return fmt.Errorf("download %s: %w", rawURL, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(partial)
		return err
	}
	return os.Rename(partial, dest)
}

// verifyArtifact checks the artifact is a well-formed gzip stream and, when
// the manifest carried a checksum, that the sha256 matches.
func verifyArtifact(path, wantSHA256 string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("not a gzip artifact: %w", err)
	}
	if _, err := io.Copy(io.Discard, gz); err != nil {
		return fmt.Errorf("corrupt gzip artifact: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("corrupt gzip artifact: %w", err)
	}

	if wantSHA256 != "" {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return err
		}
		hasher := sha256.New()
		if _, err := io.Copy(hasher, f); err != nil {
			return err
		}
		got := hex.EncodeToString(hasher.Sum(nil))
		if got != wantSHA256 {
			return fmt.Errorf("sha256 mismatch: got %s, want %s", got, wantSHA256)
		}
	}
	return nil
}
