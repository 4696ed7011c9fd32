// Package registry talks to crates.io: the JSON API for version metadata
// and the static host for .crate archives. Every failure is returned as a
// *task.StageError so the scheduler can decide whether to retry.
package registry

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/teranos/cratemine/crates"
	"github.com/teranos/cratemine/errors"
	"github.com/teranos/cratemine/internal/httpclient"
	"github.com/teranos/cratemine/pulse/task"
)

const (
	DefaultAPIURL      = "https://crates.io"
	DefaultDownloadURL = "https://static.crates.io"

	// DefaultMaxArchiveBytes bounds a single download. crates.io rejects
	// uploads above 10MB by default; a few crates have raised limits.
	DefaultMaxArchiveBytes = 64 << 20

	maxMetadataBytes = 4 << 20
)

// Client fetches from a crates.io-compatible registry.
type Client struct {
	http            *httpclient.Client
	apiURL          string
	downloadURL     string
	maxArchiveBytes int64
	logger          *zap.SugaredLogger
}

// Config locates the registry.
type Config struct {
	APIURL          string
	DownloadURL     string
	MaxArchiveBytes int64
}

// New creates a registry client.
func New(hc *httpclient.Client, cfg Config, logger *zap.SugaredLogger) *Client {
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	if cfg.DownloadURL == "" {
		cfg.DownloadURL = DefaultDownloadURL
	}
	if cfg.MaxArchiveBytes <= 0 {
		cfg.MaxArchiveBytes = DefaultMaxArchiveBytes
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Client{
		http:            hc,
		apiURL:          strings.TrimSuffix(cfg.APIURL, "/"),
		downloadURL:     strings.TrimSuffix(cfg.DownloadURL, "/"),
		maxArchiveBytes: cfg.MaxArchiveBytes,
		logger:          logger.Named("registry"),
	}
}

// VersionURL is the API endpoint for one crate version.
func (c *Client) VersionURL(crate, version string) string {
	return fmt.Sprintf("%s/api/v1/crates/%s/%s", c.apiURL, url.PathEscape(crate), url.PathEscape(version))
}

// DownloadURL is where the .crate archive for a version lives.
func (c *Client) DownloadURL(crate, version string) string {
	return c.downloadURL + "/" + crates.DownloadPath(crate, version)
}

// FetchVersion returns the API's "version" object for crate@version.
func (c *Client) FetchVersion(ctx context.Context, crate, version string) (json.RawMessage, error) {
	u := c.VersionURL(crate, version)
	body, _, err := c.get(ctx, u, maxMetadataBytes)
	if err != nil {
		return nil, err
	}

	var envelope struct {
		Version json.RawMessage `json:"version"`
		Errors  []struct {
			Detail string `json:"detail"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, task.NewPermanent(task.CodeMalformed, errors.Wrapf(err, "decode %s", u))
	}
	if len(envelope.Errors) > 0 {
		return nil, task.Permanentf(task.CodeNotFound, "%s: %s", u, envelope.Errors[0].Detail)
	}
	if len(envelope.Version) == 0 || bytes.Equal(envelope.Version, []byte("null")) {
		return nil, task.Permanentf(task.CodeMalformed, "%s: response has no version object", u)
	}
	return envelope.Version, nil
}

// Download is a fetched archive and where it came from.
type Download struct {
	URL         string
	ContentType string
	Data        []byte
	SHA256      string
}

// Download fetches the .crate archive and verifies it against checksum
// (hex sha256 from the index) when one is given.
func (c *Client) Download(ctx context.Context, crate, version, checksum string) (Download, error) {
	u := c.DownloadURL(crate, version)
	body, contentType, err := c.get(ctx, u, c.maxArchiveBytes)
	if err != nil {
		return Download{}, err
	}

	sum := sha256.Sum256(body)
	digest := hex.EncodeToString(sum[:])
	if checksum != "" && !strings.EqualFold(checksum, digest) {
		return Download{}, task.Permanentf(task.CodeChecksum,
			"%s: sha256 %s does not match index checksum %s", u, digest, checksum)
	}
	c.logger.Debugw("downloaded", "url", u, "size", len(body), "content_type", contentType)
	return Download{URL: u, ContentType: contentType, Data: body, SHA256: digest}, nil
}

// get performs a GET and maps failures to stage errors. Bodies larger than
// limit are refused.
func (c *Client) get(ctx context.Context, u string, limit int64) ([]byte, string, error) {
	resp, err := c.http.Get(ctx, u)
	if err != nil {
		return nil, "", classifyTransport(ctx, err)
	}
	defer resp.Body.Close()

	if se := classifyStatus(resp.StatusCode); se != nil {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		se.Err = errors.Newf("GET %s: %s", u, resp.Status)
		return nil, "", se
	}
	if resp.ContentLength > limit {
		return nil, "", task.Permanentf(task.CodeMalformed, "%s: %d bytes exceeds limit %d", u, resp.ContentLength, limit)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, "", classifyTransport(ctx, err)
	}
	if int64(len(body)) > limit {
		return nil, "", task.Permanentf(task.CodeMalformed, "%s: body exceeds limit %d", u, limit)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

// classifyStatus maps an HTTP status to a stage error, or nil for success.
// Missing resources are permanent; throttling and server errors are not.
func classifyStatus(code int) *task.StageError {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound, code == http.StatusGone:
		return &task.StageError{Kind: task.Permanent, Code: task.CodeNotFound}
	case code == http.StatusTooManyRequests:
		return &task.StageError{Kind: task.Transient, Code: task.CodeRateLimited}
	case code == http.StatusRequestTimeout:
		return &task.StageError{Kind: task.Transient, Code: task.CodeTimeout}
	case code >= 500:
		return &task.StageError{Kind: task.Transient, Code: task.CodeNetwork}
	default:
		return &task.StageError{Kind: task.Permanent, Code: fmt.Sprintf("http_%d", code)}
	}
}

func classifyTransport(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return task.Classify(ctx.Err())
	}
	var ne interface{ Timeout() bool }
	if errors.As(err, &ne) && ne.Timeout() {
		return task.NewTransient(task.CodeTimeout, err)
	}
	if strings.Contains(err.Error(), "request blocked") {
		return task.NewPermanent("blocked", err)
	}
	return task.NewTransient(task.CodeNetwork, err)
}
