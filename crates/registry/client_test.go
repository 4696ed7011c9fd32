package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/cratemine/errors"
	"github.com/teranos/cratemine/internal/httpclient"
	"github.com/teranos/cratemine/pulse/task"
)

var archive = []byte("not really gzip, but bytes are bytes")

func archiveSum() string {
	s := sha256.Sum256(archive)
	return hex.EncodeToString(s[:])
}

func newTestRegistry(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	hc := httpclient.New(2*time.Second, httpclient.Options{AllowPrivate: true})
	return New(hc, Config{APIURL: srv.URL, DownloadURL: srv.URL + "/static", MaxArchiveBytes: 1024}, zaptest.NewLogger(t).Sugar())
}

func stageErr(t *testing.T, err error) *task.StageError {
	t.Helper()
	var se *task.StageError
	require.True(t, errors.As(err, &se), "want *task.StageError, got %v", err)
	return se
}

func TestFetchVersion(t *testing.T) {
	c := newTestRegistry(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/crates/serde/1.0.0":
			assert.Equal(t, httpclient.DefaultUserAgent, r.Header.Get("User-Agent"))
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"version":{"num":"1.0.0","crate_size":1234,"license":"MIT"}}`))
		case "/api/v1/crates/gone/1.0.0":
			http.NotFound(w, r)
		case "/api/v1/crates/busy/1.0.0":
			w.WriteHeader(http.StatusTooManyRequests)
		case "/api/v1/crates/broken/1.0.0":
			w.WriteHeader(http.StatusBadGateway)
		case "/api/v1/crates/garbage/1.0.0":
			w.Write([]byte(`<html>`))
		case "/api/v1/crates/errs/1.0.0":
			w.Write([]byte(`{"errors":[{"detail":"crate does not exist"}]}`))
		}
	})
	ctx := context.Background()

	raw, err := c.FetchVersion(ctx, "serde", "1.0.0")
	require.NoError(t, err)
	assert.JSONEq(t, `{"num":"1.0.0","crate_size":1234,"license":"MIT"}`, string(raw))

	tests := []struct {
		crate string
		kind  task.ErrorKind
		code  string
	}{
		{"gone", task.Permanent, task.CodeNotFound},
		{"busy", task.Transient, task.CodeRateLimited},
		{"broken", task.Transient, task.CodeNetwork},
		{"garbage", task.Permanent, task.CodeMalformed},
		{"errs", task.Permanent, task.CodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.crate, func(t *testing.T) {
			_, err := c.FetchVersion(ctx, tt.crate, "1.0.0")
			se := stageErr(t, err)
			assert.Equal(t, tt.kind, se.Kind)
			assert.Equal(t, tt.code, se.Code)
		})
	}
}

func TestDownload(t *testing.T) {
	c := newTestRegistry(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/static/crates/foo/foo-1.0.0.crate":
			w.Header().Set("Content-Type", "application/gzip")
			w.Write(archive)
		case "/static/crates/big/big-1.0.0.crate":
			w.Write(make([]byte, 2048))
		default:
			http.NotFound(w, r)
		}
	})
	ctx := context.Background()

	d, err := c.Download(ctx, "foo", "1.0.0", archiveSum())
	require.NoError(t, err)
	assert.Equal(t, archive, d.Data)
	assert.Equal(t, "application/gzip", d.ContentType)
	assert.Equal(t, archiveSum(), d.SHA256)
	assert.Contains(t, d.URL, "/static/crates/foo/foo-1.0.0.crate")

	_, err = c.Download(ctx, "foo", "1.0.0", "00"+archiveSum()[2:])
	se := stageErr(t, err)
	assert.Equal(t, task.Permanent, se.Kind)
	assert.Equal(t, task.CodeChecksum, se.Code)

	_, err = c.Download(ctx, "big", "1.0.0", "")
	se = stageErr(t, err)
	assert.Equal(t, task.Permanent, se.Kind)
	assert.Contains(t, se.Error(), "exceeds limit")

	_, err = c.Download(ctx, "missing", "1.0.0", "")
	assert.Equal(t, task.CodeNotFound, stageErr(t, err).Code)
}

func TestTimeoutIsTransient(t *testing.T) {
	block := make(chan struct{})
	c := newTestRegistry(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	})
	defer close(block)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.FetchVersion(ctx, "slow", "1.0.0")
	se := stageErr(t, err)
	assert.Equal(t, task.Transient, se.Kind)
	assert.Equal(t, task.CodeTimeout, se.Code)
}

func TestClassifyStatus(t *testing.T) {
	assert.Nil(t, classifyStatus(http.StatusOK))
	assert.Equal(t, task.Permanent, classifyStatus(http.StatusGone).Kind)
	assert.Equal(t, task.Transient, classifyStatus(http.StatusServiceUnavailable).Kind)
	assert.Equal(t, "http_403", classifyStatus(http.StatusForbidden).Code)
}
