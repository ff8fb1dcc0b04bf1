package download_test

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alexlavriv/ota-agent/internal/config"
	"github.com/alexlavriv/ota-agent/internal/download"
	"github.com/alexlavriv/ota-agent/internal/model"
	"github.com/alexlavriv/ota-agent/internal/platform"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func sha1Hex(data []byte) string {
	h := sha1.Sum(data)
	return hex.EncodeToString(h[:])
}

func TestFetchAll_SingleComponentFreshInstall(t *testing.T) {
	payload := []byte("phantom agent binary contents")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	stagingDir := t.TempDir()
	e := download.New(http.DefaultClient, platform.DefaultFileSystem{}, platform.DefaultClock{}, config.DownloadConfig{RetryAttempts: 1}, nil, discardLogger())

	m := &model.Manifest{Components: map[model.Name]model.Component{}}
	m.Set(model.PhantomAgent, model.Component{
		Name: model.PhantomAgent, Link: srv.URL, Checksum: sha1Hex(payload),
		Path: filepath.Join(stagingDir, string(model.PhantomAgent)), Updated: false,
	})

	result, err := e.FetchAll(context.Background(), m, stagingDir, nil)
	require.NoError(t, err)
	require.Contains(t, result.Paths, model.PhantomAgent)

	got, err := os.ReadFile(result.Paths[model.PhantomAgent])
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestFetchAll_ChecksumMismatchDeletesFileAndDoesNotRetryTransport(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Write([]byte("wrong bytes"))
	}))
	defer srv.Close()

	stagingDir := t.TempDir()
	e := download.New(http.DefaultClient, platform.DefaultFileSystem{}, platform.DefaultClock{}, config.DownloadConfig{RetryAttempts: 5, RetryBackoff: time.Millisecond}, nil, discardLogger())

	dest := filepath.Join(stagingDir, string(model.PhantomAgent))
	m := &model.Manifest{Components: map[model.Name]model.Component{}}
	m.Set(model.PhantomAgent, model.Component{
		Name: model.PhantomAgent, Link: srv.URL, Checksum: sha1Hex([]byte("expected bytes")),
		Path: dest, Updated: false,
	})

	_, err := e.FetchAll(context.Background(), m, stagingDir, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, download.ErrChecksumMismatch)
	assert.Equal(t, int32(1), hits, "checksum mismatch must not be retried as a transport error")
	assert.NoFileExists(t, dest)
}

func TestFetchAll_TransientServerErrorsRetryThenSucceed(t *testing.T) {
	payload := []byte("agent payload")
	var attempt int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempt, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write(payload)
	}))
	defer srv.Close()

	stagingDir := t.TempDir()
	e := download.New(http.DefaultClient, platform.DefaultFileSystem{}, platform.DefaultClock{}, config.DownloadConfig{RetryAttempts: 5, RetryBackoff: time.Millisecond}, nil, discardLogger())

	dest := filepath.Join(stagingDir, string(model.PhantomAgent))
	m := &model.Manifest{Components: map[model.Name]model.Component{}}
	m.Set(model.PhantomAgent, model.Component{
		Name: model.PhantomAgent, Link: srv.URL, Checksum: sha1Hex(payload),
		Path: dest, Updated: false,
	})

	_, err := e.FetchAll(context.Background(), m, stagingDir, nil)
	// The first two attempts get a 503, which is a transport-level failure
	// and is retried; the third attempt delivers the payload.
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempt))
}

func TestFetchAll_DuplicateTargetPathIsFatal(t *testing.T) {
	stagingDir := t.TempDir()
	e := download.New(http.DefaultClient, platform.DefaultFileSystem{}, platform.DefaultClock{}, config.DownloadConfig{}, nil, discardLogger())

	dest := filepath.Join(stagingDir, "shared-name")
	m := &model.Manifest{Components: map[model.Name]model.Component{}}
	m.Set(model.PhantomAgent, model.Component{Name: model.PhantomAgent, Link: "https://x/a", Path: dest, Updated: false})
	m.Components["shared-name"] = model.Component{Name: "shared-name", Link: "https://x/b", Path: dest, Updated: false}

	_, err := e.FetchAll(context.Background(), m, stagingDir, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, download.ErrDuplicateTarget)
}

func TestFetchAll_NoComponentsNeedingInstallReturnsEmpty(t *testing.T) {
	stagingDir := t.TempDir()
	e := download.New(http.DefaultClient, platform.DefaultFileSystem{}, platform.DefaultClock{}, config.DownloadConfig{}, nil, discardLogger())

	m := &model.Manifest{Components: map[model.Name]model.Component{}}
	m.Set(model.PhantomAgent, model.Component{Name: model.PhantomAgent, Checksum: "abc", Updated: true})

	result, err := e.FetchAll(context.Background(), m, stagingDir, nil)
	require.NoError(t, err)
	assert.Empty(t, result.Paths)
}

func TestFetchAll_ETAReporterReceivesProgressUpdates(t *testing.T) {
	payload := make([]byte, 64*1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	stagingDir := t.TempDir()
	e := download.New(http.DefaultClient, platform.DefaultFileSystem{}, platform.DefaultClock{}, config.DownloadConfig{RetryAttempts: 1}, nil, discardLogger())

	m := &model.Manifest{Components: map[model.Name]model.Component{}}
	m.Set(model.PhantomAgent, model.Component{
		Name: model.PhantomAgent, Link: srv.URL, Checksum: sha1Hex(payload),
		Path: filepath.Join(stagingDir, string(model.PhantomAgent)), Updated: false,
	})

	reporter := func(_ context.Context, eta string) {}

	// The reporter only fires on a 5s ticker; a fast local download
	// finishes well before that, so this mainly confirms FetchAll doesn't
	// block forever tearing down the reporter goroutine.
	_, err := e.FetchAll(context.Background(), m, stagingDir, reporter)
	require.NoError(t, err)
}
