package diagnostics_test

import (
	"archive/tar"
	"compress/gzip"
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alexlavriv/ota-agent/internal/diagnostics"
	"github.com/alexlavriv/ota-agent/internal/platform"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeUploader struct {
	calls    int
	ticket   string
	filename string
	data     []byte
	err      error
}

func (f *fakeUploader) AttachJiraTicket(_ context.Context, ticket, filename string, zipData []byte) error {
	f.calls++
	f.ticket = ticket
	f.filename = filename
	f.data = zipData
	return f.err
}

func setupLogs(t *testing.T, fs platform.FileSystem) {
	t.Helper()
	require.NoError(t, fs.MkdirAll("/logs", 0o755))
	require.NoError(t, fs.WriteFile("/logs/agent.log", []byte("hello world"), 0o644))
}

func TestCaptureNowThenAttachToTicket_UploadsTarGz(t *testing.T) {
	fs := platform.NewMemFileSystem()
	setupLogs(t, fs)
	uploader := &fakeUploader{}
	clock := platform.NewFakeClock(time.Unix(1700000000, 0))

	b := diagnostics.New("/logs", "/state", fs, uploader, clock, testLogger())
	require.NoError(t, b.CaptureNow(context.Background(), "on_demand"))
	require.NoError(t, b.AttachToTicket(context.Background(), "DEV-1"))

	require.Equal(t, 1, uploader.calls)
	require.Equal(t, "DEV-1", uploader.ticket)

	gz, err := gzip.NewReader(bytes.NewReader(uploader.data))
	require.NoError(t, err)
	tr := tar.NewReader(gz)
	hdr, err := tr.Next()
	require.NoError(t, err)
	require.Equal(t, "agent.log", hdr.Name)
}

func TestCaptureAndUpload_ThrottlesSecondCallWithinThreeDays(t *testing.T) {
	fs := platform.NewMemFileSystem()
	setupLogs(t, fs)
	uploader := &fakeUploader{}
	clock := platform.NewFakeClock(time.Unix(1700000000, 0))

	b := diagnostics.New("/logs", "/state", fs, uploader, clock, testLogger())

	b.CaptureAndUpload(context.Background(), "panic", []byte("stack trace"))
	require.Equal(t, 1, uploader.calls)

	clock.Sleep(time.Hour)
	b.CaptureAndUpload(context.Background(), "panic", []byte("stack trace 2"))
	require.Equal(t, 1, uploader.calls, "second report within three days must be throttled")

	clock.Sleep(4 * 24 * time.Hour)
	b.CaptureAndUpload(context.Background(), "panic", []byte("stack trace 3"))
	require.Equal(t, 2, uploader.calls, "report after the interval elapses must go through")
}

func TestAttachToTicket_BuildsSnapshotWhenNoneCaptured(t *testing.T) {
	fs := platform.NewMemFileSystem()
	setupLogs(t, fs)
	uploader := &fakeUploader{}
	clock := platform.NewFakeClock(time.Unix(1700000000, 0))

	b := diagnostics.New("/logs", "/state", fs, uploader, clock, testLogger())
	require.NoError(t, b.AttachToTicket(context.Background(), "DEV-2"))
	require.Equal(t, 1, uploader.calls)
}
