package listener_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alexlavriv/ota-agent/internal/listener"
	"github.com/alexlavriv/ota-agent/internal/model"
	"github.com/alexlavriv/ota-agent/internal/orchestrator"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeCapture struct {
	captureErr error
	attachErr  error
	ticket     string
}

func (f *fakeCapture) CaptureNow(context.Context, string) error { return f.captureErr }
func (f *fakeCapture) AttachToTicket(_ context.Context, ticket string) error {
	f.ticket = ticket
	return f.attachErr
}

func newTestServer(t *testing.T, sink *orchestrator.CommandSink, status *orchestrator.StatusStore, capture listener.LogCapture) *httptest.Server {
	t.Helper()
	l := listener.New(":0", sink, status, capture, testLogger())
	return httptest.NewServer(l.TestHandler())
}

func TestHandleUpdateVersion_SendsCommand(t *testing.T) {
	sink := orchestrator.NewCommandSink(4)
	status := orchestrator.NewStatusStore()
	srv := newTestServer(t, sink, status, nil)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/update_version", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	select {
	case cmd := <-sink.Channel():
		require.Equal(t, orchestrator.CommandUpdateVersion, cmd.Kind)
	default:
		t.Fatal("expected a command on the sink")
	}
}

func TestHandleStatus_ReturnsStoredReport(t *testing.T) {
	sink := orchestrator.NewCommandSink(4)
	status := orchestrator.NewStatusStore()
	status.Set(model.StatusReport{Status: model.StatusUpdated, Message: "done"})
	srv := newTestServer(t, sink, status, nil)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	var out model.StatusReport
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Equal(t, model.StatusUpdated, out.Status)
	require.Equal(t, "done", out.Message)
}

func TestHandleCheck_ReturnsAlive(t *testing.T) {
	sink := orchestrator.NewCommandSink(4)
	status := orchestrator.NewStatusStore()
	srv := newTestServer(t, sink, status, nil)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/check")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHandleLogWithTicket_AttachesCapture(t *testing.T) {
	sink := orchestrator.NewCommandSink(4)
	status := orchestrator.NewStatusStore()
	capture := &fakeCapture{}
	srv := newTestServer(t, sink, status, capture)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/log/TICKET-42", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "TICKET-42", capture.ticket)
}

func TestHandleLog_WithoutCaptureReturns500(t *testing.T) {
	sink := orchestrator.NewCommandSink(4)
	status := orchestrator.NewStatusStore()
	srv := newTestServer(t, sink, status, nil)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/log", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestHandleCommand_SinkFullReturns500(t *testing.T) {
	sink := orchestrator.NewCommandSink(1)
	sink.Send(orchestrator.Command{Kind: orchestrator.CommandUpdateVersion})
	status := orchestrator.NewStatusStore()
	srv := newTestServer(t, sink, status, nil)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/update_version_force", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}
