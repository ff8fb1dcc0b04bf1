package admission_test

import (
	"context"
	"log/slog"
	"testing"

	"github.com/alexlavriv/ota-agent/internal/admission"
	"github.com/alexlavriv/ota-agent/internal/model"
	"github.com/alexlavriv/ota-agent/internal/platform"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProber struct {
	sizes map[string]int64
	calls int
}

func (f *fakeProber) ProbeContentLength(_ context.Context, url, _ string) (int64, error) {
	f.calls++
	return f.sizes[url], nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestAdmit_SufficientSpace(t *testing.T) {
	fs := platform.NewMemFileSystem()
	fs.FreeSpace = 1 << 40
	prober := &fakeProber{sizes: map[string]int64{"https://x/f": 1024}}
	checker, err := admission.New(prober, fs, 16, nil, discardLogger())
	require.NoError(t, err)

	m := &model.Manifest{Components: map[model.Name]model.Component{}}
	m.Set(model.SimGPSInfo, model.Component{Name: model.SimGPSInfo, Link: "https://x/f", Path: "/staging/f", Updated: false})

	ok, err := checker.Admit(context.Background(), m, "/staging")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAdmit_InsufficientSpace(t *testing.T) {
	fs := platform.NewMemFileSystem()
	fs.FreeSpace = 1024
	prober := &fakeProber{sizes: map[string]int64{"https://x/f": 10 * 1024 * 1024}}
	checker, err := admission.New(prober, fs, 16, nil, discardLogger())
	require.NoError(t, err)

	m := &model.Manifest{Components: map[model.Name]model.Component{}}
	m.Set(model.SimGPSInfo, model.Component{Name: model.SimGPSInfo, Link: "https://x/f", Path: "/staging/f", Updated: false})

	ok, err := checker.Admit(context.Background(), m, "/staging")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAdmit_CachesRepeatedProbes(t *testing.T) {
	fs := platform.NewMemFileSystem()
	fs.FreeSpace = 1 << 40
	prober := &fakeProber{sizes: map[string]int64{"https://x/f": 1024}}
	checker, err := admission.New(prober, fs, 16, nil, discardLogger())
	require.NoError(t, err)

	m := &model.Manifest{Components: map[model.Name]model.Component{}}
	m.Set(model.SimGPSInfo, model.Component{Name: model.SimGPSInfo, Link: "https://x/f", Path: "/staging/f", Updated: false})

	_, err = checker.Admit(context.Background(), m, "/staging")
	require.NoError(t, err)
	_, err = checker.Admit(context.Background(), m, "/staging")
	require.NoError(t, err)
	assert.Equal(t, 1, prober.calls, "second admission check should hit the lru cache")
}

func TestAdmit_SharesAcrossCheckersViaRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	fs := platform.NewMemFileSystem()
	fs.FreeSpace = 1 << 40
	prober := &fakeProber{sizes: map[string]int64{"https://x/f": 2048}}

	checkerA, err := admission.New(prober, fs, 16, client, discardLogger())
	require.NoError(t, err)
	checkerB, err := admission.New(prober, fs, 16, client, discardLogger())
	require.NoError(t, err)

	m := &model.Manifest{Components: map[model.Name]model.Component{}}
	m.Set(model.SimGPSInfo, model.Component{Name: model.SimGPSInfo, Link: "https://x/f", Path: "/staging/f", Updated: false})

	_, err = checkerA.Admit(context.Background(), m, "/staging")
	require.NoError(t, err)
	_, err = checkerB.Admit(context.Background(), m, "/staging")
	require.NoError(t, err)
	assert.Equal(t, 1, prober.calls, "second checker should reuse the shared redis cache")
}
