package deb_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/alexlavriv/ota-agent/internal/install/deb"
	"github.com/alexlavriv/ota-agent/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedRunner struct {
	outputs map[string][]byte
	errs    map[string]error
	calls   []string
}

func (r *scriptedRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	key := name
	for _, a := range args {
		key += " " + a
	}
	r.calls = append(r.calls, key)
	for prefix, out := range r.outputs {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			return out, r.errs[prefix]
		}
	}
	return nil, nil
}

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(discardWriter{}, nil)) }

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestInstall_Success(t *testing.T) {
	runner := &scriptedRunner{
		outputs: map[string][]byte{
			"apt-get -y install":  []byte("ok"),
			"dpkg-deb -f":         []byte("phantom-agent\n"),
			"dpkg-query -W -f=${Version} phantom-agent": []byte("1.2.3\n"),
		},
	}
	i := deb.New(runner, discardLogger())
	err := i.Install(context.Background(), model.Component{Name: model.PhantomAgent, Version: "1.2.3"}, "/staging/agent.deb")
	require.NoError(t, err)
}

func TestInstall_VersionMismatchFails(t *testing.T) {
	runner := &scriptedRunner{
		outputs: map[string][]byte{
			"apt-get -y install":  []byte("ok"),
			"dpkg-deb -f":         []byte("phantom-agent\n"),
			"dpkg-query -W -f=${Version} phantom-agent": []byte("9.9.9\n"),
		},
	}
	i := deb.New(runner, discardLogger())
	err := i.Install(context.Background(), model.Component{Name: model.PhantomAgent, Version: "1.2.3"}, "/staging/agent.deb")
	require.Error(t, err)
}

func TestInstall_RecoversFromInterruptedDpkg(t *testing.T) {
	runner := &scriptedRunner{
		outputs: map[string][]byte{
			"dpkg-deb -f": []byte("phantom-agent\n"),
			"dpkg-query -W -f=${Version} phantom-agent": []byte("1.2.3\n"),
		},
	}
	runnerWrap := &firstCallFails{scriptedRunner: runner}
	i := deb.New(runnerWrap, discardLogger())
	err := i.Install(context.Background(), model.Component{Name: model.PhantomAgent, Version: "1.2.3"}, "/staging/agent.deb")
	require.NoError(t, err)
	assert.Equal(t, 2, runnerWrap.aptCalls, "should retry apt-get once after dpkg --configure -a")
}

type firstCallFails struct {
	*scriptedRunner
	aptCalls int
}

func (r *firstCallFails) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	if name == "apt-get" {
		r.aptCalls++
		if r.aptCalls == 1 {
			return []byte("E: dpkg was interrupted, you must manually run 'dpkg --configure -a'"), errors.New("exit status 1")
		}
	}
	return r.scriptedRunner.Run(ctx, name, args...)
}
