package install

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alexlavriv/ota-agent/internal/model"
	"github.com/alexlavriv/ota-agent/internal/platform"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeInstaller is a scriptable PackageInstaller: it fails for any
// component name listed in FailOn, and records every call it received.
type fakeInstaller struct {
	FailOn    map[model.Name]bool
	Installed []model.Name
	Uninstalled []model.Name
}

func newFakeInstaller() *fakeInstaller {
	return &fakeInstaller{FailOn: map[model.Name]bool{}}
}

func (f *fakeInstaller) Install(_ context.Context, c model.Component, _ string) error {
	if f.FailOn[c.Name] {
		return errors.New("fake install failure")
	}
	f.Installed = append(f.Installed, c.Name)
	return nil
}

func (f *fakeInstaller) Uninstall(_ context.Context, c model.Component) error {
	f.Uninstalled = append(f.Uninstalled, c.Name)
	return nil
}

type fakeSelfUpdater struct {
	err error
}

func (f *fakeSelfUpdater) Handoff(context.Context, string) error { return f.err }

func buildManifest() *model.Manifest {
	m := &model.Manifest{
		ServerName:   "host1",
		Operator:     false,
		Components:   map[model.Name]model.Component{},
		HashManifest: model.NewHashManifest(),
	}
	m.Set(model.SimGPSInfo, model.Component{
		Name: model.SimGPSInfo, PackageType: model.PackageSystemPackage,
		Checksum: "", Updated: false, Path: "/staging/sim_gps_info", Link: "http://x",
		PreviousInstallPath: "/previous/sim_gps_info",
	})
	return m
}

func TestRunBatch_InstallSuccess(t *testing.T) {
	fs := platform.NewMemFileSystem()
	fs.WriteFile("/staging/sim_gps_info", []byte("artifact"), 0o644)

	installers := map[model.PackageType]PackageInstaller{
		model.PackageSystemPackage: newFakeInstaller(),
	}
	e := New(installers, platform.NewFakeProcessManager(), fs, nil, nil, nil, time.Second, testLogger())

	m := buildManifest()
	res, err := e.RunBatch(context.Background(), m, "")
	require.NoError(t, err)
	require.True(t, res.Manifest.Get(model.SimGPSInfo).Updated)

	// Snapshot should now hold the installed artifact.
	require.True(t, fs.Exists("/previous/sim_gps_info/sim_gps_info"))
}

func TestRunBatch_FailureTriggersRollback(t *testing.T) {
	fs := platform.NewMemFileSystem()
	fs.WriteFile("/staging/a", []byte("A-new"), 0o644)
	fs.WriteFile("/staging/b", []byte("B-new"), 0o644)
	fs.WriteFile("/previous/a/a.pkg", []byte("A-old"), 0o644)

	archiveInst := newFakeInstaller()
	sysInst := newFakeInstaller()
	sysInst.FailOn[model.Name("b")] = true

	installers := map[model.PackageType]PackageInstaller{
		model.PackageArchive:       archiveInst,
		model.PackageSystemPackage: sysInst,
	}
	e := New(installers, platform.NewFakeProcessManager(), fs, nil, nil, nil, time.Second, testLogger())

	m := &model.Manifest{Components: map[model.Name]model.Component{}, HashManifest: model.NewHashManifest()}
	m.Set("a", model.Component{Name: "a", PackageType: model.PackageArchive, Updated: false, Path: "/staging/a", PreviousInstallPath: "/previous/a"})
	m.Set("b", model.Component{Name: "b", PackageType: model.PackageSystemPackage, Updated: false, Path: "/staging/b", PreviousInstallPath: "/previous/b"})

	_, err := e.RunBatch(context.Background(), m, "")
	require.Error(t, err)
	// Archive "a" is ordered after "b", so "b" fails before "a" is installed;
	// "a" is then reinstalled from its snapshot by the rollback's archive
	// restore.
	require.Contains(t, archiveInst.Installed, model.Name("a"))
}

func TestRunBatch_NoopWhenNothingPending(t *testing.T) {
	fs := platform.NewMemFileSystem()
	e := New(map[model.PackageType]PackageInstaller{}, platform.NewFakeProcessManager(), fs, nil, nil, nil, time.Second, testLogger())
	m := &model.Manifest{Components: map[model.Name]model.Component{
		"core": {Name: "core", Updated: true, Checksum: "abc"},
	}, HashManifest: model.NewHashManifest()}

	res, err := e.RunBatch(context.Background(), m, "")
	require.NoError(t, err)
	require.True(t, res.Manifest.IsFullyInstalled())
}

func TestRunBatch_SelfUpdateWritesVersionMarker(t *testing.T) {
	fs := platform.NewMemFileSystem()
	fs.WriteFile("/staging/phantom_agent", []byte("bin"), 0o644)

	e := New(map[model.PackageType]PackageInstaller{}, platform.NewFakeProcessManager(), fs, nil, &fakeSelfUpdater{}, nil, time.Second, testLogger())

	m := &model.Manifest{Components: map[model.Name]model.Component{}, HashManifest: model.NewHashManifest()}
	m.Set(model.PhantomAgent, model.Component{
		Name: model.PhantomAgent, Version: "1.3.0", Updated: false, Path: "/staging/phantom_agent",
	})

	res, err := e.RunBatch(context.Background(), m, "/state/future_version")
	require.NoError(t, err)
	require.True(t, res.SelfUpdated)

	marker, err := fs.ReadFile("/state/future_version")
	require.NoError(t, err)
	require.Equal(t, "1.3.0", string(marker))
}

func TestRunBatch_SelfUpdateHandoffFailureReturnsError(t *testing.T) {
	fs := platform.NewMemFileSystem()
	fs.WriteFile("/staging/phantom_agent", []byte("bin"), 0o644)
	e := New(map[model.PackageType]PackageInstaller{}, platform.NewFakeProcessManager(), fs, nil, &fakeSelfUpdater{err: errors.New("handoff failed")}, nil, time.Second, testLogger())

	m := &model.Manifest{Components: map[model.Name]model.Component{}, HashManifest: model.NewHashManifest()}
	m.Set(model.PhantomAgent, model.Component{Name: model.PhantomAgent, Version: "1.3.0", Checksum: "newsum", Updated: false, Path: "/staging/phantom_agent"})

	_, err := e.RunBatch(context.Background(), m, "")
	require.Error(t, err)
}

func TestOrderComponents_AgentFirstArchiveLast(t *testing.T) {
	m := &model.Manifest{Components: map[model.Name]model.Component{
		model.PhantomAgent: {Name: model.PhantomAgent},
		"arch1":            {Name: "arch1", PackageType: model.PackageArchive},
		model.Core:          {Name: model.Core, PackageType: model.PackageSystemPackage},
	}, HashManifest: model.NewHashManifest()}

	ordered := OrderComponents(m, []model.Name{"arch1", model.Core, model.PhantomAgent})
	require.Equal(t, model.PhantomAgent, ordered[0])
	require.Equal(t, model.Name("arch1"), ordered[len(ordered)-1])
}
