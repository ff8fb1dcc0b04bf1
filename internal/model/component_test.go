package model_test

import (
	"testing"

	"github.com/alexlavriv/ota-agent/internal/model"
	"github.com/stretchr/testify/assert"
)

func TestComponent_Merge_TargetPathPrefersRightWhenNonEmpty(t *testing.T) {
	a := model.Component{TargetPath: "/old/path"}
	b := model.Component{TargetPath: "/new/path"}
	got := a.Merge(b)
	assert.Equal(t, "/new/path", got.TargetPath)
}

func TestComponent_Merge_TargetPathFallsBackToLeftWhenRightEmpty(t *testing.T) {
	a := model.Component{TargetPath: "/old/path"}
	b := model.Component{}
	got := a.Merge(b)
	assert.Equal(t, "/old/path", got.TargetPath)
}

func TestComponent_Merge_ProcessesFallBackSymmetrically(t *testing.T) {
	a := model.Component{Processes: []string{"a.exe"}}
	b := model.Component{}
	assert.Equal(t, []string{"a.exe"}, a.Merge(b).Processes)

	b2 := model.Component{Processes: []string{"b.exe"}}
	assert.Equal(t, []string{"b.exe"}, a.Merge(b2).Processes)
}

func TestComponent_Merge_PreviousInstallPathPrefersLeftUnlessAbsent(t *testing.T) {
	a := model.Component{PreviousInstallPath: "/prev/a"}
	b := model.Component{PreviousInstallPath: "/prev/b"}
	assert.Equal(t, "/prev/a", a.Merge(b).PreviousInstallPath)

	noPrev := model.Component{}
	assert.Equal(t, "/prev/b", noPrev.Merge(b).PreviousInstallPath)
}

func TestComponent_Merge_EverythingElseTakesRightHandSide(t *testing.T) {
	a := model.Component{Name: model.Core, Version: "1.0.0", Checksum: "aaaa", Updated: true}
	b := model.Component{Name: model.Core, Version: "1.1.0", Checksum: "bbbb", Updated: false}
	got := a.Merge(b)
	assert.Equal(t, "1.1.0", got.Version)
	assert.Equal(t, "bbbb", got.Checksum)
	assert.False(t, got.Updated)
}

func TestComponent_Predicates(t *testing.T) {
	installed := model.Component{Checksum: "abcd"}
	assert.True(t, installed.CurrentlyInstalled())

	toInstall := model.Component{Updated: false, Path: "/tmp/x"}
	assert.True(t, toInstall.ShouldInstall())
	assert.False(t, toInstall.ShouldUninstall())

	toUninstall := model.Component{Updated: false}
	assert.True(t, toUninstall.ShouldUninstall())
	assert.False(t, toUninstall.ShouldInstall())

	settled := model.Component{Updated: true}
	assert.False(t, settled.ShouldInstall())
	assert.False(t, settled.ShouldUninstall())
}
