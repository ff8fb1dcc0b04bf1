package semver_test

import (
	"testing"

	"github.com/alexlavriv/ota-agent/pkg/semver"
	"github.com/stretchr/testify/assert"
)

func TestLess_SpecExamples(t *testing.T) {
	cases := []struct {
		v, w string
		want bool
	}{
		{"", "0.0.0", false},
		{"", "any", true},
		{"1.10.1", "1.9.1", false},
		{"2.27.11-JT4.5", "2.27.11-JT4.6", true},
		{"1.2", "1.2.1", true},
		{"1.2.1", "1.2", false},
	}
	for _, tc := range cases {
		assert.Equalf(t, tc.want, semver.Less(tc.v, tc.w), "Less(%q, %q)", tc.v, tc.w)
	}
}

func TestLess_Transitive(t *testing.T) {
	versions := []string{"", "0.0.1", "1.0.0", "1.0.0-beta", "1.0.0-rc1", "1.9.1", "1.10.1", "2.0.0"}
	for i := 0; i < len(versions); i++ {
		for j := i + 1; j < len(versions); j++ {
			for k := j + 1; k < len(versions); k++ {
				a, b, c := versions[i], versions[j], versions[k]
				if semver.Less(a, b) && semver.Less(b, c) {
					assert.Truef(t, semver.Less(a, c), "transitivity: %q < %q < %q", a, b, c)
				}
			}
		}
	}
}

func TestEqual(t *testing.T) {
	assert.True(t, semver.Equal("1.2", "1.2.0"))
	assert.True(t, semver.Equal("", "0.0.0"))
	assert.False(t, semver.Equal("", "any"))
}
