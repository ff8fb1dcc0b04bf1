package install

import (
	"sort"

	"github.com/alexlavriv/ota-agent/internal/model"
)

// OrderComponents sorts names per the spec §4.4 ordering rule: the agent
// installs before everything else, and archive-format components install
// after every non-archive component (so a freshly refreshed dependent isn't
// overwritten again by a dependency's archive drop). Everything else keeps
// a stable relative order.
func OrderComponents(m *model.Manifest, names []model.Name) []model.Name {
	ordered := make([]model.Name, len(names))
	copy(ordered, names)
	rank := func(name model.Name) int {
		switch {
		case name == model.PhantomAgent:
			return 0
		case m.Get(name).IsArchive():
			return 2
		default:
			return 1
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return rank(ordered[i]) < rank(ordered[j])
	})
	return ordered
}
