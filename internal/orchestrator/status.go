package orchestrator

import (
	"sync"

	"github.com/alexlavriv/ota-agent/internal/model"
)

// StatusStore is the shared status singleton guarded by a mutex (spec §5):
// the supervisor writes pipeline transitions, the command listener reads it
// for the `status` endpoint. No reader holds it across I/O.
type StatusStore struct {
	mu     sync.Mutex
	report model.StatusReport
}

// NewStatusStore returns a store seeded at StatusChecking.
func NewStatusStore() *StatusStore {
	return &StatusStore{report: model.StatusReport{Status: model.StatusChecking}}
}

// Set replaces the stored report wholesale.
func (s *StatusStore) Set(r model.StatusReport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.report = r
}

// SetStatus updates only the Status field, leaving ETA/component/message.
func (s *StatusStore) SetStatus(status model.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.report.Status = status
}

// Get returns a copy of the current report.
func (s *StatusStore) Get() model.StatusReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.report
}
