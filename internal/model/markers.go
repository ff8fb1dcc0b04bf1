package model

// UpdateBothPhase tracks the two-phase update-both marker.
type UpdateBothPhase string

const (
	UpdateBothNone     UpdateBothPhase = ""
	UpdateBothOperator UpdateBothPhase = "operator"
	UpdateBothVehicle  UpdateBothPhase = "vehicle"
)

// Next returns the phase that follows p in the update-both cycle, and
// whether the cycle is complete after this phase.
func (p UpdateBothPhase) Next() (next UpdateBothPhase, done bool) {
	switch p {
	case UpdateBothOperator:
		return UpdateBothVehicle, false
	default:
		return UpdateBothNone, true
	}
}

// CycleAction is the outcome of one C1 RunOnce invocation.
type CycleAction int

const (
	// ActionRetry means the agent could not even begin this cycle (transient
	// network failure acquiring identity, or a peer session is in progress)
	// and the orchestrator should retry soon rather than waiting a full
	// ota_interval.
	ActionRetry CycleAction = iota
	// ActionContinue means the cycle ran to some conclusion (success or a
	// recorded failure) and the orchestrator should wait the normal interval.
	ActionContinue
)

func (a CycleAction) String() string {
	if a == ActionRetry {
		return "retry"
	}
	return "continue"
}

// Status is the user-visible pipeline state (spec §7).
type Status string

const (
	StatusChecking    Status = "checking"
	StatusDownloading Status = "downloading"
	StatusInstalling  Status = "installing"
	StatusUpdated     Status = "updated"
	StatusError       Status = "error"
)

// StatusReport is the full payload behind the status endpoint.
type StatusReport struct {
	Status         Status  `json:"status"`
	ETA            *string `json:"eta,omitempty"`
	ComponentName  *string `json:"component_name,omitempty"`
	Message        string  `json:"message"`
	ManifestVersion string `json:"manifest_version"`
}
