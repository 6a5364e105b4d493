package callback

// Routes served by the orchestrator's callback ingress.
const (
	PathStatus      = "/compute/status"
	PathStateChange = "/compute/state-change"
	PathSubmit      = "/compute/submit"
	PathCompleted   = "/compute/completed"
	PathLookup      = "/compute/lookup/"
)

// Headers carried by a file submission; the body is the raw file.
const (
	HeaderSubmitID         = "JobSubmit-Id"
	HeaderSubmitPath       = "JobSubmit-Path"
	HeaderSubmitExtraction = "JobSubmit-Extraction"
)

// StatusRequest is the body of PathStatus.
type StatusRequest struct {
	JobID  string `json:"jobId"`
	Status string `json:"status"`
}

// StateChangeRequest is the body of PathStateChange.
type StateChangeRequest struct {
	JobID     string `json:"jobId"`
	NewState  string `json:"newState"`
	NewStatus string `json:"newStatus,omitempty"`
}

// CompletedRequest is the body of PathCompleted. Duration is in milliseconds.
type CompletedRequest struct {
	JobID    string `json:"jobId"`
	Duration int64  `json:"duration"`
	Success  bool   `json:"success"`
}

// StateChangeResponse tells the caller whether its proposal moved the job.
type StateChangeResponse struct {
	Outcome string `json:"outcome"`
	State   string `json:"state"`
}

// LookupResponse is what PathLookup returns for a job.
type LookupResponse struct {
	JobID       string   `json:"jobId"`
	State       string   `json:"state"`
	Status      string   `json:"status"`
	Invocation  []string `json:"invocation"`
	OutputGlobs []string `json:"outputGlobs,omitempty"`
}

// errorBody is the orchestrator's JSON error shape.
type errorBody struct {
	Error string `json:"error"`
}
