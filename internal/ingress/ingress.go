// Package ingress authenticates provider callbacks and applies them to the
// orchestrator. It is transport neutral: the HTTP layer decodes requests and
// passes the bearer credential through.
package ingress

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"time"

	"computeplane/internal/apperrors"
	"computeplane/internal/job"
	"computeplane/internal/observability"
	"computeplane/internal/orchestrator"
	"computeplane/pkg/callback"
)

// Orchestrator is the part of the orchestrator callbacks reach.
type Orchestrator interface {
	AddStatus(ctx context.Context, id, message string) error
	ApplyStateChange(ctx context.Context, ev job.StateChangeEvent) (orchestrator.Outcome, error)
	WriteOutput(ctx context.Context, in orchestrator.IncomingFile) error
	Complete(ctx context.Context, id string, duration time.Duration, success bool) error
}

// Callback endpoint names used in metrics.
const (
	endpointStatus      = "status"
	endpointStateChange = "state_change"
	endpointSubmit      = "submit"
	endpointCompleted   = "completed"
	endpointLookup      = "lookup"
)

// Service handles provider callbacks.
type Service struct {
	auth    *Authenticator
	orch    Orchestrator
	metrics *observability.Metrics
	logger  *slog.Logger
}

// NewService creates a callback service. metrics may be nil.
func NewService(auth *Authenticator, orch Orchestrator, metrics *observability.Metrics) *Service {
	return &Service{
		auth:    auth,
		orch:    orch,
		metrics: metrics,
		logger:  slog.With("component", "ingress"),
	}
}

// Submission is an incoming file. Size is the request's Content-Length, -1
// when the client did not declare one.
type Submission struct {
	JobID   string
	Path    string
	Extract bool
	Size    int64
	Body    io.Reader
}

// HandleAddStatus replaces a job's status message. A provider reporting on
// a job the orchestrator does not know is answered with success, and so is
// a status for a finished job, which the orchestrator ignores.
func (s *Service) HandleAddStatus(ctx context.Context, bearer string, req callback.StatusRequest) (err error) {
	defer s.record(ctx, endpointStatus, &err)

	_, _, err = s.auth.Authenticate(ctx, bearer, req.JobID, false)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			s.logger.DebugContext(ctx, "Status for unknown job", "jobId", req.JobID)
			return nil
		}
		return err
	}
	return s.orch.AddStatus(ctx, req.JobID, req.Status)
}

// HandleProposedStateChange applies a proposed state through the state machine.
func (s *Service) HandleProposedStateChange(ctx context.Context, bearer string, req callback.StateChangeRequest) (resp callback.StateChangeResponse, err error) {
	defer s.record(ctx, endpointStateChange, &err)

	if _, _, err = s.auth.Authenticate(ctx, bearer, req.JobID, true); err != nil {
		return resp, err
	}
	state, err := job.ParseState(req.NewState)
	if err != nil {
		return resp, err
	}
	out, err := s.orch.ApplyStateChange(ctx, job.StateChangeEvent{JobID: req.JobID, ProposedState: state, StatusMessage: req.NewStatus})
	if err != nil {
		return resp, err
	}
	return callback.StateChangeResponse{Outcome: out.Decision.String(), State: string(out.State)}, nil
}

// HandleIncomingFile streams a file into the job's output collection. A
// submission without a declared length is refused before the credential is
// checked or a byte of the body is read.
func (s *Service) HandleIncomingFile(ctx context.Context, bearer string, sub Submission) (err error) {
	defer s.record(ctx, endpointSubmit, &err)

	if sub.Size < 0 {
		return apperrors.LengthRequired("Content-Length is required")
	}
	if _, _, err = s.auth.Authenticate(ctx, bearer, sub.JobID, true); err != nil {
		return err
	}
	return s.orch.WriteOutput(ctx, orchestrator.IncomingFile{
		JobID:   sub.JobID,
		Path:    sub.Path,
		Extract: sub.Extract,
		Size:    sub.Size,
		Body:    io.LimitReader(sub.Body, sub.Size),
	})
}

// HandleJobComplete records the provider's final word on a job.
func (s *Service) HandleJobComplete(ctx context.Context, bearer string, req callback.CompletedRequest) (err error) {
	defer s.record(ctx, endpointCompleted, &err)

	if req.Duration < 0 {
		return apperrors.Validation("duration", "duration must not be negative")
	}
	if _, _, err = s.auth.Authenticate(ctx, bearer, req.JobID, true); err != nil {
		return err
	}
	return s.orch.Complete(ctx, req.JobID, time.Duration(req.Duration)*time.Millisecond, req.Success)
}

// LookupOwnJob returns the record a running job needs to find its work. Only
// the job's own access token is accepted.
func (s *Service) LookupOwnJob(ctx context.Context, bearer, jobID string) (resp *callback.LookupResponse, err error) {
	defer s.record(ctx, endpointLookup, &err)

	j, err := s.auth.AuthenticateJob(ctx, bearer, jobID)
	if err != nil {
		return nil, err
	}
	return &callback.LookupResponse{
		JobID:       j.ID,
		State:       string(j.State),
		Status:      j.Status,
		Invocation:  j.Specification.Invocation,
		OutputGlobs: j.Specification.OutputGlobs,
	}, nil
}

func (s *Service) record(ctx context.Context, endpoint string, err *error) {
	result := "ok"
	if *err != nil {
		result = strconv.Itoa(apperrors.HTTPStatus(*err))
	}
	s.metrics.RecordCallback(ctx, endpoint, result)
}
