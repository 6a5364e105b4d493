package ingress

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"

	"computeplane/internal/apperrors"
	"computeplane/internal/config"
	"computeplane/internal/job"
	"computeplane/pkg/callback"
)

// JobReader loads job records for authentication.
type JobReader interface {
	GetJob(ctx context.Context, id string) (*job.Job, error)
}

// Caller is who made a callback. Exactly one of Provider and JobToken is set.
type Caller struct {
	Provider string
	JobToken bool
}

// Authenticator resolves the bearer credential of a callback against the job
// it targets.
type Authenticator struct {
	secrets map[string]string
	jobs    JobReader
}

// NewAuthenticator creates an authenticator that accepts credentials signed
// with the providers' callback secrets and job access tokens.
func NewAuthenticator(providers []config.ProviderEntry, jobs JobReader) *Authenticator {
	secrets := make(map[string]string, len(providers))
	for _, p := range providers {
		secrets[p.ID] = p.CallbackSecret
	}
	return &Authenticator{secrets: secrets, jobs: jobs}
}

func (a *Authenticator) secret(providerID string) (string, bool) {
	s, ok := a.secrets[providerID]
	return s, ok && s != ""
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

// Authenticate checks bearer against the job with the given id. mutating
// marks calls that change the job; a job token cannot change a finished job.
//
// For a provider credential the job's NotFound error is returned as is so
// callers can decide how to treat unknown jobs. A job token naming an
// unknown job is Unauthorized: there is nothing to verify it against.
func (a *Authenticator) Authenticate(ctx context.Context, bearer, jobID string, mutating bool) (*job.Job, Caller, error) {
	if bearer == "" {
		return nil, Caller{}, apperrors.Unauthorized("missing credential")
	}
	if jobID == "" {
		return nil, Caller{}, apperrors.Validation("jobId", "job id is required")
	}

	if callback.LooksLikeCredential(bearer) {
		providerID, err := callback.Verify(bearer, a.secret)
		if err != nil {
			return nil, Caller{}, apperrors.Unauthorized("invalid provider credential")
		}
		caller := Caller{Provider: providerID}
		j, err := a.jobs.GetJob(ctx, jobID)
		if err != nil {
			return nil, caller, err
		}
		if j.Specification.Provider != providerID {
			return nil, caller, apperrors.Forbidden("job belongs to another provider")
		}
		return j, caller, nil
	}
	j, err := a.jobToken(ctx, bearer, jobID, mutating)
	if err != nil {
		return nil, Caller{}, err
	}
	return j, Caller{JobToken: true}, nil
}

// AuthenticateJob accepts only the access token of the job itself. Provider
// credentials are refused even for the owning provider.
func (a *Authenticator) AuthenticateJob(ctx context.Context, bearer, jobID string) (*job.Job, error) {
	if bearer == "" {
		return nil, apperrors.Unauthorized("missing credential")
	}
	if jobID == "" {
		return nil, apperrors.Validation("jobId", "job id is required")
	}
	if callback.LooksLikeCredential(bearer) {
		return nil, apperrors.Unauthorized("a job token is required")
	}
	return a.jobToken(ctx, bearer, jobID, false)
}

// jobToken checks bearer against the job's access token in constant time.
func (a *Authenticator) jobToken(ctx context.Context, bearer, jobID string, mutating bool) (*job.Job, error) {
	j, err := a.jobs.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, apperrors.Unauthorized("invalid job token")
		}
		return nil, err
	}
	if subtle.ConstantTimeCompare([]byte(bearer), []byte(j.AccessToken)) != 1 {
		return nil, apperrors.Unauthorized("invalid job token")
	}
	if mutating && j.State.Terminal() {
		return nil, apperrors.Forbidden("job has already finished")
	}
	return j, nil
}
