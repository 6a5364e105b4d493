package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"computeplane/internal/job"
	"computeplane/internal/logbuffer"
	"computeplane/internal/provider"
)

// FollowRequest asks for the next slice of a job's output. When Session is
// set, offsets left at -1 continue from where that session stopped. A max of
// 0 reads nothing from that stream; -1 reads up to logbuffer.MaxReadLines.
type FollowRequest struct {
	Owner       job.Owner
	JobID       string
	Session     string
	StdoutStart int
	StdoutMax   int
	StderrStart int
	StderrMax   int
}

// FollowResult is one page of output plus the job's current position.
type FollowResult struct {
	Stdout      []string        `json:"stdout"`
	Stderr      []string        `json:"stderr"`
	NextStdout  int             `json:"nextStdout"`
	NextStderr  int             `json:"nextStderr"`
	State       job.State       `json:"state"`
	Status      string          `json:"status"`
	Application job.Application `json:"application"`
}

// FollowStreams returns buffered output of one of the owner's jobs. It never
// blocks waiting for new lines; clients poll with the returned offsets.
func (o *Orchestrator) FollowStreams(ctx context.Context, req FollowRequest) (*FollowResult, error) {
	j, err := o.ownedJob(ctx, req.Owner, req.JobID)
	if err != nil {
		return nil, err
	}

	var key string
	if req.Session != "" {
		key = sessionKey(req.Owner.Key(), req.JobID, req.Session)
		cur := o.sessions.get(key, o.now())
		if req.StdoutStart < 0 {
			req.StdoutStart = cur.stdout
		}
		if req.StderrStart < 0 {
			req.StderrStart = cur.stderr
		}
	}

	res := &FollowResult{State: j.State, Status: j.Status, Application: j.Specification.Application}
	res.Stdout, res.NextStdout, err = o.logs.Read(ctx, j.ID, logbuffer.Stdout, max(req.StdoutStart, 0), req.StdoutMax)
	if err != nil {
		return nil, fmt.Errorf("read stdout: %w", err)
	}
	res.Stderr, res.NextStderr, err = o.logs.Read(ctx, j.ID, logbuffer.Stderr, max(req.StderrStart, 0), req.StderrMax)
	if err != nil {
		return nil, fmt.Errorf("read stderr: %w", err)
	}
	if key != "" {
		o.sessions.advance(key, res.NextStdout, res.NextStderr, o.now())
	}
	return res, nil
}

// startFollowing tails the provider's output into the log buffer until the
// job ends or the orchestrator closes. Providers without log support are
// skipped.
func (o *Orchestrator) startFollowing(j *job.Job) {
	plugin, _, entry, err := o.computeFor(j)
	if err != nil {
		return
	}
	if c := entry.Manifest.Compute; c == nil || !c.Logs {
		return
	}

	o.followMu.Lock()
	defer o.followMu.Unlock()
	if _, running := o.followers[j.ID]; running {
		return
	}
	ctx, cancel := context.WithCancel(o.base)
	o.followers[j.ID] = cancel
	o.followWg.Add(1)

	snapshot := j.Clone()
	go func() {
		defer o.followWg.Done()
		defer o.forgetFollower(snapshot.ID)

		logger := o.jobLogger(snapshot)
		err := plugin.FollowLogs(ctx, snapshot, func(line provider.LogLine) error {
			stream := logbuffer.Stdout
			if line.Stream == provider.StreamStderr {
				stream = logbuffer.Stderr
			}
			return o.logs.Append(ctx, snapshot.ID, stream, line.Text)
		})
		switch {
		case err == nil, errors.Is(err, context.Canceled):
			logger.Debug("Log follow ended")
		default:
			logger.Warn("Log follow failed", "error", err)
		}
	}()
}

// stopFollowing cancels the job's log-follow loop, if any.
func (o *Orchestrator) stopFollowing(id string) {
	o.followMu.Lock()
	cancel, ok := o.followers[id]
	o.followMu.Unlock()
	if ok {
		cancel()
	}
}

func (o *Orchestrator) forgetFollower(id string) {
	o.followMu.Lock()
	defer o.followMu.Unlock()
	if cancel, ok := o.followers[id]; ok {
		cancel()
		delete(o.followers, id)
	}
}
