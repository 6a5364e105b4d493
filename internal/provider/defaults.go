package provider

import (
	"context"
	"time"

	"computeplane/internal/job"
)

// UnimplementedCompute answers the optional compute operations. Embed it and
// override what the backend supports.
type UnimplementedCompute struct{}

func (UnimplementedCompute) Init(context.Context, job.Owner) error { return nil }

func (UnimplementedCompute) Verify(context.Context, []*job.Job) ([]string, error) { return nil, nil }

func (UnimplementedCompute) UpdateACL(context.Context, *job.Job, []job.ACLEntry) error {
	return NotSupported()
}

func (UnimplementedCompute) Extend(context.Context, *job.Job, time.Duration) error {
	return NotSupported()
}

func (UnimplementedCompute) Suspend(context.Context, *job.Job) error { return NotSupported() }

// FollowLogs has nothing to stream.
func (UnimplementedCompute) FollowLogs(context.Context, *job.Job, EmitFunc) error { return nil }

func (UnimplementedCompute) OpenInteractiveSession(context.Context, *job.Job, SessionKind) (*Session, error) {
	return nil, BadRequest(ReasonInteractiveNotSupported)
}

// ReadOnlyCollections is for storage that exists outside the platform's
// control, such as a mounted file system. Creation and deletion fail loudly.
type ReadOnlyCollections struct{}

func (ReadOnlyCollections) Init(context.Context, job.Owner) error { return nil }

func (ReadOnlyCollections) Create(context.Context, *job.Collection) error { return NotSupported() }

func (ReadOnlyCollections) Delete(context.Context, *job.Collection) error { return NotSupported() }

func (ReadOnlyCollections) Verify(context.Context, []*job.Collection) ([]string, error) {
	return nil, nil
}

func (ReadOnlyCollections) UpdateACL(context.Context, *job.Collection, []job.ACLEntry) error {
	return NotSupported()
}

func (ReadOnlyCollections) RetrieveSupport(context.Context) (CollectionSupport, error) {
	return CollectionSupport{ReadOnly: true}, nil
}

// UnimplementedFiles rejects every file operation.
type UnimplementedFiles struct{}

func (UnimplementedFiles) Browse(context.Context, *job.Collection, string) ([]FileEntry, error) {
	return nil, NotSupported()
}

func (UnimplementedFiles) Retrieve(context.Context, *job.Collection, string) (*FileEntry, error) {
	return nil, NotSupported()
}

func (UnimplementedFiles) CreateFolder(context.Context, *job.Collection, string) error {
	return NotSupported()
}

func (UnimplementedFiles) Move(context.Context, *job.Collection, string, string) error {
	return NotSupported()
}

func (UnimplementedFiles) Copy(context.Context, *job.Collection, string, string) error {
	return NotSupported()
}

func (UnimplementedFiles) Trash(context.Context, *job.Collection, string) error {
	return NotSupported()
}

func (UnimplementedFiles) Write(context.Context, WriteRequest) error { return NotSupported() }

// DefaultAllocations leaves every allocation to the platform ledger.
type DefaultAllocations struct{}

func (DefaultAllocations) OnResourceAllocation(_ context.Context, notifications []job.DepositNotification) ([]job.AllocationMode, error) {
	modes := make([]job.AllocationMode, len(notifications))
	for i, n := range notifications {
		modes[i] = job.ManageThroughUCloud(n.AllocationID)
	}
	return modes, nil
}

var (
	_ FilePlugin           = UnimplementedFiles{}
	_ FileCollectionPlugin = ReadOnlyCollections{}
	_ AllocationPlugin     = DefaultAllocations{}
)
