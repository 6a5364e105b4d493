package testutil

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"computeplane/internal/job"
	"computeplane/internal/provider"
)

// FakeCompute is a scriptable in-memory ComputePlugin.
type FakeCompute struct {
	provider.UnimplementedCompute

	Support provider.ComputeSupport
	// CreateErr, when set, is returned by Create.
	CreateErr error
	// OnCreate runs at the start of Create, before CreateErr is consulted.
	OnCreate  func(*job.Job)
	DeleteErr error
	// Logs are emitted by FollowLogs, which then blocks until ctx is done.
	Logs []provider.LogLine
	// Lost is returned by Verify for ids that were passed in.
	Lost []string

	mu        sync.Mutex
	created   []*job.Job
	deleted   []string
	extended  map[string]time.Duration
	suspended []string
	inits     int
	follows   int
}

func (f *FakeCompute) Init(context.Context, job.Owner) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inits++
	return nil
}

func (f *FakeCompute) Create(_ context.Context, j *job.Job) error {
	if f.OnCreate != nil {
		f.OnCreate(j)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateErr != nil {
		return f.CreateErr
	}
	f.created = append(f.created, j.Clone())
	return nil
}

func (f *FakeCompute) Delete(_ context.Context, j *job.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, j.ID)
	return f.DeleteErr
}

func (f *FakeCompute) Verify(_ context.Context, jobs []*job.Job) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	lost := make(map[string]bool, len(f.Lost))
	for _, id := range f.Lost {
		lost[id] = true
	}
	var out []string
	for _, j := range jobs {
		if lost[j.ID] {
			out = append(out, j.ID)
		}
	}
	return out, nil
}

func (f *FakeCompute) Extend(_ context.Context, j *job.Job, extra time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.extended == nil {
		f.extended = make(map[string]time.Duration)
	}
	f.extended[j.ID] += extra
	return nil
}

func (f *FakeCompute) Suspend(_ context.Context, j *job.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.suspended = append(f.suspended, j.ID)
	return nil
}

func (f *FakeCompute) FollowLogs(ctx context.Context, _ *job.Job, emit provider.EmitFunc) error {
	f.mu.Lock()
	f.follows++
	lines := append([]provider.LogLine(nil), f.Logs...)
	f.mu.Unlock()
	for _, l := range lines {
		if err := emit(l); err != nil {
			return err
		}
	}
	<-ctx.Done()
	return ctx.Err()
}

func (f *FakeCompute) RetrieveSupport(context.Context) (provider.ComputeSupport, error) {
	return f.Support, nil
}

// Created returns the jobs passed to Create.
func (f *FakeCompute) Created() []*job.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*job.Job(nil), f.created...)
}

// Deleted returns the ids passed to Delete, in order.
func (f *FakeCompute) Deleted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

// Extended returns the total extension granted to a job.
func (f *FakeCompute) Extended(id string) time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.extended[id]
}

// Suspended returns the ids passed to Suspend.
func (f *FakeCompute) Suspended() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.suspended...)
}

// Inits returns how many times Init ran.
func (f *FakeCompute) Inits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inits
}

// Follows returns how many FollowLogs calls started.
func (f *FakeCompute) Follows() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.follows
}

// FakeStorage implements FileCollectionPlugin and FilePlugin in memory.
type FakeStorage struct {
	provider.UnimplementedFiles

	mu          sync.Mutex
	collections map[string]*job.Collection
	files       map[string][]byte
	writers     []*provider.LocalIdentity
}

// NewFakeStorage creates empty storage.
func NewFakeStorage() *FakeStorage {
	return &FakeStorage{
		collections: make(map[string]*job.Collection),
		files:       make(map[string][]byte),
	}
}

func (s *FakeStorage) Init(context.Context, job.Owner) error { return nil }

func (s *FakeStorage) Create(_ context.Context, c *job.Collection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collections[c.ID] = c.Clone()
	return nil
}

func (s *FakeStorage) Delete(_ context.Context, c *job.Collection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.collections[c.ID]; !ok {
		return provider.NotFound("collection does not exist")
	}
	delete(s.collections, c.ID)
	return nil
}

func (s *FakeStorage) Verify(context.Context, []*job.Collection) ([]string, error) { return nil, nil }

func (s *FakeStorage) UpdateACL(_ context.Context, c *job.Collection, acl []job.ACLEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stored, ok := s.collections[c.ID]; ok {
		stored.ACL = acl
	}
	return nil
}

func (s *FakeStorage) RetrieveSupport(context.Context) (provider.CollectionSupport, error) {
	return provider.CollectionSupport{Create: true, Delete: true, ACL: true}, nil
}

func (s *FakeStorage) Browse(_ context.Context, c *job.Collection, _ string) ([]provider.FileEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []provider.FileEntry
	prefix := c.ID + "/"
	for key, data := range s.files {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			out = append(out, provider.FileEntry{Path: key[len(prefix):], Type: provider.FileTypeFile, Size: int64(len(data))})
		}
	}
	return out, nil
}

func (s *FakeStorage) Write(_ context.Context, req provider.WriteRequest) error {
	data, err := io.ReadAll(io.LimitReader(req.Body, req.Size))
	if err != nil {
		return err
	}
	if int64(len(data)) != req.Size {
		return provider.BadRequest(fmt.Sprintf("expected %d bytes, got %d", req.Size, len(data)))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.collections[req.Collection.ID]; !ok {
		return provider.NotFound("collection does not exist")
	}
	s.files[req.Collection.ID+"/"+req.Path] = data
	s.writers = append(s.writers, req.As)
	return nil
}

// File returns a written file's contents.
func (s *FakeStorage) File(collectionID, path string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.files[collectionID+"/"+path]
	return data, ok
}

// Collection returns a stored collection.
func (s *FakeStorage) Collection(id string) (*job.Collection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.collections[id]
	return c.Clone(), ok
}

// Writers returns the identities writes were authorized as.
func (s *FakeStorage) Writers() []*provider.LocalIdentity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*provider.LocalIdentity(nil), s.writers...)
}

// FakeIdentity maps usernames through a fixed table.
type FakeIdentity map[string]provider.LocalIdentity

func (f FakeIdentity) MapUCloudToLocal(_ context.Context, username string) (provider.LocalIdentity, error) {
	id, ok := f[username]
	if !ok {
		return provider.LocalIdentity{}, provider.NotFound("no local identity for " + username)
	}
	return id, nil
}

func (f FakeIdentity) MapLocalToUCloud(_ context.Context, uid int) (string, error) {
	for name, id := range f {
		if id.UID == uid {
			return name, nil
		}
	}
	return "", provider.NotFound(fmt.Sprintf("no user for uid %d", uid))
}

// FakeAllocations answers deposits from a table keyed by allocation id;
// unlisted allocations are managed by the platform.
type FakeAllocations map[string]job.AllocationMode

func (f FakeAllocations) OnResourceAllocation(_ context.Context, notifications []job.DepositNotification) ([]job.AllocationMode, error) {
	out := make([]job.AllocationMode, len(notifications))
	for i, n := range notifications {
		if mode, ok := f[n.AllocationID]; ok {
			out[i] = mode
			continue
		}
		out[i] = job.ManageThroughUCloud(n.AllocationID)
	}
	return out, nil
}

var (
	_ provider.ComputePlugin        = (*FakeCompute)(nil)
	_ provider.FileCollectionPlugin = (*FakeStorage)(nil)
	_ provider.FilePlugin           = (*FakeStorage)(nil)
	_ provider.IdentityMapperPlugin = FakeIdentity(nil)
	_ provider.AllocationPlugin     = FakeAllocations(nil)
)
