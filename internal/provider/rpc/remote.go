package rpc

import (
	"context"
	"net/http"
	"time"

	"computeplane/internal/job"
	"computeplane/internal/provider"
)

type remoteCompute struct {
	c       *Client
	support provider.ComputeSupport
}

func (r *remoteCompute) Init(ctx context.Context, owner job.Owner) error {
	return r.c.call(ctx, "jobs.init", http.MethodPost, pathJobsInit, ownerRequest{Owner: owner}, nil, true)
}

func (r *remoteCompute) Create(ctx context.Context, j *job.Job) error {
	req := createJobRequest{Job: j, AccessToken: j.AccessToken}
	return r.c.call(ctx, "jobs.create", http.MethodPost, pathJobsCreate, req, nil, false)
}

func (r *remoteCompute) Delete(ctx context.Context, j *job.Job) error {
	return r.c.call(ctx, "jobs.delete", http.MethodPost, pathJobsDelete, jobRequest{Job: j}, nil, true)
}

func (r *remoteCompute) Verify(ctx context.Context, jobs []*job.Job) ([]string, error) {
	var out lostResponse
	err := r.c.call(ctx, "jobs.verify", http.MethodPost, pathJobsVerify, jobsRequest{Jobs: jobs}, &out, true)
	return out.Lost, err
}

func (r *remoteCompute) UpdateACL(ctx context.Context, j *job.Job, acl []job.ACLEntry) error {
	return r.c.call(ctx, "jobs.acl", http.MethodPost, pathJobsACL, jobACLRequest{Job: j, ACL: acl}, nil, true)
}

func (r *remoteCompute) Extend(ctx context.Context, j *job.Job, extra time.Duration) error {
	req := extendRequest{Job: j, ExtraMs: extra.Milliseconds()}
	return r.c.call(ctx, "jobs.extend", http.MethodPost, pathJobsExtend, req, nil, false)
}

func (r *remoteCompute) Suspend(ctx context.Context, j *job.Job) error {
	return r.c.call(ctx, "jobs.suspend", http.MethodPost, pathJobsSuspend, jobRequest{Job: j}, nil, true)
}

func (r *remoteCompute) FollowLogs(ctx context.Context, j *job.Job, emit provider.EmitFunc) error {
	return r.c.follow(ctx, j, emit)
}

func (r *remoteCompute) RetrieveSupport(context.Context) (provider.ComputeSupport, error) {
	return r.support, nil
}

func (r *remoteCompute) OpenInteractiveSession(ctx context.Context, j *job.Job, kind provider.SessionKind) (*provider.Session, error) {
	var out provider.Session
	if err := r.c.call(ctx, "jobs.interactive", http.MethodPost, pathJobsInteractive, sessionRequest{Job: j, Kind: kind}, &out, false); err != nil {
		return nil, err
	}
	return &out, nil
}

type remoteCollections struct {
	c       *Client
	support provider.CollectionSupport
}

func (r *remoteCollections) Init(ctx context.Context, owner job.Owner) error {
	return r.c.call(ctx, "collections.init", http.MethodPost, pathCollectionsInit, ownerRequest{Owner: owner}, nil, true)
}

func (r *remoteCollections) Create(ctx context.Context, col *job.Collection) error {
	return r.c.call(ctx, "collections.create", http.MethodPost, pathCollectionsCreate, collectionRequest{Collection: col}, nil, false)
}

func (r *remoteCollections) Delete(ctx context.Context, col *job.Collection) error {
	return r.c.call(ctx, "collections.delete", http.MethodPost, pathCollectionsDelete, collectionRequest{Collection: col}, nil, true)
}

func (r *remoteCollections) Verify(ctx context.Context, cols []*job.Collection) ([]string, error) {
	var out lostResponse
	err := r.c.call(ctx, "collections.verify", http.MethodPost, pathCollectionsVerify, collectionsRequest{Collections: cols}, &out, true)
	return out.Lost, err
}

func (r *remoteCollections) UpdateACL(ctx context.Context, col *job.Collection, acl []job.ACLEntry) error {
	req := collectionACLRequest{Collection: col, ACL: acl}
	return r.c.call(ctx, "collections.acl", http.MethodPost, pathCollectionsACL, req, nil, true)
}

func (r *remoteCollections) RetrieveSupport(context.Context) (provider.CollectionSupport, error) {
	return r.support, nil
}

type remoteFiles struct {
	c *Client
}

func (r *remoteFiles) Browse(ctx context.Context, col *job.Collection, path string) ([]provider.FileEntry, error) {
	var out browseResponse
	err := r.c.call(ctx, "files.browse", http.MethodPost, pathFilesBrowse, fileRequest{Collection: col, Path: path}, &out, true)
	return out.Entries, err
}

func (r *remoteFiles) Retrieve(ctx context.Context, col *job.Collection, path string) (*provider.FileEntry, error) {
	var out provider.FileEntry
	if err := r.c.call(ctx, "files.retrieve", http.MethodPost, pathFilesRetrieve, fileRequest{Collection: col, Path: path}, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *remoteFiles) CreateFolder(ctx context.Context, col *job.Collection, path string) error {
	return r.c.call(ctx, "files.folder", http.MethodPost, pathFilesFolder, fileRequest{Collection: col, Path: path}, nil, true)
}

func (r *remoteFiles) Move(ctx context.Context, col *job.Collection, from, to string) error {
	return r.c.call(ctx, "files.move", http.MethodPost, pathFilesMove, fileRequest{Collection: col, Path: from, To: to}, nil, false)
}

func (r *remoteFiles) Copy(ctx context.Context, col *job.Collection, from, to string) error {
	return r.c.call(ctx, "files.copy", http.MethodPost, pathFilesCopy, fileRequest{Collection: col, Path: from, To: to}, nil, true)
}

func (r *remoteFiles) Trash(ctx context.Context, col *job.Collection, path string) error {
	return r.c.call(ctx, "files.trash", http.MethodPost, pathFilesTrash, fileRequest{Collection: col, Path: path}, nil, true)
}

func (r *remoteFiles) Write(ctx context.Context, req provider.WriteRequest) error {
	return r.c.upload(ctx, req)
}

type remoteAllocations struct {
	c *Client
}

func (r *remoteAllocations) OnResourceAllocation(ctx context.Context, notifications []job.DepositNotification) ([]job.AllocationMode, error) {
	var out allocationResponse
	err := r.c.call(ctx, "allocations", http.MethodPost, pathAllocations, allocationRequest{Notifications: notifications}, &out, true)
	return out.Modes, err
}

type remoteIdentity struct {
	c *Client
}

func (r *remoteIdentity) MapUCloudToLocal(ctx context.Context, username string) (provider.LocalIdentity, error) {
	var out provider.LocalIdentity
	err := r.c.call(ctx, "identity.local", http.MethodPost, pathIdentityLocal, usernameRequest{Username: username}, &out, true)
	return out, err
}

func (r *remoteIdentity) MapLocalToUCloud(ctx context.Context, uid int) (string, error) {
	var out usernameRequest
	err := r.c.call(ctx, "identity.ucloud", http.MethodPost, pathIdentityUser, uidRequest{UID: uid}, &out, true)
	return out.Username, err
}

type remoteConnection struct {
	c *Client
}

func (r *remoteConnection) Connect(ctx context.Context, username string) (provider.ConnectionTicket, error) {
	var out provider.ConnectionTicket
	err := r.c.call(ctx, "connection", http.MethodPost, pathConnection, usernameRequest{Username: username}, &out, false)
	return out, err
}

var (
	_ provider.ComputePlugin        = (*remoteCompute)(nil)
	_ provider.FileCollectionPlugin = (*remoteCollections)(nil)
	_ provider.FilePlugin           = (*remoteFiles)(nil)
	_ provider.AllocationPlugin     = (*remoteAllocations)(nil)
	_ provider.IdentityMapperPlugin = (*remoteIdentity)(nil)
	_ provider.ConnectionPlugin     = (*remoteConnection)(nil)
)
