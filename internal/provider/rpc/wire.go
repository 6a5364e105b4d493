// Package rpc carries the provider plugin contract over HTTP. Server exposes a
// provider's Plugins; Client is the orchestrator's view of a remote provider.
package rpc

import (
	"computeplane/internal/job"
	"computeplane/internal/provider"
)

// Routes are relative to /ucloud/{providerId}.
const (
	pathManifest = "/manifest"

	pathJobsInit        = "/jobs/init"
	pathJobsCreate      = "/jobs"
	pathJobsDelete      = "/jobs/delete"
	pathJobsExtend      = "/jobs/extend"
	pathJobsSuspend     = "/jobs/suspend"
	pathJobsVerify      = "/jobs/verify"
	pathJobsFollow      = "/jobs/follow"
	pathJobsInteractive = "/jobs/interactive"
	pathJobsACL         = "/jobs/acl"

	pathCollectionsInit   = "/collections/init"
	pathCollectionsCreate = "/collections"
	pathCollectionsDelete = "/collections/delete"
	pathCollectionsVerify = "/collections/verify"
	pathCollectionsACL    = "/collections/acl"

	pathFilesBrowse   = "/files/browse"
	pathFilesRetrieve = "/files/retrieve"
	pathFilesFolder   = "/files/folder"
	pathFilesMove     = "/files/move"
	pathFilesCopy     = "/files/copy"
	pathFilesTrash    = "/files/trash"
	pathFilesUpload   = "/files/upload"

	pathAllocations   = "/allocations"
	pathIdentityLocal = "/identity/local"
	pathIdentityUser  = "/identity/ucloud"
	pathConnection    = "/connection"
)

// Upload headers. Collection and identity travel base64url-encoded JSON so the
// body can stay a raw byte stream.
const (
	headerUploadCollection = "Upload-Collection"
	headerUploadPath       = "Upload-Path"
	headerUploadExtract    = "Upload-Extract"
	headerUploadAs         = "Upload-As"
)

type ownerRequest struct {
	Owner job.Owner `json:"owner"`
}

// createJobRequest carries the access token separately because it is never
// part of the job's JSON form.
type createJobRequest struct {
	Job         *job.Job `json:"job"`
	AccessToken string   `json:"accessToken"`
}

type jobRequest struct {
	Job *job.Job `json:"job"`
}

type extendRequest struct {
	Job     *job.Job `json:"job"`
	ExtraMs int64    `json:"extraMs"`
}

type jobsRequest struct {
	Jobs []*job.Job `json:"jobs"`
}

type lostResponse struct {
	Lost []string `json:"lost"`
}

type jobACLRequest struct {
	Job *job.Job       `json:"job"`
	ACL []job.ACLEntry `json:"acl"`
}

type sessionRequest struct {
	Job  *job.Job             `json:"job"`
	Kind provider.SessionKind `json:"kind"`
}

type collectionRequest struct {
	Collection *job.Collection `json:"collection"`
}

type collectionsRequest struct {
	Collections []*job.Collection `json:"collections"`
}

type collectionACLRequest struct {
	Collection *job.Collection `json:"collection"`
	ACL        []job.ACLEntry  `json:"acl"`
}

type fileRequest struct {
	Collection *job.Collection `json:"collection"`
	Path       string          `json:"path"`
	To         string          `json:"to,omitempty"`
}

type browseResponse struct {
	Entries []provider.FileEntry `json:"entries"`
}

type allocationRequest struct {
	Notifications []job.DepositNotification `json:"notifications"`
}

type allocationResponse struct {
	Modes []job.AllocationMode `json:"modes"`
}

type usernameRequest struct {
	Username string `json:"username"`
}

type uidRequest struct {
	UID int `json:"uid"`
}

// followFrame is one NDJSON line of a log follow. The last frame carries Error
// when the plugin's follow ended with a failure.
type followFrame struct {
	Line  *provider.LogLine `json:"line,omitempty"`
	Error *provider.Error   `json:"error,omitempty"`
}
