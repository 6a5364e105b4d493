package orchestrator

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"

	"computeplane/internal/apperrors"
	"computeplane/internal/job"
	"computeplane/internal/provider"
	"computeplane/pkg/archive"
)

// IncomingFile is a file a provider pushes into a job's output collection.
// Size is the declared Content-Length and bounds what is read from Body.
type IncomingFile struct {
	JobID   string
	Path    string
	Extract bool
	Size    int64
	Body    io.Reader
}

// WriteOutput streams an output file into the job's collection, under a
// folder named after the job. With Extract set the body is a tar or tar.gz
// archive unpacked by the storage provider.
func (o *Orchestrator) WriteOutput(ctx context.Context, in IncomingFile) error {
	if in.Size < 0 {
		return apperrors.LengthRequired("content length is required")
	}
	j, err := o.store.GetJob(ctx, in.JobID)
	if err != nil {
		return err
	}
	if j.ArchiveInCollection == "" {
		return apperrors.NotFound("output collection of job", j.ID)
	}
	c, err := o.store.GetCollection(ctx, j.ArchiveInCollection)
	if err != nil {
		return err
	}

	rel := ""
	if in.Path != "" {
		if rel, err = archive.CleanName(in.Path); err != nil {
			return apperrors.Validation("path", err.Error())
		}
	}
	if !in.Extract {
		if rel == "" {
			return apperrors.Validation("path", "a file path is required")
		}
		if globs := j.Specification.OutputGlobs; len(globs) > 0 && !matchesAny(globs, rel) {
			return apperrors.Forbidden(fmt.Sprintf("%s is not a declared output", rel))
		}
	}
	dest := j.ID
	if rel != "" {
		dest += "/" + rel
	}

	entry, err := o.registry.Lookup(c.Provider)
	if err != nil {
		return err
	}
	files, err := entry.Files()
	if err != nil {
		return err
	}
	req := provider.WriteRequest{Collection: c, Path: dest, Extract: in.Extract, Size: in.Size, Body: in.Body}
	if mapper, ok := entry.Identity(); ok {
		local, err := mapper.MapUCloudToLocal(ctx, j.Owner.Username)
		if err != nil {
			if errors.Is(err, apperrors.ErrNotFound) {
				return apperrors.Forbidden(fmt.Sprintf("%s has no identity on provider %s", j.Owner.Username, c.Provider))
			}
			return err
		}
		req.As = &local
	}
	if err := files.Write(ctx, req); err != nil {
		return err
	}

	o.jobLogger(j).InfoContext(ctx, "Output written", "collection", c.ID, "path", dest, "bytes", in.Size, "extract", in.Extract)
	return nil
}

func matchesAny(globs []string, name string) bool {
	return slices.ContainsFunc(globs, func(g string) bool {
		ok, err := doublestar.Match(g, name)
		return err == nil && ok
	})
}

// LookupOwnJob lets a running job read its own record with its access token.
// A token of any other job is rejected the same way as a garbled one.
func (o *Orchestrator) LookupOwnJob(ctx context.Context, id, token string) (*job.Job, error) {
	j, err := o.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(j.AccessToken)) != 1 {
		return nil, apperrors.Unauthorized("invalid job token")
	}
	return j, nil
}

// NotifyDeposit forwards deposit notifications to the provider and records
// who manages each allocation. The first mode recorded for an allocation is
// final.
func (o *Orchestrator) NotifyDeposit(ctx context.Context, providerID string, notifications []job.DepositNotification) ([]job.AllocationMode, error) {
	if len(notifications) == 0 {
		return nil, nil
	}
	for i, n := range notifications {
		if n.AllocationID == "" {
			return nil, apperrors.Validation(fmt.Sprintf("notifications[%d].allocationId", i), "allocation id is required")
		}
	}
	entry, err := o.registry.Lookup(providerID)
	if err != nil {
		return nil, err
	}
	modes, err := entry.Allocations().OnResourceAllocation(ctx, notifications)
	if err != nil {
		return nil, err
	}
	if len(modes) != len(notifications) {
		return nil, apperrors.Internal("allocation modes",
			fmt.Errorf("provider %s answered %d of %d notifications", providerID, len(modes), len(notifications)))
	}

	logger := o.logger.With("provider", providerID)
	effective := make([]job.AllocationMode, len(modes))
	for i, mode := range modes {
		mode.AllocationID = notifications[i].AllocationID
		mode.RecordedAt = o.now()
		kept, recorded, err := o.store.RecordAllocation(ctx, mode)
		if err != nil {
			return nil, fmt.Errorf("record allocation %s: %w", mode.AllocationID, err)
		}
		switch {
		case recorded:
			logger.InfoContext(ctx, "Allocation mode recorded", "allocationId", mode.AllocationID, "managedBy", mode.ManagedBy)
		case kept.ManagedBy != mode.ManagedBy:
			logger.WarnContext(ctx, "Ignoring changed allocation mode", "allocationId", mode.AllocationID,
				"recorded", kept.ManagedBy, "proposed", mode.ManagedBy)
		}
		effective[i] = kept
	}
	return effective, nil
}

// CreateCollectionRequest asks a provider to host a new collection.
type CreateCollectionRequest struct {
	Provider string `json:"provider"`
	Title    string `json:"title"`
	Product  string `json:"product,omitempty"`
}

// CreateCollection creates a collection on the requested provider.
func (o *Orchestrator) CreateCollection(ctx context.Context, owner job.Owner, req CreateCollectionRequest) (*job.Collection, error) {
	if owner.Username == "" {
		return nil, apperrors.Unauthorized("a user is required")
	}
	if strings.TrimSpace(req.Title) == "" {
		return nil, apperrors.Validation("title", "title is required")
	}
	entry, err := o.registry.Lookup(req.Provider)
	if err != nil {
		return nil, err
	}
	return o.createCollection(ctx, owner, entry, req)
}

func (o *Orchestrator) createCollection(ctx context.Context, owner job.Owner, entry *provider.Entry, req CreateCollectionRequest) (*job.Collection, error) {
	lc, err := entry.Collections()
	if err != nil {
		return nil, err
	}
	c := &job.Collection{
		ID:        uuid.NewString(),
		Title:     req.Title,
		Owner:     owner,
		Provider:  entry.ID,
		Product:   req.Product,
		CreatedAt: o.now(),
	}
	if err := lc.Create(ctx, owner, c.Clone()); err != nil {
		return nil, err
	}
	if err := o.store.UpsertCollection(ctx, c); err != nil {
		return nil, fmt.Errorf("persist collection: %w", err)
	}
	o.logger.InfoContext(ctx, "Collection created", "collectionId", c.ID, "provider", entry.ID, "owner", owner.Key())
	return c, nil
}

// DeleteCollection removes one of the owner's collections from its provider.
func (o *Orchestrator) DeleteCollection(ctx context.Context, owner job.Owner, id string) error {
	c, lc, err := o.ownedCollection(ctx, owner, id)
	if err != nil {
		return err
	}
	if err := lc.Delete(ctx, c.Clone()); err != nil {
		return err
	}
	if err := o.store.DeleteCollection(ctx, id); err != nil {
		return fmt.Errorf("delete collection %s: %w", id, err)
	}
	o.logger.InfoContext(ctx, "Collection deleted", "collectionId", id, "provider", c.Provider)
	return nil
}

// UpdateCollectionACL replaces the access list of one of the owner's collections.
func (o *Orchestrator) UpdateCollectionACL(ctx context.Context, owner job.Owner, id string, acl []job.ACLEntry) (*job.Collection, error) {
	for i, e := range acl {
		if !strings.HasPrefix(e.Entity, "user:") && !strings.HasPrefix(e.Entity, "group:") {
			return nil, apperrors.Validation(fmt.Sprintf("acl[%d].entity", i), "entity must start with user: or group:")
		}
		for _, p := range e.Permissions {
			switch p {
			case job.PermissionRead, job.PermissionEdit, job.PermissionAdmin:
			default:
				return nil, apperrors.Validation(fmt.Sprintf("acl[%d].permissions", i), fmt.Sprintf("unknown permission %q", p))
			}
		}
	}
	c, lc, err := o.ownedCollection(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	if err := lc.UpdateACL(ctx, c.Clone(), acl); err != nil {
		return nil, err
	}
	c.ACL = acl
	if err := o.store.UpsertCollection(ctx, c); err != nil {
		return nil, fmt.Errorf("persist collection: %w", err)
	}
	return c, nil
}

// Browse lists a folder of a collection the caller owns or was granted.
func (o *Orchestrator) Browse(ctx context.Context, owner job.Owner, id, path string) ([]provider.FileEntry, error) {
	c, err := o.store.GetCollection(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Owner.Key() != owner.Key() && !granted(c, owner.Username) {
		return nil, apperrors.NotFound("collection", id)
	}
	if path != "" {
		if path, err = archive.CleanName(path); err != nil {
			return nil, apperrors.Validation("path", err.Error())
		}
	}
	entry, err := o.registry.Lookup(c.Provider)
	if err != nil {
		return nil, err
	}
	files, err := entry.Files()
	if err != nil {
		return nil, err
	}
	return files.Browse(ctx, c, path)
}

// granted reports whether the collection's ACL gives username any access.
func granted(c *job.Collection, username string) bool {
	for _, e := range c.ACL {
		if e.Entity == "user:"+username && len(e.Permissions) > 0 {
			return true
		}
	}
	return false
}

func (o *Orchestrator) ownedCollection(ctx context.Context, owner job.Owner, id string) (*job.Collection, *provider.Lifecycle[*job.Collection], error) {
	c, err := o.store.GetCollection(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if c.Owner.Key() != owner.Key() {
		return nil, nil, apperrors.NotFound("collection", id)
	}
	entry, err := o.registry.Lookup(c.Provider)
	if err != nil {
		return nil, nil, err
	}
	lc, err := entry.Collections()
	if err != nil {
		return nil, nil, err
	}
	return c, lc, nil
}
