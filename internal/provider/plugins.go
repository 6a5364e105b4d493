// Package provider defines the contract a provider backend implements to take
// part in the control plane, the defaults plugins embed for absent
// capabilities, and the registry the orchestrator dispatches through.
package provider

import (
	"context"
	"time"

	"computeplane/internal/job"
)

// Resource is anything managed through the generic lifecycle.
type Resource interface {
	ResourceID() string
}

// ResourcePlugin is the lifecycle shared by compute and storage resources.
type ResourcePlugin[R Resource] interface {
	// Init is called once per owner before their first Create.
	Init(ctx context.Context, owner job.Owner) error
	Create(ctx context.Context, resource R) error
	Delete(ctx context.Context, resource R) error
	// Verify returns the ids of resources the provider no longer tracks.
	Verify(ctx context.Context, resources []R) ([]string, error)
	UpdateACL(ctx context.Context, resource R, acl []job.ACLEntry) error
}

// ProductCatalog lists the products a provider sells.
type ProductCatalog interface {
	RetrieveProducts(ctx context.Context) ([]Product, error)
}

// ComputePlugin runs jobs.
type ComputePlugin interface {
	ResourcePlugin[*job.Job]
	Extend(ctx context.Context, j *job.Job, extra time.Duration) error
	Suspend(ctx context.Context, j *job.Job) error
	// FollowLogs streams output through emit until the job's output ends or
	// ctx is cancelled. Implementations must stop emitting promptly on cancel.
	FollowLogs(ctx context.Context, j *job.Job, emit EmitFunc) error
	RetrieveSupport(ctx context.Context) (ComputeSupport, error)
	OpenInteractiveSession(ctx context.Context, j *job.Job, kind SessionKind) (*Session, error)
}

// FileCollectionPlugin manages collections.
type FileCollectionPlugin interface {
	ResourcePlugin[*job.Collection]
	RetrieveSupport(ctx context.Context) (CollectionSupport, error)
}

// FilePlugin operates on the files inside a collection.
type FilePlugin interface {
	Browse(ctx context.Context, c *job.Collection, path string) ([]FileEntry, error)
	Retrieve(ctx context.Context, c *job.Collection, path string) (*FileEntry, error)
	CreateFolder(ctx context.Context, c *job.Collection, path string) error
	Move(ctx context.Context, c *job.Collection, from, to string) error
	Copy(ctx context.Context, c *job.Collection, from, to string) error
	Trash(ctx context.Context, c *job.Collection, path string) error
	Write(ctx context.Context, req WriteRequest) error
}

// AllocationPlugin decides who manages each deposited allocation.
type AllocationPlugin interface {
	OnResourceAllocation(ctx context.Context, notifications []job.DepositNotification) ([]job.AllocationMode, error)
}

// IdentityMapperPlugin resolves between platform users and local accounts.
type IdentityMapperPlugin interface {
	MapUCloudToLocal(ctx context.Context, username string) (LocalIdentity, error)
	MapLocalToUCloud(ctx context.Context, uid int) (string, error)
}

// ConnectionPlugin starts the identity linking flow for a user.
type ConnectionPlugin interface {
	Connect(ctx context.Context, username string) (ConnectionTicket, error)
}

// Plugins is the capability set of one provider. Nil members are capabilities
// the provider does not declare.
type Plugins struct {
	Products    ProductCatalog
	Compute     ComputePlugin
	Collections FileCollectionPlugin
	Files       FilePlugin
	Allocations AllocationPlugin
	Identity    IdentityMapperPlugin
	Connection  ConnectionPlugin
}

// Describe builds the support manifest from the declared plugins.
func (p Plugins) Describe(ctx context.Context, providerID string) (Manifest, error) {
	m := Manifest{
		Provider:        providerID,
		Files:           p.Files != nil,
		Allocations:     p.Allocations != nil,
		IdentityMapping: p.Identity != nil,
		Connection:      p.Connection != nil,
	}
	if p.Products != nil {
		products, err := p.Products.RetrieveProducts(ctx)
		if err != nil {
			return Manifest{}, err
		}
		m.Products = products
	}
	if p.Compute != nil {
		support, err := p.Compute.RetrieveSupport(ctx)
		if err != nil {
			return Manifest{}, err
		}
		m.Compute = &support
	}
	if p.Collections != nil {
		support, err := p.Collections.RetrieveSupport(ctx)
		if err != nil {
			return Manifest{}, err
		}
		m.Collections = &support
	}
	return m, nil
}

// StaticProducts is a fixed product list.
type StaticProducts []Product

func (s StaticProducts) RetrieveProducts(context.Context) ([]Product, error) {
	return append([]Product(nil), s...), nil
}
