package provider

import (
	"io"
	"time"

	"computeplane/internal/job"
)

// Product is a machine type a provider sells.
type Product struct {
	ID             string        `json:"id" yaml:"id"`
	Category       string        `json:"category" yaml:"category"`
	PricePerMinute int64         `json:"pricePerMinute" yaml:"pricePerMinute"`
	MaxNodes       int           `json:"maxNodes" yaml:"maxNodes"`
	MaxTime        time.Duration `json:"maxTime" yaml:"maxTime"`
}

// ComputeSupport declares what the compute plugin can do.
type ComputeSupport struct {
	Backends    []string `json:"backends"`
	Extend      bool     `json:"extend"`
	Suspend     bool     `json:"suspend"`
	Interactive bool     `json:"interactive"`
	Logs        bool     `json:"logs"`
}

// CollectionSupport declares what the storage plugins can do.
type CollectionSupport struct {
	Create   bool `json:"create"`
	Delete   bool `json:"delete"`
	ACL      bool `json:"acl"`
	ReadOnly bool `json:"readOnly"`
}

// Manifest is a provider's support manifest, discovered at startup.
type Manifest struct {
	Provider        string             `json:"provider"`
	Products        []Product          `json:"products"`
	Compute         *ComputeSupport    `json:"compute,omitempty"`
	Collections     *CollectionSupport `json:"collections,omitempty"`
	Files           bool               `json:"files"`
	Allocations     bool               `json:"allocations"`
	IdentityMapping bool               `json:"identityMapping"`
	Connection      bool               `json:"connection"`
}

// Product returns the product with the given id.
func (m *Manifest) Product(id string) (Product, bool) {
	for _, p := range m.Products {
		if p.ID == id {
			return p, true
		}
	}
	return Product{}, false
}

// Stream names.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// LogLine is one line of job output.
type LogLine struct {
	Stream string `json:"stream"`
	Text   string `json:"text"`
}

// EmitFunc receives log lines from FollowLogs. An error stops the follow.
type EmitFunc func(LogLine) error

// SessionKind is the type of interactive session requested.
type SessionKind string

const (
	SessionWeb   SessionKind = "WEB"
	SessionVNC   SessionKind = "VNC"
	SessionShell SessionKind = "SHELL"
)

// Session is an open interactive session.
type Session struct {
	Kind      SessionKind `json:"kind"`
	URL       string      `json:"url"`
	ExpiresAt time.Time   `json:"expiresAt"`
}

// FileType distinguishes files from directories.
type FileType string

const (
	FileTypeFile      FileType = "FILE"
	FileTypeDirectory FileType = "DIRECTORY"
)

// FileEntry is one entry of a browse listing.
type FileEntry struct {
	Path       string    `json:"path"`
	Type       FileType  `json:"type"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modifiedAt"`
}

// LocalIdentity is a provider-side account.
type LocalIdentity struct {
	Name string `json:"name" yaml:"name"`
	UID  int    `json:"uid" yaml:"uid"`
	GID  int    `json:"gid" yaml:"gid"`
}

// ConnectionTicket lets a user finish linking their identity on the provider.
type ConnectionTicket struct {
	URL    string `json:"url"`
	Ticket string `json:"ticket"`
}

// WriteRequest streams a file into a collection. Size is the declared
// Content-Length; implementations must not read more.
type WriteRequest struct {
	Collection *job.Collection
	Path       string
	Extract    bool
	Size       int64
	Body       io.Reader
	// As is the local identity the write is authorized as, when the provider maps identities.
	As *LocalIdentity
}
