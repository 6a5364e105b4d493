package job

import (
	"slices"
	"time"
)

// Permission is a right granted on a collection.
type Permission string

const (
	PermissionRead  Permission = "READ"
	PermissionEdit  Permission = "EDIT"
	PermissionAdmin Permission = "ADMIN"
)

// ACLEntry grants permissions to a user or group.
type ACLEntry struct {
	Entity      string       `json:"entity"` // "user:<name>" or "group:<id>"
	Permissions []Permission `json:"permissions"`
}

// Collection is a provider-hosted folder tree exposed to jobs. Outputs land in
// the job's ArchiveInCollection.
type Collection struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Owner     Owner      `json:"owner"`
	Provider  string     `json:"provider"`
	Product   string     `json:"product,omitempty"`
	ACL       []ACLEntry `json:"acl,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

// ResourceID implements the resource contract used by provider dispatch.
func (c *Collection) ResourceID() string { return c.ID }

// Clone returns a deep copy.
func (c *Collection) Clone() *Collection {
	if c == nil {
		return nil
	}
	out := *c
	out.ACL = make([]ACLEntry, len(c.ACL))
	for i, e := range c.ACL {
		out.ACL[i] = ACLEntry{Entity: e.Entity, Permissions: slices.Clone(e.Permissions)}
	}
	return &out
}
