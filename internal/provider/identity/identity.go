// Package identity maps platform users onto local accounts of a provider.
package identity

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"computeplane/internal/provider"
)

// Mapping links one platform user to a local account.
type Mapping struct {
	Username string `yaml:"username"`

	provider.LocalIdentity `yaml:",inline"`
}

type mappingFile struct {
	Users []Mapping `yaml:"users"`
}

// Static is an in-memory mapping table, seeded from a YAML file and extended
// by completed connections.
type Static struct {
	mu     sync.RWMutex
	byUser map[string]provider.LocalIdentity
	byUID  map[int]string
}

// NewStatic builds a mapper from mappings. Later duplicates win.
func NewStatic(mappings ...Mapping) *Static {
	s := &Static{byUser: make(map[string]provider.LocalIdentity), byUID: make(map[int]string)}
	for _, m := range mappings {
		s.Add(m.Username, m.LocalIdentity)
	}
	return s
}

// LoadFile reads mappings from path.
func LoadFile(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read identity file: %w", err)
	}
	var file mappingFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse identity file: %w", err)
	}
	for i, m := range file.Users {
		if m.Username == "" || m.Name == "" {
			return nil, fmt.Errorf("identity %d: username and name are required", i)
		}
	}
	return NewStatic(file.Users...), nil
}

// Add records or replaces a mapping.
func (s *Static) Add(username string, local provider.LocalIdentity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.byUser[username]; ok {
		delete(s.byUID, prev.UID)
	}
	s.byUser[username] = local
	s.byUID[local.UID] = username
}

func (s *Static) MapUCloudToLocal(_ context.Context, username string) (provider.LocalIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	local, ok := s.byUser[username]
	if !ok {
		return provider.LocalIdentity{}, provider.NotFound("no local identity for " + username)
	}
	return local, nil
}

func (s *Static) MapLocalToUCloud(_ context.Context, uid int) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	name, ok := s.byUID[uid]
	if !ok {
		return "", provider.NotFound(fmt.Sprintf("no user for uid %d", uid))
	}
	return name, nil
}

type pending struct {
	username string
	expires  time.Time
}

// Tickets issues one-time connection tickets. A ticket is redeemed on the
// provider side with the local account the user proved ownership of.
type Tickets struct {
	baseURL string
	ttl     time.Duration
	mapper  *Static
	now     func() time.Time

	mu      sync.Mutex
	pending map[string]pending
}

// NewTickets creates a connection plugin that completes into mapper.
func NewTickets(baseURL string, ttl time.Duration, mapper *Static) *Tickets {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Tickets{baseURL: baseURL, ttl: ttl, mapper: mapper, now: time.Now, pending: make(map[string]pending)}
}

func (t *Tickets) Connect(_ context.Context, username string) (provider.ConnectionTicket, error) {
	if username == "" {
		return provider.ConnectionTicket{}, provider.BadRequest("username is required")
	}
	ticket := uuid.NewString()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.expireLocked()
	t.pending[ticket] = pending{username: username, expires: t.now().Add(t.ttl)}
	return provider.ConnectionTicket{
		Ticket: ticket,
		URL:    t.baseURL + "/connect?ticket=" + url.QueryEscape(ticket),
	}, nil
}

// Complete redeems ticket and maps its user to local. Tickets are single use.
func (t *Tickets) Complete(ticket string, local provider.LocalIdentity) (string, error) {
	t.mu.Lock()
	p, ok := t.pending[ticket]
	delete(t.pending, ticket)
	t.mu.Unlock()
	if !ok || t.now().After(p.expires) {
		return "", provider.NotFound("unknown or expired ticket")
	}
	t.mapper.Add(p.username, local)
	return p.username, nil
}

func (t *Tickets) expireLocked() {
	now := t.now()
	for k, p := range t.pending {
		if now.After(p.expires) {
			delete(t.pending, k)
		}
	}
}

var (
	_ provider.IdentityMapperPlugin = (*Static)(nil)
	_ provider.ConnectionPlugin     = (*Tickets)(nil)
)
