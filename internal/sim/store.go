package sim

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrLeaseNotFound = errors.New("lease not found")
	ErrNodeNotFound  = errors.New("node not found")
	ErrConflict      = errors.New("lease overlaps an existing lease")
	ErrInvalidRange  = errors.New("valid_until must be after valid_from")
)

// Node is a testbed resource known to the simulated authority.
type Node struct {
	UUID string
	Name string
}

// Lease is a reservation held by the simulated authority.
type Lease struct {
	UUID       string
	Name       string
	Owner      string
	ValidFrom  time.Time
	ValidUntil time.Time
	Components []Node
}

func (l Lease) overlaps(from, until time.Time) bool {
	return from.Before(l.ValidUntil) && l.ValidFrom.Before(until)
}

func (l Lease) covers(nodeUUID string) bool {
	for _, c := range l.Components {
		if c.UUID == nodeUUID {
			return true
		}
	}
	return false
}

// MemoryStore keeps nodes and leases in memory.
type MemoryStore struct {
	mu     sync.Mutex
	nodes  map[string]Node
	leases map[string]Lease
}

// NewMemoryStore registers one node per name.
func NewMemoryStore(nodeNames ...string) *MemoryStore {
	s := &MemoryStore{
		nodes:  make(map[string]Node),
		leases: make(map[string]Lease),
	}
	for _, name := range nodeNames {
		s.AddNode(name)
	}
	return s
}

// AddNode registers a node, returning the existing one for a known name.
func (s *MemoryStore) AddNode(name string) Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	if node, ok := s.nodes[name]; ok {
		return node
	}
	node := Node{UUID: uuid.NewString(), Name: name}
	s.nodes[name] = node
	return node
}

func (s *MemoryStore) Node(name string) (Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	node, ok := s.nodes[name]
	if !ok {
		return Node{}, fmt.Errorf("%w: %s", ErrNodeNotFound, name)
	}
	return node, nil
}

func (s *MemoryStore) nodeByUUIDLocked(id string) (Node, bool) {
	for _, n := range s.nodes {
		if n.UUID == id {
			return n, true
		}
	}
	return Node{}, false
}

// Leases returns every lease, oldest start first.
func (s *MemoryStore) Leases() []Lease {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Lease, 0, len(s.leases))
	for _, l := range s.leases {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ValidFrom.Equal(out[j].ValidFrom) {
			return out[i].UUID < out[j].UUID
		}
		return out[i].ValidFrom.Before(out[j].ValidFrom)
	})
	return out
}

// CreateInput describes a lease to book.
type CreateInput struct {
	Name           string
	Owner          string
	ValidFrom      time.Time
	ValidUntil     time.Time
	ComponentUUIDs []string
}

func (s *MemoryStore) CreateLease(in CreateInput) (Lease, error) {
	if !in.ValidUntil.After(in.ValidFrom) {
		return Lease{}, ErrInvalidRange
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	components := make([]Node, 0, len(in.ComponentUUIDs))
	for _, id := range in.ComponentUUIDs {
		node, ok := s.nodeByUUIDLocked(id)
		if !ok {
			return Lease{}, fmt.Errorf("%w: uuid %s", ErrNodeNotFound, id)
		}
		components = append(components, node)
	}
	if err := s.checkConflictLocked("", components, in.ValidFrom, in.ValidUntil); err != nil {
		return Lease{}, err
	}
	lease := Lease{
		UUID:       uuid.NewString(),
		Name:       in.Name,
		Owner:      in.Owner,
		ValidFrom:  in.ValidFrom.UTC(),
		ValidUntil: in.ValidUntil.UTC(),
		Components: components,
	}
	s.leases[lease.UUID] = lease
	return lease, nil
}

// UpdateLease moves the bounds of a lease; nil bounds are kept.
func (s *MemoryStore) UpdateLease(id string, from, until *time.Time) (Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lease, ok := s.leases[id]
	if !ok {
		return Lease{}, fmt.Errorf("%w: %s", ErrLeaseNotFound, id)
	}
	if from != nil {
		lease.ValidFrom = from.UTC()
	}
	if until != nil {
		lease.ValidUntil = until.UTC()
	}
	if !lease.ValidUntil.After(lease.ValidFrom) {
		return Lease{}, ErrInvalidRange
	}
	if err := s.checkConflictLocked(id, lease.Components, lease.ValidFrom, lease.ValidUntil); err != nil {
		return Lease{}, err
	}
	s.leases[id] = lease
	return lease, nil
}

func (s *MemoryStore) DeleteLease(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.leases[id]; !ok {
		return fmt.Errorf("%w: %s", ErrLeaseNotFound, id)
	}
	delete(s.leases, id)
	return nil
}

func (s *MemoryStore) checkConflictLocked(self string, components []Node, from, until time.Time) error {
	for id, other := range s.leases {
		if id == self || !other.overlaps(from, until) {
			continue
		}
		for _, c := range components {
			if other.covers(c.UUID) {
				return fmt.Errorf("%w on %s", ErrConflict, c.Name)
			}
		}
	}
	return nil
}
