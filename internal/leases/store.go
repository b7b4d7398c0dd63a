package leases

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/lfarizav/rhubarbe/internal/authority"
	"github.com/lfarizav/rhubarbe/internal/events"
	"github.com/lfarizav/rhubarbe/internal/metrics"
	"github.com/lfarizav/rhubarbe/pkg/types"
)

// Authority is the subset of the authority client the store drives.
type Authority interface {
	Leases(ctx context.Context) ([]json.RawMessage, error)
	Node(ctx context.Context, name string) (authority.Node, error)
	CreateLease(ctx context.Context, req authority.LeaseRequest) (json.RawMessage, error)
	UpdateLease(ctx context.Context, req authority.LeaseUpdate) (json.RawMessage, error)
	DeleteLease(ctx context.Context, id string) error
}

// Config holds the static settings of a Store.
type Config struct {
	// Component is the testbed's name at the authority.
	Component string
}

// Dependencies allow test overrides of the authority, clock and identity.
type Dependencies struct {
	Authority Authority
	Publisher events.Publisher
	Logger    *slog.Logger
	Metrics   metrics.LeaseRecorder
	Identity  Identity

	// UID returns the process uid. Defaults to os.Getuid.
	UID func() int
	// Now defaults to time.Now.
	Now func() time.Time
	// AccountExists defaults to HomeAccountExists.
	AccountExists func(owner string) bool
	// NewToken names created leases. Defaults to a time based uuid.
	NewToken func() (string, error)
}

// Store mirrors the leases held by the authority for one testbed.
// The cached list is replaced as a whole; a nil list means never fetched.
type Store struct {
	component string
	auth      Authority
	publisher events.Publisher
	logger    *slog.Logger
	metrics   metrics.LeaseRecorder
	identity  Identity

	uid           func() int
	now           func() time.Time
	accountExists func(string) bool
	newToken      func() (string, error)

	flight singleflight.Group

	mu          sync.Mutex
	leases      []Lease
	componentID string
}

// NewStore builds a Store. Nothing is fetched until needed.
func NewStore(cfg Config, deps Dependencies) (*Store, error) {
	if cfg.Component == "" {
		return nil, fmt.Errorf("component name is required")
	}
	if deps.Authority == nil {
		return nil, fmt.Errorf("authority is required")
	}
	s := &Store{
		component:     cfg.Component,
		auth:          deps.Authority,
		publisher:     deps.Publisher,
		logger:        deps.Logger,
		metrics:       deps.Metrics,
		identity:      deps.Identity,
		uid:           deps.UID,
		now:           deps.Now,
		accountExists: deps.AccountExists,
		newToken:      deps.NewToken,
	}
	if s.publisher == nil {
		s.publisher = events.NoopPublisher{}
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if s.uid == nil {
		s.uid = os.Getuid
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.accountExists == nil {
		s.accountExists = HomeAccountExists
	}
	if s.newToken == nil {
		s.newToken = timeToken
	}
	return s, nil
}

func timeToken() (string, error) {
	id, err := uuid.NewUUID()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// String identifies the store and its cache state.
func (s *Store) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.leases == nil {
		return fmt.Sprintf("<Leases from %s - **(UNFETCHED)**>", s.source())
	}
	return fmt.Sprintf("<Leases from %s - %d lease(s)>", s.source(), len(s.leases))
}

func (s *Store) source() string {
	if named, ok := s.auth.(fmt.Stringer); ok {
		return named.String()
	}
	return "authority"
}

// Component returns the testbed name the store checks against.
func (s *Store) Component() string {
	return s.component
}

// Identity returns the login checks are made for.
func (s *Store) Identity() Identity {
	return s.identity
}

// Privileged reports whether lease checks are bypassed.
func (s *Store) Privileged() bool {
	return s.identity.Login == PrivilegedAccount && s.uid() == 0
}

func (s *Store) populated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leases != nil && s.componentID != ""
}

// Fetch fills the cache when it is not populated. Concurrent callers share
// one round of requests. Failures are published as notices and leave the
// previous cache in place, or an empty one on first failure.
func (s *Store) Fetch(ctx context.Context) {
	if s.populated() {
		return
	}
	_, _, _ = s.flight.Do("fetch", func() (any, error) {
		if s.populated() {
			return nil, nil
		}
		var g errgroup.Group
		g.Go(func() error {
			s.fetchLeases(ctx)
			return nil
		})
		g.Go(func() error {
			s.fetchComponentID(ctx)
			return nil
		})
		return nil, g.Wait()
	})
}

func (s *Store) fetchLeases(ctx context.Context) {
	raws, err := s.auth.Leases(ctx)
	if s.metrics != nil {
		s.metrics.ObserveFetch(err == nil)
	}
	if err != nil {
		s.logger.Error("fetch leases failed", "source", s.source(), "error", err)
		s.publisher.Publish(types.Notice(types.KeyLeasesError,
			fmt.Sprintf("cannot get leases from %s - %v", s.source(), err)))
		s.mu.Lock()
		if s.leases == nil {
			s.leases = []Lease{}
		}
		s.mu.Unlock()
		return
	}
	leases := make([]Lease, 0, len(raws))
	for _, raw := range raws {
		leases = append(leases, NewLease(raw))
	}
	sortByStart(leases)
	s.mu.Lock()
	s.leases = leases
	s.mu.Unlock()
	s.logger.Debug("leases fetched", "count", len(leases))
}

func (s *Store) fetchComponentID(ctx context.Context) {
	node, err := s.auth.Node(ctx, s.component)
	if err != nil {
		s.logger.Error("resolve component failed", "component", s.component, "error", err)
		s.publisher.Publish(types.Notice(types.KeyNodes,
			fmt.Sprintf("cannot get component id for %s - %v", s.component, err)))
		return
	}
	s.mu.Lock()
	s.componentID = node.UUID
	s.mu.Unlock()
}

func sortByStart(leases []Lease) {
	sort.SliceStable(leases, func(i, j int) bool {
		return leases[i].ValidFrom.Before(leases[j].ValidFrom)
	})
}

// Invalidate drops the cached leases so the next Fetch reloads them.
func (s *Store) Invalidate() {
	s.mu.Lock()
	s.leases = nil
	s.mu.Unlock()
}

// Refresh forces a reload of the cache.
func (s *Store) Refresh(ctx context.Context) {
	s.Invalidate()
	s.Fetch(ctx)
}

// Snapshot returns a copy of the cached leases, or false when the cache
// was never fetched.
func (s *Store) Snapshot() ([]Lease, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.leases == nil {
		return nil, false
	}
	out := make([]Lease, len(s.leases))
	copy(out, s.leases)
	return out, true
}

// ComponentID returns the authority identifier of the testbed, if resolved.
func (s *Store) ComponentID() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.componentID, s.componentID != ""
}

// ValidLease looks for a lease that currently entitles the identity to the
// testbed. The privileged account is always entitled, with no evidence.
func (s *Store) ValidLease(ctx context.Context) (Lease, bool) {
	if s.Privileged() {
		s.observeEntitlement(true)
		return Lease{}, true
	}
	s.Fetch(ctx)
	leases, ok := s.Snapshot()
	if !ok {
		s.logger.Debug("no lease cache to check against")
		s.observeEntitlement(false)
		return Lease{}, false
	}
	now := s.now()
	for _, lease := range leases {
		valid, reason := lease.Check(s.identity.Login, s.component, now)
		if valid {
			s.observeEntitlement(true)
			return lease, true
		}
		s.logger.Debug("lease does not apply", "owner", lease.Owner, "reason", reason)
	}
	s.observeEntitlement(false)
	return Lease{}, false
}

// IsValid reports whether the identity may use the testbed right now.
func (s *Store) IsValid(ctx context.Context) bool {
	_, ok := s.ValidLease(ctx)
	return ok
}

func (s *Store) observeEntitlement(granted bool) {
	if s.metrics != nil {
		s.metrics.ObserveEntitlement(granted)
	}
}

// LeaseByRank returns the lease at a 1-based rank in the cached order.
func (s *Store) LeaseByRank(rank int) (Lease, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rank < 1 || rank > len(s.leases) {
		return Lease{}, false
	}
	return s.leases[rank-1], true
}

// Create books the testbed for owner between from and until, both given
// as loose time input. The new lease joins the cache when it is populated.
func (s *Store) Create(ctx context.Context, owner, from, until string) (Lease, error) {
	if owner != PrivilegedAccount && !s.accountExists(owner) {
		return Lease{}, fmt.Errorf("%w: %s", ErrUnknownOwner, owner)
	}
	now := s.now()
	wireFrom, err := ToWireFormat(from, now)
	if err != nil {
		return Lease{}, fmt.Errorf("valid from: %w", err)
	}
	wireUntil, err := ToWireFormat(until, now)
	if err != nil {
		return Lease{}, fmt.Errorf("valid until: %w", err)
	}
	s.Fetch(ctx)
	componentID, ok := s.ComponentID()
	if !ok {
		return Lease{}, fmt.Errorf("%w: %s", ErrComponentUnresolved, s.component)
	}
	token, err := s.newToken()
	if err != nil {
		return Lease{}, fmt.Errorf("%w: lease name: %w", ErrCannotProceed, err)
	}
	req := authority.LeaseRequest{
		Name:       token,
		ValidFrom:  wireFrom,
		ValidUntil: wireUntil,
		Account:    authority.AccountAttributes{Name: owner},
		Components: []authority.ComponentRef{{UUID: componentID}},
	}
	raw, err := s.auth.CreateLease(ctx, req)
	if err != nil {
		return Lease{}, fmt.Errorf("%w: %w", ErrCannotProceed, err)
	}
	lease := NewLease(raw)
	s.mu.Lock()
	if s.leases != nil {
		s.leases = append(s.leases, lease)
		sortByStart(s.leases)
	}
	s.mu.Unlock()
	s.logger.Info("lease created", "owner", owner, "from", wireFrom, "until", wireUntil)
	return lease, nil
}

// Update moves the bounds of the lease at rank. An empty bound is left
// unchanged; at least one must be given.
func (s *Store) Update(ctx context.Context, rank int, from, until string) error {
	if from == "" && until == "" {
		s.logger.Info("nothing to update", "rank", rank)
		return ErrNothingToUpdate
	}
	now := s.now()
	req := authority.LeaseUpdate{}
	if from != "" {
		wire, err := ToWireFormat(from, now)
		if err != nil {
			return fmt.Errorf("valid from: %w", err)
		}
		req.ValidFrom = wire
	}
	if until != "" {
		wire, err := ToWireFormat(until, now)
		if err != nil {
			return fmt.Errorf("valid until: %w", err)
		}
		req.ValidUntil = wire
	}
	lease, ok := s.LeaseByRank(rank)
	if !ok {
		return fmt.Errorf("%w %d", ErrRankNotFound, rank)
	}
	req.UUID = lease.RemoteID
	if _, err := s.auth.UpdateLease(ctx, req); err != nil {
		return fmt.Errorf("%w: %w", ErrCannotProceed, err)
	}
	s.Invalidate()
	s.logger.Info("lease updated", "rank", rank, "uuid", lease.RemoteID)
	return nil
}

// Delete removes the lease at rank.
func (s *Store) Delete(ctx context.Context, rank int) error {
	lease, ok := s.LeaseByRank(rank)
	if !ok {
		return fmt.Errorf("%w %d", ErrRankNotFound, rank)
	}
	if err := s.auth.DeleteLease(ctx, lease.RemoteID); err != nil {
		return fmt.Errorf("%w: %w", ErrCannotProceed, err)
	}
	s.Invalidate()
	s.logger.Info("lease deleted", "rank", rank, "uuid", lease.RemoteID)
	return nil
}
