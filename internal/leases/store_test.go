package leases

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lfarizav/rhubarbe/internal/authority"
	"github.com/lfarizav/rhubarbe/internal/events"
	"github.com/lfarizav/rhubarbe/internal/metrics"
	"github.com/lfarizav/rhubarbe/pkg/types"
)

type fakeAuthority struct {
	mu         sync.Mutex
	leases     []json.RawMessage
	leasesErr  error
	node       authority.Node
	nodeErr    error
	leaseCalls int
	nodeCalls  int
	created    []authority.LeaseRequest
	createResp json.RawMessage
	createErr  error
	updates    []authority.LeaseUpdate
	updateErr  error
	deleted    []string
	deleteErr  error
}

func (f *fakeAuthority) Leases(ctx context.Context) ([]json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leaseCalls++
	if f.leasesErr != nil {
		return nil, f.leasesErr
	}
	out := make([]json.RawMessage, len(f.leases))
	copy(out, f.leases)
	return out, nil
}

func (f *fakeAuthority) Node(ctx context.Context, name string) (authority.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nodeCalls++
	if f.nodeErr != nil {
		return authority.Node{}, f.nodeErr
	}
	return f.node, nil
}

func (f *fakeAuthority) CreateLease(ctx context.Context, req authority.LeaseRequest) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, req)
	return f.createResp, f.createErr
}

func (f *fakeAuthority) UpdateLease(ctx context.Context, req authority.LeaseUpdate) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, req)
	return json.RawMessage(`{}`), f.updateErr
}

func (f *fakeAuthority) DeleteLease(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return f.deleteErr
}

func (f *fakeAuthority) calls() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.leaseCalls, f.nodeCalls
}

type capturePublisher struct {
	mu   sync.Mutex
	msgs []types.Message
}

func (c *capturePublisher) Publish(msg types.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
}

func (c *capturePublisher) withKey(key string) []types.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []types.Message
	for _, m := range c.msgs {
		if m.Has(key) {
			out = append(out, m)
		}
	}
	return out
}

var _ events.Publisher = (*capturePublisher)(nil)

var testNow = time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T, auth *fakeAuthority, login string) (*Store, *capturePublisher, *metrics.Store) {
	t.Helper()
	pub := &capturePublisher{}
	m := metrics.NewStore()
	store, err := NewStore(Config{Component: "faraday"}, Dependencies{
		Authority:     auth,
		Publisher:     pub,
		Metrics:       m.LeaseRecorder(),
		Identity:      Identity{Login: login},
		UID:           func() int { return 1000 },
		Now:           func() time.Time { return testNow },
		AccountExists: func(owner string) bool { return owner == "alice" || owner == "bob" },
		NewToken:      func() (string, error) { return "token-1", nil },
	})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store, pub, m
}

func seededAuthority(t *testing.T) *fakeAuthority {
	return &fakeAuthority{
		node: authority.Node{UUID: "node-uuid", Name: "faraday"},
		leases: []json.RawMessage{
			rawLease(t, "u-late", "bob", "2026-10-14T12:00:00Z", "2026-10-14T14:00:00Z", "faraday"),
			rawLease(t, "u-now", "alice", "2026-10-14T08:00:00Z", "2026-10-14T10:00:00Z", "faraday"),
			rawLease(t, "u-early", "bob", "2026-10-13T08:00:00Z", "2026-10-13T10:00:00Z", "faraday"),
		},
	}
}

func TestNewStoreValidation(t *testing.T) {
	if _, err := NewStore(Config{}, Dependencies{Authority: &fakeAuthority{}}); err == nil {
		t.Fatalf("expected error without component")
	}
	if _, err := NewStore(Config{Component: "faraday"}, Dependencies{}); err == nil {
		t.Fatalf("expected error without authority")
	}
}

func TestFetchSortsByStart(t *testing.T) {
	auth := seededAuthority(t)
	store, _, m := newTestStore(t, auth, "alice")

	store.Fetch(context.Background())

	leases, ok := store.Snapshot()
	if !ok {
		t.Fatalf("expected populated cache")
	}
	got := []string{leases[0].RemoteID, leases[1].RemoteID, leases[2].RemoteID}
	want := []string{"u-early", "u-now", "u-late"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected order %v got %v", want, got)
		}
	}
	if id, ok := store.ComponentID(); !ok || id != "node-uuid" {
		t.Fatalf("expected component id, got %q %v", id, ok)
	}
	if snap := m.Snapshot(); snap.FetchOKTotal != 1 {
		t.Fatalf("expected one successful fetch, got %+v", snap)
	}
	if !strings.Contains(store.String(), "3 lease(s)") {
		t.Fatalf("unexpected String %q", store.String())
	}
}

func TestFetchWhilePopulatedIssuesNoRequest(t *testing.T) {
	auth := seededAuthority(t)
	store, _, _ := newTestStore(t, auth, "alice")
	store.Fetch(context.Background())

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			store.Fetch(context.Background())
		}()
	}
	wg.Wait()

	if leases, nodes := auth.calls(); leases != 1 || nodes != 1 {
		t.Fatalf("expected a single round of requests, got leases=%d nodes=%d", leases, nodes)
	}
}

func TestFetchNoResourcesGivesEmptyCache(t *testing.T) {
	auth := &fakeAuthority{node: authority.Node{UUID: "node-uuid"}, leases: []json.RawMessage{}}
	store, _, _ := newTestStore(t, auth, "alice")
	store.Fetch(context.Background())

	leases, ok := store.Snapshot()
	if !ok || len(leases) != 0 {
		t.Fatalf("expected fetched empty cache, got %v %v", leases, ok)
	}
}

func TestFetchFailureKeepsPreviousCache(t *testing.T) {
	auth := seededAuthority(t)
	auth.nodeErr = errors.New("lookup down")
	store, pub, m := newTestStore(t, auth, "alice")

	store.Fetch(context.Background())
	if len(pub.withKey(types.KeyNodes)) != 1 {
		t.Fatalf("expected one nodes notice, got %+v", pub.msgs)
	}

	auth.mu.Lock()
	auth.leasesErr = errors.New("connection refused")
	auth.mu.Unlock()
	store.Fetch(context.Background())

	leases, ok := store.Snapshot()
	if !ok || len(leases) != 3 {
		t.Fatalf("expected previous cache to survive, got %d %v", len(leases), ok)
	}
	notices := pub.withKey(types.KeyLeasesError)
	if len(notices) != 1 || !strings.Contains(notices[0].String(types.KeyLeasesError), "connection refused") {
		t.Fatalf("unexpected leases notices %+v", notices)
	}
	if snap := m.Snapshot(); snap.FetchFailedTotal != 1 || snap.FetchOKTotal != 1 {
		t.Fatalf("unexpected fetch counters %+v", snap)
	}
}

func TestFetchFailureOnFirstFetchGivesEmptyCache(t *testing.T) {
	auth := &fakeAuthority{leasesErr: errors.New("boom"), node: authority.Node{UUID: "x"}}
	store, pub, _ := newTestStore(t, auth, "alice")
	store.Fetch(context.Background())
	leases, ok := store.Snapshot()
	if !ok || len(leases) != 0 {
		t.Fatalf("expected empty cache after first failure, got %v %v", leases, ok)
	}
	if got := store.String(); got != "<Leases from authority - 0 lease(s)>" {
		t.Fatalf("unexpected String %q", got)
	}
	if len(pub.msgs) != 1 || len(pub.withKey(types.KeyLeasesError)) != 1 {
		t.Fatalf("expected exactly one leases notice, got %+v", pub.msgs)
	}
}

func TestValidLease(t *testing.T) {
	auth := seededAuthority(t)
	store, _, m := newTestStore(t, auth, "alice")

	lease, ok := store.ValidLease(context.Background())
	if !ok || lease.RemoteID != "u-now" {
		t.Fatalf("expected alice's current lease, got %+v %v", lease, ok)
	}

	other, _, _ := newTestStore(t, auth, "carol")
	if other.IsValid(context.Background()) {
		t.Fatalf("expected carol to be denied")
	}
	if snap := m.Snapshot(); snap.GrantedTotal != 1 {
		t.Fatalf("expected one grant recorded, got %+v", snap)
	}
}

func TestValidLeaseFailsClosedWhenFetchFails(t *testing.T) {
	auth := &fakeAuthority{leasesErr: errors.New("boom"), node: authority.Node{UUID: "x"}}
	store, pub, m := newTestStore(t, auth, "alice")
	if store.IsValid(context.Background()) {
		t.Fatalf("expected denial when leases cannot be fetched")
	}
	if len(pub.msgs) != 1 || len(pub.withKey(types.KeyLeasesError)) != 1 {
		t.Fatalf("expected exactly one leases notice, got %+v", pub.msgs)
	}

	if store.IsValid(context.Background()) {
		t.Fatalf("expected second check to be denied too")
	}
	if leases, _ := auth.calls(); leases != 1 {
		t.Fatalf("expected the empty cache to be reused, got %d lease requests", leases)
	}
	if len(pub.msgs) != 1 {
		t.Fatalf("expected no further notices, got %+v", pub.msgs)
	}
	if snap := m.Snapshot(); snap.DeniedTotal != 2 {
		t.Fatalf("expected two denials recorded, got %+v", snap)
	}
}

func TestPrivilegedBypass(t *testing.T) {
	auth := &fakeAuthority{}
	store, err := NewStore(Config{Component: "faraday"}, Dependencies{
		Authority: auth,
		Identity:  Identity{Login: PrivilegedAccount},
		UID:       func() int { return 0 },
	})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if !store.IsValid(context.Background()) {
		t.Fatalf("expected privileged account to be entitled")
	}
	if leases, nodes := auth.calls(); leases != 0 || nodes != 0 {
		t.Fatalf("expected no remote calls, got %d %d", leases, nodes)
	}

	unprivileged, err := NewStore(Config{Component: "faraday"}, Dependencies{
		Authority: &fakeAuthority{leases: []json.RawMessage{}},
		Identity:  Identity{Login: PrivilegedAccount},
		UID:       func() int { return 1000 },
	})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if unprivileged.Privileged() {
		t.Fatalf("root login without uid 0 must not be privileged")
	}
}

func TestCreateAppendsToCache(t *testing.T) {
	auth := seededAuthority(t)
	auth.createResp = rawLease(t, "u-new", "alice", "2026-10-14T14:00:00Z", "2026-10-14T16:00:00Z", "faraday")
	store, _, _ := newTestStore(t, auth, "alice")
	store.Fetch(context.Background())

	lease, err := store.Create(context.Background(), "alice", "14", "16")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if lease.RemoteID != "u-new" {
		t.Fatalf("unexpected created lease %+v", lease)
	}
	if len(auth.created) != 1 {
		t.Fatalf("expected one create request, got %d", len(auth.created))
	}
	req := auth.created[0]
	if req.Name != "token-1" || req.Account.Name != "alice" {
		t.Fatalf("unexpected request %+v", req)
	}
	if req.ValidFrom != "2026-10-14T14:00:00UTC" || req.ValidUntil != "2026-10-14T16:00:00UTC" {
		t.Fatalf("unexpected request times %+v", req)
	}
	if len(req.Components) != 1 || req.Components[0].UUID != "node-uuid" {
		t.Fatalf("unexpected components %+v", req.Components)
	}

	leases, ok := store.Snapshot()
	if !ok || len(leases) != 4 || leases[3].RemoteID != "u-new" {
		t.Fatalf("expected new lease appended in start order, got %+v", leases)
	}
	if leaseCalls, _ := auth.calls(); leaseCalls != 1 {
		t.Fatalf("create must not re-fetch, got %d fetches", leaseCalls)
	}
}

func TestCreateRejectsBadInput(t *testing.T) {
	auth := seededAuthority(t)
	store, _, _ := newTestStore(t, auth, "alice")

	if _, err := store.Create(context.Background(), "mallory", "14", "16"); !errors.Is(err, ErrUnknownOwner) {
		t.Fatalf("expected ErrUnknownOwner, got %v", err)
	}
	if _, err := store.Create(context.Background(), "alice", "soon", "16"); !errors.Is(err, ErrInvalidTime) {
		t.Fatalf("expected ErrInvalidTime, got %v", err)
	}
	if _, err := store.Create(context.Background(), "alice", "14", "later"); !errors.Is(err, ErrInvalidTime) {
		t.Fatalf("expected ErrInvalidTime, got %v", err)
	}
	if len(auth.created) != 0 {
		t.Fatalf("expected no create requests, got %d", len(auth.created))
	}

	unresolved := seededAuthority(t)
	unresolved.nodeErr = errors.New("no such node")
	store, _, _ = newTestStore(t, unresolved, "alice")
	if _, err := store.Create(context.Background(), "alice", "14", "16"); !errors.Is(err, ErrComponentUnresolved) {
		t.Fatalf("expected ErrComponentUnresolved, got %v", err)
	}
}

func TestCreateTransportFailureLeavesCache(t *testing.T) {
	auth := seededAuthority(t)
	auth.createErr = errors.New("tls handshake")
	store, _, _ := newTestStore(t, auth, "alice")
	store.Fetch(context.Background())

	if _, err := store.Create(context.Background(), "bob", "14", "16"); !errors.Is(err, ErrCannotProceed) {
		t.Fatalf("expected ErrCannotProceed, got %v", err)
	}
	if leases, _ := store.Snapshot(); len(leases) != 3 {
		t.Fatalf("expected cache untouched, got %d leases", len(leases))
	}
}

func TestUpdate(t *testing.T) {
	auth := seededAuthority(t)
	store, _, _ := newTestStore(t, auth, "alice")
	store.Fetch(context.Background())

	if err := store.Update(context.Background(), 2, "", ""); !errors.Is(err, ErrNothingToUpdate) {
		t.Fatalf("expected ErrNothingToUpdate, got %v", err)
	}
	if err := store.Update(context.Background(), 9, "", "15"); !errors.Is(err, ErrRankNotFound) {
		t.Fatalf("expected ErrRankNotFound, got %v", err)
	}
	if err := store.Update(context.Background(), 0, "", "15"); !errors.Is(err, ErrRankNotFound) {
		t.Fatalf("expected ErrRankNotFound for rank 0, got %v", err)
	}
	if len(auth.updates) != 0 {
		t.Fatalf("expected no update requests, got %d", len(auth.updates))
	}

	if err := store.Update(context.Background(), 2, "", "15"); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if len(auth.updates) != 1 {
		t.Fatalf("expected one update request, got %d", len(auth.updates))
	}
	got := auth.updates[0]
	if got.UUID != "u-now" || got.ValidFrom != "" || got.ValidUntil != "2026-10-14T15:00:00UTC" {
		t.Fatalf("unexpected update %+v", got)
	}
	if _, ok := store.Snapshot(); ok {
		t.Fatalf("expected cache invalidated after update")
	}
}

func TestDelete(t *testing.T) {
	auth := seededAuthority(t)
	auth.deleteErr = errors.New("refused")
	store, _, _ := newTestStore(t, auth, "alice")
	store.Fetch(context.Background())

	if err := store.Delete(context.Background(), 1); !errors.Is(err, ErrCannotProceed) {
		t.Fatalf("expected ErrCannotProceed, got %v", err)
	}
	if _, ok := store.Snapshot(); !ok {
		t.Fatalf("failed delete must keep the cache")
	}

	auth.mu.Lock()
	auth.deleteErr = nil
	auth.mu.Unlock()
	if err := store.Delete(context.Background(), 1); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if len(auth.deleted) != 2 || auth.deleted[1] != "u-early" {
		t.Fatalf("unexpected deletes %v", auth.deleted)
	}
	if _, ok := store.Snapshot(); ok {
		t.Fatalf("expected cache invalidated after delete")
	}
	if err := store.Delete(context.Background(), 1); !errors.Is(err, ErrRankNotFound) {
		t.Fatalf("expected ErrRankNotFound on unfetched cache, got %v", err)
	}
}

func TestWriteListing(t *testing.T) {
	auth := seededAuthority(t)
	store, _, _ := newTestStore(t, auth, "alice")

	var buf bytes.Buffer
	if err := store.WriteListing(context.Background(), &buf); err != nil {
		t.Fatalf("WriteListing: %v", err)
	}
	out := buf.String()
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected header and three leases, got:\n%s", out)
	}
	if !strings.Contains(lines[0], "3 lease(s)") {
		t.Fatalf("unexpected header %q", lines[0])
	}
	if !strings.Contains(lines[2], MarkValid) || !strings.Contains(lines[2], "alice - from 10-14 @ 08:00") {
		t.Fatalf("expected alice's lease marked valid, got %q", lines[2])
	}
	if !strings.Contains(lines[1], MarkOther) || !strings.Contains(lines[1], "bob - expired") {
		t.Fatalf("expected expired lease marked as other, got %q", lines[1])
	}
}
