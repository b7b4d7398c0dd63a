package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
)

// Dispatch categories reported by the monitor.
const (
	CategoryTick    = "tick"
	CategoryPercent = "percent"
	CategoryNode    = "node"
	CategoryFleet   = "fleet"
)

// Store maintains in-memory gauges and counters for the testbed tools.
type Store struct {
	busDepth          atomic.Int64
	busPublished      atomic.Uint64
	fetchOK           atomic.Uint64
	fetchFailed       atomic.Uint64
	entitlementGrants atomic.Uint64
	entitlementDenied atomic.Uint64
	fleetPercent      atomic.Int64
	fleetPercentMax   atomic.Int64
	dispatched        sync.Map // category -> *atomic.Uint64
}

// NewStore constructs a Store with zeroed metrics.
func NewStore() *Store {
	return &Store{}
}

// Snapshot captures the current metric values in a plain struct.
type Snapshot struct {
	BusDepth          int64
	BusPublishedTotal uint64
	FetchOKTotal      uint64
	FetchFailedTotal  uint64
	GrantedTotal      uint64
	DeniedTotal       uint64
	FleetPercent      int64
	FleetPercentMax   int64
	Dispatched        []CategoryCount
}

// CategoryCount is the number of dispatched messages for one category.
type CategoryCount struct {
	Category string
	Count    uint64
}

// Snapshot returns a point-in-time copy of the metrics.
func (s *Store) Snapshot() Snapshot {
	counts := make([]CategoryCount, 0, 4)
	s.dispatched.Range(func(key, value any) bool {
		name, ok := key.(string)
		if !ok {
			return true
		}
		counter, ok := value.(*atomic.Uint64)
		if !ok || counter == nil {
			return true
		}
		counts = append(counts, CategoryCount{Category: name, Count: counter.Load()})
		return true
	})
	sort.Slice(counts, func(i, j int) bool { return counts[i].Category < counts[j].Category })
	return Snapshot{
		BusDepth:          s.busDepth.Load(),
		BusPublishedTotal: s.busPublished.Load(),
		FetchOKTotal:      s.fetchOK.Load(),
		FetchFailedTotal:  s.fetchFailed.Load(),
		GrantedTotal:      s.entitlementGrants.Load(),
		DeniedTotal:       s.entitlementDenied.Load(),
		FleetPercent:      s.fleetPercent.Load(),
		FleetPercentMax:   s.fleetPercentMax.Load(),
		Dispatched:        counts,
	}
}

// BusRecorder returns an implementation of BusRecorder backed by the store.
func (s *Store) BusRecorder() BusRecorder {
	return busRecorder{store: s}
}

// LeaseRecorder returns an implementation of LeaseRecorder backed by the store.
func (s *Store) LeaseRecorder() LeaseRecorder {
	return leaseRecorder{store: s}
}

// MonitorRecorder returns an implementation of MonitorRecorder backed by the store.
func (s *Store) MonitorRecorder() MonitorRecorder {
	return monitorRecorder{store: s}
}

type busRecorder struct {
	store *Store
}

func (r busRecorder) ObserveBusDepth(depth int) {
	r.store.busDepth.Store(int64(depth))
}

func (r busRecorder) IncPublished() {
	r.store.busPublished.Add(1)
}

type leaseRecorder struct {
	store *Store
}

func (r leaseRecorder) ObserveFetch(ok bool) {
	if ok {
		r.store.fetchOK.Add(1)
		return
	}
	r.store.fetchFailed.Add(1)
}

func (r leaseRecorder) ObserveEntitlement(granted bool) {
	if granted {
		r.store.entitlementGrants.Add(1)
		return
	}
	r.store.entitlementDenied.Add(1)
}

type monitorRecorder struct {
	store *Store
}

func (r monitorRecorder) IncDispatched(category string) {
	r.store.counter(category).Add(1)
}

func (r monitorRecorder) ObserveFleetPercent(total, max int) {
	r.store.fleetPercent.Store(int64(total))
	r.store.fleetPercentMax.Store(int64(max))
}

func (s *Store) counter(category string) *atomic.Uint64 {
	if category == "" {
		category = "unknown"
	}
	if value, ok := s.dispatched.Load(category); ok {
		if counter, ok := value.(*atomic.Uint64); ok && counter != nil {
			return counter
		}
	}
	counter := &atomic.Uint64{}
	actual, _ := s.dispatched.LoadOrStore(category, counter)
	if existing, ok := actual.(*atomic.Uint64); ok && existing != nil {
		return existing
	}
	return counter
}

// WritePrometheus renders the current metrics using the Prometheus text format.
func (s *Store) WritePrometheus(w io.Writer) error {
	snap := s.Snapshot()
	lines := []string{
		"# HELP rhubarbe_bus_depth_number Number of messages waiting on the event bus.",
		"# TYPE rhubarbe_bus_depth_number gauge",
		fmt.Sprintf("rhubarbe_bus_depth_number %d", snap.BusDepth),
		"# HELP rhubarbe_bus_published_total Total messages published on the event bus.",
		"# TYPE rhubarbe_bus_published_total counter",
		fmt.Sprintf("rhubarbe_bus_published_total %d", snap.BusPublishedTotal),
		"# HELP rhubarbe_lease_fetch_total Lease collection fetches by outcome.",
		"# TYPE rhubarbe_lease_fetch_total counter",
		fmt.Sprintf("rhubarbe_lease_fetch_total{outcome=%q} %d", "ok", snap.FetchOKTotal),
		fmt.Sprintf("rhubarbe_lease_fetch_total{outcome=%q} %d", "failed", snap.FetchFailedTotal),
		"# HELP rhubarbe_entitlement_checks_total Entitlement decisions by result.",
		"# TYPE rhubarbe_entitlement_checks_total counter",
		fmt.Sprintf("rhubarbe_entitlement_checks_total{result=%q} %d", "granted", snap.GrantedTotal),
		fmt.Sprintf("rhubarbe_entitlement_checks_total{result=%q} %d", "denied", snap.DeniedTotal),
		"# HELP rhubarbe_fleet_percent_number Cumulative completion percent over all monitored nodes.",
		"# TYPE rhubarbe_fleet_percent_number gauge",
		fmt.Sprintf("rhubarbe_fleet_percent_number %d", snap.FleetPercent),
		"# HELP rhubarbe_fleet_percent_max_number Maximum cumulative completion percent (100 per node).",
		"# TYPE rhubarbe_fleet_percent_max_number gauge",
		fmt.Sprintf("rhubarbe_fleet_percent_max_number %d", snap.FleetPercentMax),
		"# HELP rhubarbe_monitor_dispatched_total Messages dispatched by the monitor per category.",
		"# TYPE rhubarbe_monitor_dispatched_total counter",
	}
	if len(snap.Dispatched) == 0 {
		lines = append(lines, fmt.Sprintf("rhubarbe_monitor_dispatched_total{category=%q} %d", "none", 0))
	}
	for _, cc := range snap.Dispatched {
		lines = append(lines, fmt.Sprintf("rhubarbe_monitor_dispatched_total{category=%q} %d", cc.Category, cc.Count))
	}
	lines = append(lines, "")
	for _, line := range lines {
		if _, err := io.WriteString(w, line+"\n"); err != nil {
			return err
		}
	}
	return nil
}

// NewHTTPHandler returns an http.Handler that serves Prometheus formatted metrics.
func NewHTTPHandler(store *Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		if r.Method == http.MethodHead {
			return
		}
		if err := store.WritePrometheus(w); err != nil {
			http.Error(w, "metrics unavailable", http.StatusInternalServerError)
		}
	})
}
