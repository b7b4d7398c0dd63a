package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/lfarizav/rhubarbe/internal/metrics"
	"github.com/lfarizav/rhubarbe/pkg/types"
)

// ErrAlreadyStarted is returned by Run on a monitor that already ran.
var ErrAlreadyStarted = errors.New("monitor already started")

const elapsedPlaceholder = "-----"

// Node is a selected node the monitor reports on.
type Node interface {
	ControlIP() string
	Hostname() string
}

// Resolver maps any address of a node, such as its reboot address, to the
// node's control address.
type Resolver interface {
	ControlIP(anyIP string) string
}

// Queue is the event bus the monitor drains.
type Queue interface {
	Put(msg types.Message)
	Get(ctx context.Context) (types.Message, error)
}

// State is the run state of a Monitor.
type State int

const (
	StateNotStarted State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not-started"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Config lists the nodes of the current selection, in display order.
type Config struct {
	Nodes []Node
}

// Dependencies allow test overrides of the bus, rendering and clock.
type Dependencies struct {
	Bus      Queue
	Resolver Resolver
	Renderer Renderer
	Logger   *slog.Logger
	Metrics  metrics.MonitorRecorder
	Now      func() time.Time
}

// Monitor is the single consumer of the bus. It correlates per-node
// messages with the selection and keeps the fleet completion total.
type Monitor struct {
	nodes    []Node
	bus      Queue
	resolver Resolver
	renderer Renderer
	logger   *slog.Logger
	metrics  metrics.MonitorRecorder
	now      func() time.Time

	mu        sync.Mutex
	state     State
	startTime time.Time
	byControl map[string]*MonitorNode
	total     int
	farewell  string
	cancel    context.CancelFunc

	stopOnce sync.Once
	done     chan struct{}
}

// New builds a Monitor. Without a renderer every line is discarded.
func New(cfg Config, deps Dependencies) (*Monitor, error) {
	if deps.Bus == nil {
		return nil, fmt.Errorf("bus is required")
	}
	m := &Monitor{
		nodes:     append([]Node(nil), cfg.Nodes...),
		bus:       deps.Bus,
		resolver:  deps.Resolver,
		renderer:  deps.Renderer,
		logger:    deps.Logger,
		metrics:   deps.Metrics,
		now:       deps.Now,
		byControl: make(map[string]*MonitorNode),
		done:      make(chan struct{}),
	}
	if m.renderer == nil {
		m.renderer = discardRenderer{}
	}
	if m.logger == nil {
		m.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m, nil
}

// Run drains the bus until the stop sentinel, StopNowait, or ctx ends.
func (m *Monitor) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateNotStarted {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	m.state = StateRunning
	m.cancel = cancel
	m.mu.Unlock()

	m.renderer.Start()
	m.mu.Lock()
	m.startTime = m.now()
	m.mu.Unlock()

	for {
		msg, err := m.bus.Get(runCtx)
		if err != nil {
			if m.State() == StateStopped {
				return nil
			}
			m.finish()
			return err
		}
		if msg.IsStop() {
			m.finish()
			return nil
		}
		m.Dispatch(msg)
	}
}

// Stop enqueues the stop sentinel and, when Run is active, waits for it
// to be consumed.
func (m *Monitor) Stop(ctx context.Context) error {
	m.bus.Put(types.Stop())
	if m.State() != StateRunning {
		return nil
	}
	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StopNowait stops the monitor without waiting for queued messages.
func (m *Monitor) StopNowait() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	m.finish()
	if cancel != nil {
		cancel()
	}
}

// Done is closed once the monitor stopped.
func (m *Monitor) Done() <-chan struct{} {
	return m.done
}

func (m *Monitor) finish() {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		m.state = StateStopped
		farewell := m.farewell
		m.mu.Unlock()
		m.renderer.Stop(farewell)
		close(m.done)
	})
}

// SetFarewell sets the line rendered when the monitor stops.
func (m *Monitor) SetFarewell(text string) {
	m.mu.Lock()
	m.farewell = text
	m.mu.Unlock()
}

func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// TotalPercent returns the fleet completion and its maximum.
func (m *Monitor) TotalPercent() FleetProgress {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.progressLocked()
}

func (m *Monitor) progressLocked() FleetProgress {
	return FleetProgress{Total: m.total, Max: 100 * len(m.nodes)}
}

// Node returns the correlation state for an address, if it matched a
// selected node.
func (m *Monitor) Node(ip string) (MonitorNode, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	node := m.resolveLocked(ip)
	if node == nil {
		return MonitorNode{}, false
	}
	return *node, true
}

// resolveLocked maps ip to the node of the selection it belongs to,
// creating the correlation state on first sight.
func (m *Monitor) resolveLocked(ip string) *MonitorNode {
	control := ip
	if m.resolver != nil {
		if c := m.resolver.ControlIP(ip); c != "" {
			control = c
		}
	}
	if node, ok := m.byControl[control]; ok {
		return node
	}
	for rank, n := range m.nodes {
		if n.ControlIP() == control {
			node := &MonitorNode{Name: n.Hostname(), Rank: rank}
			m.byControl[control] = node
			return node
		}
	}
	return nil
}

func (m *Monitor) stamp() (string, string) {
	now := m.now()
	m.mu.Lock()
	start := m.startTime
	m.mu.Unlock()
	elapsed := elapsedPlaceholder
	if !start.IsZero() {
		elapsed = fmt.Sprintf("+%03ds", int(now.Sub(start).Seconds()))
	}
	return now.Format("15:04:05"), elapsed
}

// Dispatch classifies one message and hands it to the renderer. It may be
// called before Run, in which case the elapsed marker is a placeholder.
func (m *Monitor) Dispatch(msg types.Message) {
	timestamp, elapsed := m.stamp()

	ip, ok := msg.IP()
	if !ok {
		m.count(metrics.CategoryFleet)
		m.renderer.FleetLine(FleetText(msg), timestamp, elapsed)
		return
	}

	m.mu.Lock()
	node := m.resolveLocked(ip)
	m.mu.Unlock()
	if node == nil {
		m.logger.Debug("address not in selection", "ip", ip)
		m.count(metrics.CategoryNode)
		m.renderer.NodeLine(MonitorNode{Name: ip, Rank: -1}, NodeText(msg), timestamp, elapsed)
		return
	}

	switch {
	case msg.Has(types.KeyTick):
		m.count(metrics.CategoryTick)
		m.renderer.Tick(m.snapshot(node), msg.String(types.KeyTick), timestamp, elapsed)
	case msg.Has(types.KeyPercent):
		pct, ok := msg.Int(types.KeyPercent)
		if !ok {
			m.count(metrics.CategoryNode)
			m.renderer.NodeLine(m.snapshot(node), NodeText(msg), timestamp, elapsed)
			return
		}
		m.mu.Lock()
		previous := node.Percent
		node.Percent = pct
		m.total += pct - previous
		progress := m.progressLocked()
		view := *node
		m.mu.Unlock()
		m.logger.Info(fmt.Sprintf("%s percent: %d/100 (was %d), total %d/%d",
			view.Name, pct, previous, progress.Total, progress.Max))
		m.count(metrics.CategoryPercent)
		if m.metrics != nil {
			m.metrics.ObserveFleetPercent(progress.Total, progress.Max)
		}
		m.renderer.Progress(view, NodeText(msg), progress, timestamp, elapsed)
	default:
		m.count(metrics.CategoryNode)
		m.renderer.NodeLine(m.snapshot(node), NodeText(msg), timestamp, elapsed)
	}
}

func (m *Monitor) snapshot(node *MonitorNode) MonitorNode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *node
}

func (m *Monitor) count(category string) {
	if m.metrics != nil {
		m.metrics.IncDispatched(category)
	}
}

type discardRenderer struct{}

func (discardRenderer) Start() {}
func (discardRenderer) Stop(string) {}
func (discardRenderer) FleetLine(string, string, string) {}
func (discardRenderer) NodeLine(MonitorNode, string, string, string) {}
func (discardRenderer) Tick(MonitorNode, string, string, string) {}
func (discardRenderer) Progress(MonitorNode, string, FleetProgress, string, string) {}
