// Package bus carries status messages from any number of producers to a
// single consumer, in enqueue order.
package bus

import (
	"context"
	"sync"

	"github.com/lfarizav/rhubarbe/internal/events"
	"github.com/lfarizav/rhubarbe/internal/metrics"
	"github.com/lfarizav/rhubarbe/pkg/types"
)

// Bus is an unbounded FIFO of messages. Put never blocks and never drops;
// Get is meant to be called from one goroutine only.
type Bus struct {
	mu      sync.Mutex
	items   []types.Message
	notify  chan struct{}
	metrics metrics.BusRecorder
}

func New() *Bus {
	return &Bus{
		items:  make([]types.Message, 0, 64),
		notify: make(chan struct{}, 1),
	}
}

func (b *Bus) SetMetricsRecorder(rec metrics.BusRecorder) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.metrics = rec
}

// Put appends msg to the tail of the bus.
func (b *Bus) Put(msg types.Message) {
	b.mu.Lock()
	b.items = append(b.items, msg)
	if b.metrics != nil {
		b.metrics.IncPublished()
	}
	b.observeDepthLocked()
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// Publish implements events.Publisher.
func (b *Bus) Publish(msg types.Message) {
	b.Put(msg)
}

// Get removes and returns the head of the bus, waiting until a message is
// available or ctx is done.
func (b *Bus) Get(ctx context.Context) (types.Message, error) {
	for {
		if msg, ok := b.TryGet(); ok {
			return msg, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-b.notify:
		}
	}
}

// TryGet returns the head of the bus without waiting.
func (b *Bus) TryGet() (types.Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.items) == 0 {
		return nil, false
	}
	msg := b.items[0]
	b.items[0] = nil
	b.items = b.items[1:]
	b.observeDepthLocked()
	return msg, true
}

func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

func (b *Bus) observeDepthLocked() {
	if b.metrics == nil {
		return
	}
	b.metrics.ObserveBusDepth(len(b.items))
}

var _ events.Publisher = (*Bus)(nil)
