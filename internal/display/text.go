// Package display holds the monitor's render backends.
package display

import (
	"fmt"
	"io"
	"sync"

	"github.com/lfarizav/rhubarbe/internal/monitor"
)

// Text renders every message as one sequential log line.
type Text struct {
	mu  sync.Mutex
	out io.Writer
}

func NewText(w io.Writer) *Text {
	return &Text{out: w}
}

func (t *Text) Start() {}

func (t *Text) Stop(farewell string) {
	if farewell == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintln(t.out, farewell)
}

func (t *Text) FleetLine(text, timestamp, elapsed string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, "%s - %s: %s\n", timestamp, elapsed, text)
}

func (t *Text) NodeLine(node monitor.MonitorNode, text, timestamp, elapsed string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, "%s - %s: %s %s\n", timestamp, elapsed, node.Name, text)
}

func (t *Text) Progress(node monitor.MonitorNode, text string, _ monitor.FleetProgress, timestamp, elapsed string) {
	t.NodeLine(node, text, timestamp, elapsed)
}

func (t *Text) Tick(node monitor.MonitorNode, tick, timestamp, elapsed string) {
	t.NodeLine(node, "tick "+tick, timestamp, elapsed)
}

var _ monitor.Renderer = (*Text)(nil)
