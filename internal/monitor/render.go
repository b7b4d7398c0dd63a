package monitor

import (
	"fmt"
	"strings"

	"github.com/lfarizav/rhubarbe/pkg/types"
)

// MonitorNode is the monitor's view of one selected node.
type MonitorNode struct {
	Name string
	// Rank is the position in the selection, or -1 for an address that
	// matched no selected node.
	Rank    int
	Percent int
}

// FleetProgress is the cumulative completion over the whole selection.
type FleetProgress struct {
	Total int
	Max   int
}

// Done reports whether every node reached 100 percent.
func (p FleetProgress) Done() bool {
	return p.Max > 0 && p.Total >= p.Max
}

// Ratio returns the completion as a fraction in [0, 1].
func (p FleetProgress) Ratio() float64 {
	if p.Max <= 0 {
		return 0
	}
	r := float64(p.Total) / float64(p.Max)
	switch {
	case r < 0:
		return 0
	case r > 1:
		return 1
	}
	return r
}

// Renderer presents dispatched messages. Every call comes from the
// monitor's dispatch path; implementations need not be safe for
// concurrent use unless Dispatch is called concurrently.
type Renderer interface {
	Start()
	Stop(farewell string)
	FleetLine(text, timestamp, elapsed string)
	NodeLine(node MonitorNode, text, timestamp, elapsed string)
	Progress(node MonitorNode, text string, progress FleetProgress, timestamp, elapsed string)
	Tick(node MonitorNode, tick, timestamp, elapsed string)
}

// FleetText renders a message that carries no node address.
func FleetText(msg types.Message) string {
	switch {
	case msg.Has(types.KeyInfo):
		return msg.String(types.KeyInfo)
	case msg.Has(types.KeyLoadingImage):
		return "Loading image " + msg.String(types.KeyLoadingImage)
	case msg.Has(types.KeySelectedNodes):
		names := msg.Strings(types.KeySelectedNodes)
		if len(names) == 0 {
			return "Empty Node Selection"
		}
		return "Selection: " + strings.Join(names, " ")
	}
	return msg.Format()
}

// NodeText renders a per-node message without the node name.
func NodeText(msg types.Message) string {
	if pct, ok := msg.Int(types.KeyPercent); ok {
		return fmt.Sprintf("%02d", pct)
	}
	if msg.Has(types.KeyUploadRetcod) {
		if code, ok := msg.Int(types.KeyUploadRetcod); ok && code == 0 {
			return "Uploading successful"
		}
		return "Uploading FAILED !"
	}
	for _, key := range types.NodeStatusKeys {
		if msg.Has(key) {
			return key + " = " + msg.String(key)
		}
	}
	return msg.Format()
}
