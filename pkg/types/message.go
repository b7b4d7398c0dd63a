package types

import (
	"fmt"
	"sort"
	"strings"
)

// Well-known message keys. Producers may add any other key; the monitor
// falls back to a generic rendering for those.
const (
	KeyIP            = "ip"
	KeyTick          = "tick"
	KeyPercent       = "percent"
	KeyInfo          = "info"
	KeyLoadingImage  = "loading_image"
	KeySelectedNodes = "selected_nodes"
	KeyLeasesError   = "leases_error"
	KeyNodes         = "nodes"

	KeyUploadRetcod = "frisbee_retcod"
	KeyUploadStatus = "frisbee_status"
	KeyReboot       = "reboot"
	KeySSHStatus    = "ssh_status"

	keyStop = "END-MONITOR"
)

// TickEnd is the tick value a producer sends to close an indeterminate stream.
const TickEnd = "END"

// NodeStatusKeys lists the per-node status keys rendered as "key = value",
// in lookup order.
var NodeStatusKeys = []string{KeyUploadRetcod, KeyReboot, KeySSHStatus, KeyUploadStatus}

// Message is one status event travelling on the bus.
type Message map[string]any

func Info(text string) Message {
	return Message{KeyInfo: text}
}

// Notice builds a fleet-wide message under an arbitrary field, e.g. leases_error.
func Notice(field, text string) Message {
	return Message{field: text}
}

func LoadingImage(image string) Message {
	return Message{KeyLoadingImage: image}
}

func SelectedNodes(names []string) Message {
	return Message{KeySelectedNodes: append([]string{}, names...)}
}

func NodePercent(ip string, percent int) Message {
	return Message{KeyIP: ip, KeyPercent: percent}
}

func NodeTick(ip string, tick string) Message {
	return Message{KeyIP: ip, KeyTick: tick}
}

func NodeStatus(ip, key string, value any) Message {
	return Message{KeyIP: ip, key: value}
}

// Stop returns the sentinel that ends a monitor run loop.
func Stop() Message {
	return Message{keyStop: true}
}

// IsStop reports whether m is the stop sentinel.
func (m Message) IsStop() bool {
	if len(m) != 1 {
		return false
	}
	_, ok := m[keyStop]
	return ok
}

func (m Message) Has(key string) bool {
	_, ok := m[key]
	return ok
}

// IP returns the network address carried by the message, if any.
func (m Message) IP() (string, bool) {
	v, ok := m[KeyIP]
	if !ok {
		return "", false
	}
	ip, ok := v.(string)
	if !ok || ip == "" {
		return "", false
	}
	return ip, true
}

// String returns the value under key as text.
func (m Message) String(key string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Int returns the value under key as an integer. JSON decoded numbers
// arrive as float64 and are accepted.
func (m Message) Int(key string) (int, bool) {
	switch v := m[key].(type) {
	case int:
		return v, true
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case float32:
		return int(v), true
	case interface{ Int64() (int64, error) }:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return int(n), true
	default:
		return 0, false
	}
}

// Strings returns a list value under key. []any is accepted for messages
// decoded from JSON.
func (m Message) Strings(key string) []string {
	switch v := m[key].(type) {
	case []string:
		return append([]string{}, v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
		return out
	case string:
		return strings.Fields(v)
	default:
		return nil
	}
}

// Format renders the message as sorted key=value pairs.
func (m Message) Format() string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, m[k]))
	}
	return "{" + strings.Join(parts, " ") + "}"
}
