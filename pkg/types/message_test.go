package types

import (
	"encoding/json"
	"testing"
)

func TestMessageJSONContract(t *testing.T) {
	payload := []byte(`{"ip": "192.168.3.7", "percent": 42, "selected_nodes": ["fit01", "fit02"]}`)

	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		t.Fatalf("unmarshal message: %v", err)
	}

	ip, ok := msg.IP()
	if !ok || ip != "192.168.3.7" {
		t.Fatalf("unexpected ip %q (ok=%t)", ip, ok)
	}
	percent, ok := msg.Int(KeyPercent)
	if !ok || percent != 42 {
		t.Fatalf("unexpected percent %d (ok=%t)", percent, ok)
	}
	names := msg.Strings(KeySelectedNodes)
	if len(names) != 2 || names[1] != "fit02" {
		t.Fatalf("unexpected selection %v", names)
	}
}

func TestStopSentinel(t *testing.T) {
	if !Stop().IsStop() {
		t.Fatalf("expected stop sentinel to be recognized")
	}
	if Info("END-MONITOR").IsStop() {
		t.Fatalf("info text must not be mistaken for the sentinel")
	}
	withExtra := Stop()
	withExtra[KeyIP] = "10.0.0.1"
	if withExtra.IsStop() {
		t.Fatalf("sentinel carrying other fields must not stop the monitor")
	}
}

func TestMessageIPRequiresText(t *testing.T) {
	if _, ok := (Message{KeyIP: 12}).IP(); ok {
		t.Fatalf("expected non-string ip to be ignored")
	}
	if _, ok := (Message{KeyIP: ""}).IP(); ok {
		t.Fatalf("expected empty ip to be ignored")
	}
}

func TestFormatIsSorted(t *testing.T) {
	got := Message{"b": 2, "a": "x"}.Format()
	if got != "{a=x b=2}" {
		t.Fatalf("unexpected format %q", got)
	}
}
