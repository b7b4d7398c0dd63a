package inventory

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Node is one testbed node as described by the inventory file.
type Node struct {
	Name           string   `yaml:"name"`
	ControlAddress string   `yaml:"control_ip"`
	Aliases        []string `yaml:"aliases"`
}

// Hostname returns the node's control hostname.
func (n Node) Hostname() string {
	return n.Name
}

// ControlIP returns the node's canonical control address.
func (n Node) ControlIP() string {
	return n.ControlAddress
}

type document struct {
	Nodes []Node `yaml:"nodes"`
}

// Inventory maps node names and alternate addresses to control addresses.
type Inventory struct {
	nodes   []Node
	byName  map[string]int
	control map[string]string
}

// Load reads an inventory file.
func Load(path string) (*Inventory, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read inventory %q: %w", path, err)
	}
	inv, err := Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("inventory %q: %w", path, err)
	}
	return inv, nil
}

// Parse decodes an inventory document.
func Parse(r io.Reader) (*Inventory, error) {
	var doc document
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode inventory: %w", err)
	}
	return New(doc.Nodes)
}

// New builds an inventory from nodes. Names and addresses must be unique.
func New(nodes []Node) (*Inventory, error) {
	inv := &Inventory{
		nodes:   make([]Node, 0, len(nodes)),
		byName:  make(map[string]int, len(nodes)),
		control: make(map[string]string, len(nodes)),
	}
	for i, n := range nodes {
		n.Name = strings.TrimSpace(n.Name)
		n.ControlAddress = strings.TrimSpace(n.ControlAddress)
		if n.Name == "" || n.ControlAddress == "" {
			return nil, fmt.Errorf("node %d: name and control_ip are required", i)
		}
		if _, dup := inv.byName[n.Name]; dup {
			return nil, fmt.Errorf("node %s: duplicate name", n.Name)
		}
		for _, addr := range append([]string{n.ControlAddress}, n.Aliases...) {
			if owner, dup := inv.control[addr]; dup {
				return nil, fmt.Errorf("node %s: address %s already used by %s", n.Name, addr, owner)
			}
			inv.control[addr] = n.ControlAddress
		}
		inv.byName[n.Name] = len(inv.nodes)
		inv.nodes = append(inv.nodes, n)
	}
	return inv, nil
}

// ControlIP maps any known node address to its control address. Unknown
// addresses are returned unchanged.
func (inv *Inventory) ControlIP(anyIP string) string {
	if inv == nil {
		return anyIP
	}
	if control, ok := inv.control[anyIP]; ok {
		return control
	}
	return anyIP
}

func (inv *Inventory) Node(name string) (Node, bool) {
	idx, ok := inv.byName[name]
	if !ok {
		return Node{}, false
	}
	return inv.nodes[idx], true
}

// Nodes returns every node in file order.
func (inv *Inventory) Nodes() []Node {
	out := make([]Node, len(inv.nodes))
	copy(out, inv.nodes)
	return out
}

// Select returns the named nodes in the requested order, without duplicates.
func (inv *Inventory) Select(names []string) ([]Node, error) {
	seen := make(map[string]struct{}, len(names))
	out := make([]Node, 0, len(names))
	var unknown []string
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		node, ok := inv.Node(name)
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		out = append(out, node)
	}
	if len(unknown) > 0 {
		return nil, fmt.Errorf("unknown node(s): %s", strings.Join(unknown, ", "))
	}
	return out, nil
}

// Names returns the hostnames of nodes.
func Names(nodes []Node) []string {
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.Name)
	}
	return out
}
