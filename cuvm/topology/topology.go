// Package topology maps accelerator devices to the NUMA nodes (and CPU sets)
// they are attached to. The allocator uses the table to pin the thread that
// issues driver calls near the target device's memory controller.
//
// The table is injected configuration: build one with New, load one from YAML
// with Load, discover one from sysfs with Discover, or fall back to Default,
// which reproduces the 8-GPU/96-CPU two-node host this allocator was first
// tuned on.
package topology

import (
	"sort"

	"github.com/growmem/gocuvm/cuvm/cudriver"

	"github.com/pkg/errors"
	"k8s.io/utils/cpuset"
)

// Node is one NUMA node: its CPUs and the devices attached to it.
type Node struct {
	ID      int
	CPUs    cpuset.CPUSet
	Devices []cudriver.Device
}

// Table maps devices to NUMA nodes. Immutable after construction.
type Table struct {
	nodes    []Node
	byDevice map[cudriver.Device]int // device -> index into nodes
}

// New builds a Table from the given nodes. It fails when a node has an empty
// CPU set or a device is listed under more than one node.
func New(nodes ...Node) (*Table, error) {
	t := &Table{
		nodes:    make([]Node, len(nodes)),
		byDevice: make(map[cudriver.Device]int),
	}
	copy(t.nodes, nodes)
	sort.Slice(t.nodes, func(i, j int) bool { return t.nodes[i].ID < t.nodes[j].ID })
	for ii, node := range t.nodes {
		if node.CPUs.IsEmpty() {
			return nil, errors.Errorf("topology node %d has an empty CPU set", node.ID)
		}
		for _, dev := range node.Devices {
			if prev, ok := t.byDevice[dev]; ok {
				return nil, errors.Errorf("device %d is listed under both node %d and node %d",
					dev, t.nodes[prev].ID, node.ID)
			}
			t.byDevice[dev] = ii
		}
	}
	return t, nil
}

// Default returns the static two-node table of the host this allocator was
// originally tuned on: devices 0-3 on CPUs 0-47 (node 0), devices 4-7 on
// CPUs 48-95 (node 1). Use Discover or Load for anything else.
func Default() *Table {
	t, err := New(
		Node{ID: 0, CPUs: cpuRange(0, 47), Devices: deviceRange(0, 3)},
		Node{ID: 1, CPUs: cpuRange(48, 95), Devices: deviceRange(4, 7)},
	)
	if err != nil {
		panic(err) // Static input, cannot fail.
	}
	return t
}

// Nodes returns the table's nodes, ordered by node ID.
func (t *Table) Nodes() []Node {
	return t.nodes
}

// Node returns the NUMA node the device is attached to.
func (t *Table) Node(dev cudriver.Device) (Node, bool) {
	ii, ok := t.byDevice[dev]
	if !ok {
		return Node{}, false
	}
	return t.nodes[ii], true
}

// CPUs returns the CPU set local to the device, and whether the device is in
// the table at all.
func (t *Table) CPUs(dev cudriver.Device) (cpuset.CPUSet, bool) {
	node, ok := t.Node(dev)
	if !ok {
		return cpuset.New(), false
	}
	return node.CPUs, true
}

func cpuRange(first, last int) cpuset.CPUSet {
	cpus := make([]int, 0, last-first+1)
	for cpu := first; cpu <= last; cpu++ {
		cpus = append(cpus, cpu)
	}
	return cpuset.New(cpus...)
}

func deviceRange(first, last cudriver.Device) []cudriver.Device {
	devices := make([]cudriver.Device, 0, last-first+1)
	for dev := first; dev <= last; dev++ {
		devices = append(devices, dev)
	}
	return devices
}
