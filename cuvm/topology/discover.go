package topology

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/growmem/gocuvm/cuvm/cudriver"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
	"k8s.io/utils/cpuset"
)

// PCIEnumerator is the driver slice Discover needs: device enumeration plus
// each device's PCI bus identity.
type PCIEnumerator interface {
	DeviceCount() (int, error)
	DevicePCIBusID(dev cudriver.Device) (string, error)
}

// Discover builds a topology table from the running machine: NUMA node CPU
// lists from sysfs, and each device's node from its PCI slot. sysRoot is
// prepended to all sysfs paths and is normally "/" (it is a parameter so
// tests can point at a fake tree).
//
// Devices whose PCI slot reports no NUMA node (sysfs says -1, common on
// single-node hosts and in VMs) are assigned to the lowest-numbered node.
func Discover(drv PCIEnumerator, sysRoot string) (*Table, error) {
	nodes, err := discoverNodes(sysRoot)
	if err != nil {
		return nil, err
	}
	lowest := nodes[0].ID
	for _, node := range nodes {
		if node.ID < lowest {
			lowest = node.ID
		}
	}
	byID := make(map[int]*Node, len(nodes))
	for ii := range nodes {
		byID[nodes[ii].ID] = &nodes[ii]
	}

	count, err := drv.DeviceCount()
	if err != nil {
		return nil, errors.WithMessage(err, "while enumerating devices for topology discovery")
	}
	for dev := cudriver.Device(0); dev < cudriver.Device(count); dev++ {
		busID, err := drv.DevicePCIBusID(dev)
		if err != nil {
			return nil, errors.WithMessagef(err, "while querying the PCI bus ID of device %d", dev)
		}
		nodeID := deviceNode(sysRoot, busID)
		node, ok := byID[nodeID]
		if !ok {
			klog.Warningf("device %d (%s) reports NUMA node %d, which has no CPUs; using node %d",
				dev, busID, nodeID, lowest)
			node = byID[lowest]
		}
		node.Devices = append(node.Devices, dev)
		klog.V(1).Infof("device %d (%s) is attached to NUMA node %d (CPUs %s)",
			dev, busID, node.ID, node.CPUs)
	}
	return New(nodes...)
}

// discoverNodes reads the NUMA nodes and their CPU lists from
// <sysRoot>/sys/devices/system/node.
func discoverNodes(sysRoot string) ([]Node, error) {
	nodeRoot := filepath.Join(sysRoot, "sys", "devices", "system", "node")
	entries, err := os.ReadDir(nodeRoot)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list NUMA nodes under %q", nodeRoot)
	}
	var nodes []Node
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, "node") {
			continue
		}
		id, err := strconv.Atoi(strings.TrimPrefix(name, "node"))
		if err != nil {
			continue
		}
		cpuListPath := filepath.Join(nodeRoot, name, "cpulist")
		data, err := os.ReadFile(cpuListPath)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read %q", cpuListPath)
		}
		cpus, err := cpuset.Parse(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse CPU list in %q", cpuListPath)
		}
		if cpus.IsEmpty() {
			// Memory-only node.
			continue
		}
		nodes = append(nodes, Node{ID: id, CPUs: cpus})
	}
	if len(nodes) == 0 {
		return nil, errors.Errorf("no NUMA nodes with CPUs found under %q", nodeRoot)
	}
	return nodes, nil
}

// deviceNode reads the NUMA node of a PCI device from sysfs. Returns the
// lowest representable value on any failure, which Discover then maps to the
// lowest node.
func deviceNode(sysRoot, busID string) int {
	path := filepath.Join(sysRoot, "sys", "bus", "pci", "devices", strings.ToLower(busID), "numa_node")
	data, err := os.ReadFile(path)
	if err != nil {
		klog.V(1).Infof("cannot read %q: %v", path, err)
		return -1
	}
	node, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		klog.V(1).Infof("cannot parse %q: %v", path, err)
		return -1
	}
	return node
}
