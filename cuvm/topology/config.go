package topology

import (
	"os"

	"github.com/growmem/gocuvm/cuvm/cudriver"

	"github.com/pkg/errors"
	"k8s.io/utils/cpuset"
	"sigs.k8s.io/yaml"
)

// The YAML schema:
//
//	nodes:
//	  - id: 0
//	    cpus: 0-47
//	    devices: [0, 1, 2, 3]
//	  - id: 1
//	    cpus: 48-95
//	    devices: [4, 5, 6, 7]

type nodeConfig struct {
	ID      int     `json:"id"`
	CPUs    string  `json:"cpus"`
	Devices []int32 `json:"devices"`
}

type tableConfig struct {
	Nodes []nodeConfig `json:"nodes"`
}

// Load reads a topology table from a YAML file.
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read topology config %q", path)
	}
	t, err := Parse(data)
	if err != nil {
		return nil, errors.WithMessagef(err, "while parsing topology config %q", path)
	}
	return t, nil
}

// Parse parses a YAML topology table.
func Parse(data []byte) (*Table, error) {
	var config tableConfig
	if err := yaml.UnmarshalStrict(data, &config); err != nil {
		return nil, errors.Wrap(err, "failed to parse topology YAML")
	}
	if len(config.Nodes) == 0 {
		return nil, errors.New("topology config has no nodes")
	}
	nodes := make([]Node, 0, len(config.Nodes))
	for _, nodeCfg := range config.Nodes {
		cpus, err := cpuset.Parse(nodeCfg.CPUs)
		if err != nil {
			return nil, errors.Wrapf(err, "bad cpus list %q for node %d", nodeCfg.CPUs, nodeCfg.ID)
		}
		node := Node{ID: nodeCfg.ID, CPUs: cpus}
		for _, dev := range nodeCfg.Devices {
			node.Devices = append(node.Devices, cudriver.Device(dev))
		}
		nodes = append(nodes, node)
	}
	return New(nodes...)
}
