package model

import (
	"encoding/base64"

	"github.com/twentyft/laksa/pkg/types"
)

// Node is the broker's view of one connected worker node
type Node struct {
	PK         []byte
	SubnetID   int
	Passmarks  int
	ExternalIP string
	InstanceID string
	Perf       types.PerfCounters
}

// NewNode creates a node from its registration config
func NewNode(pk []byte, subnetID, passmarks int) *Node {
	if passmarks == 0 {
		passmarks = 10000
	}
	return &Node{
		PK:        pk,
		SubnetID:  subnetID,
		Passmarks: passmarks,
		Perf:      types.PerfCounters{CPU: 1000, Memory: 1000},
	}
}

// UpdateStats replaces the perf counters with a freshly-reported set,
// scaling cpu by passmarks and memory down to MiB.
func (n *Node) UpdateStats(raw types.PerfCounters) {
	n.Perf = raw
	n.Perf.CPU = int64(float64(n.Perf.CPU) * float64(n.Passmarks) * 0.01)
	n.Perf.Memory /= 1024
}

// Weight is the haproxy server weight derived from cpu capacity
func (n *Node) Weight() int {
	return int(n.Perf.CPU/100) + 10
}

// State renders the node for the inspection document
func (n *Node) State() map[string]any {
	return map[string]any{
		"subnet_id":     n.SubnetID,
		"external_ip":   n.ExternalIP,
		"instance_id":   n.InstanceID,
		"pk":            base64.StdEncoding.EncodeToString(n.PK),
		"weight":        n.Weight(),
		"perf_counters": n.Perf,
	}
}
