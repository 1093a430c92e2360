// Package network derives the overlay topology and per-node firewall
// rules from live node membership, and owns the subnet IP arithmetic.
package network

import (
	"fmt"
	"os/exec"
	"sort"

	"github.com/twentyft/laksa/pkg/log"
)

// Subnet address layout: within a /16 the bottom 256 addresses are
// reserved for tunnel endpoints and the top two are never handed out.
const (
	SubnetLowReserved  = 256
	SubnetHighReserved = 2
	SubnetSize         = 65536
)

// Range returns the inclusive [lo, hi] integer bounds of subnet id s
func Range(s int) (lo, hi int) {
	lo = s*SubnetSize + SubnetLowReserved
	hi = s*SubnetSize + SubnetSize - SubnetHighReserved - 1
	return lo, hi
}

// IPFromInt formats an allocation integer as its 10.a.b.c address
func IPFromInt(n int) string {
	return fmt.Sprintf("10.%d.%d.%d", n/65536, (n/256)%256, n%256)
}

// Pair is one node's contribution to the topology
type Pair struct {
	SubnetID   string `cbor:"subnet_id" json:"subnet_id"`
	ExternalIP string `cbor:"external_ip" json:"external_ip"`
}

// Runner executes a system command; injected so tests never touch the
// firewall.
type Runner func(name string, args ...string) error

// ExecRunner runs commands for real
func ExecRunner(name string, args ...string) error {
	return exec.Command(name, args...).Run()
}

// Driver tracks the applied topology and keeps the firewall in step
type Driver struct {
	run     Runner
	applied map[string]bool // subnet ids with an allow rule installed
}

// NewDriver creates a driver with no rules applied
func NewDriver(run Runner) *Driver {
	if run == nil {
		run = ExecRunner
	}
	return &Driver{run: run, applied: make(map[string]bool)}
}

// DropUnderlay installs (or retracts) the baseline rule dropping
// underlay-facing incoming traffic.
func (d *Driver) DropUnderlay(reverse bool) {
	op := "-I"
	if reverse {
		op = "-D"
	}
	if err := d.run("iptables", op, "INPUT", "-i", "eth0", "-j", "DROP"); err != nil {
		log.Logger.Warn().Err(err).Msg("failed to adjust underlay drop rule")
	}
}

// allowSubnet installs (or retracts) the allow-incoming rule for one
// node subnet.
func (d *Driver) allowSubnet(subnetID string, reverse bool) {
	op := "-I"
	if reverse {
		op = "-D"
	}
	source := fmt.Sprintf("10.%s.0.0/16", subnetID)
	if err := d.run("iptables", op, "INPUT", "-s", source, "-j", "ACCEPT"); err != nil {
		log.Logger.Warn().Err(err).Str("subnet", subnetID).Msg("failed to adjust subnet rule")
	}
}

// Apply diffs the current topology against the applied set, adjusts the
// firewall, and returns the added and removed subnet ids.
func (d *Driver) Apply(topology []Pair) (added, removed []string) {
	current := make(map[string]bool, len(topology))
	for _, p := range topology {
		current[p.SubnetID] = true
	}

	for sn := range current {
		if !d.applied[sn] {
			added = append(added, sn)
		}
	}
	for sn := range d.applied {
		if !current[sn] {
			removed = append(removed, sn)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)

	for _, sn := range added {
		d.allowSubnet(sn, false)
		d.applied[sn] = true
	}
	for _, sn := range removed {
		d.allowSubnet(sn, true)
		delete(d.applied, sn)
	}
	return added, removed
}

// Teardown retracts every applied rule and the underlay baseline
func (d *Driver) Teardown() {
	for sn := range d.applied {
		d.allowSubnet(sn, true)
	}
	d.applied = make(map[string]bool)
	d.DropUnderlay(true)
}
