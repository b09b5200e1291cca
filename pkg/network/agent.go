// Package network wires a runner into the cluster overlay: one VXLAN
// endpoint pointed at the host, a Linux bridge carrying the runner's subnet
// gateway, masquerade rules for external egress, and TAP devices for VM
// workloads. Interface names and MACs for TAPs are derived from the task id
// so they survive runner restarts without any stored mapping.
package network

import (
	"crypto/sha256"
	"fmt"
	"net"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"

	"github.com/kohakuriver/kohakuriver/pkg/log"
	"github.com/kohakuriver/kohakuriver/pkg/types"
)

const (
	// VXLANIface is the runner-side endpoint name.
	VXLANIface = "krvx0"
	// BridgeName carries the runner subnet.
	BridgeName = "krbr0"
	// DockerNetwork is the runtime network backed by BridgeName.
	DockerNetwork = "kohakuriver"
)

// LinkOps abstracts the netlink operations so tests run without privileges.
type LinkOps interface {
	EnsureVXLAN(name string, vxlanID int, remote net.IP) error
	EnsureBridge(name, addrCIDR string) error
	Enslave(iface, bridge string) error
	EnsureTAP(name, bridge string, mac net.HardwareAddr) error
	DeleteIface(name string) error
}

// Agent configures the runner's overlay attachment.
type Agent struct {
	ops LinkOps
	log zerolog.Logger

	// runIptables is stubbed in tests.
	runIptables func(args ...string) error
}

// NewAgent creates an agent over the given link operations.
func NewAgent(ops LinkOps) *Agent {
	return &Agent{
		ops: ops,
		log: log.WithComponent("network"),
		runIptables: func(args ...string) error {
			out, err := exec.Command("iptables", args...).CombinedOutput()
			if err != nil {
				return fmt.Errorf("iptables %s: %w: %s", strings.Join(args, " "), err, out)
			}
			return nil
		},
	}
}

// Setup applies the full overlay attachment for the allocation the host
// returned at registration. Re-running after a partial failure converges.
func (a *Agent) Setup(alloc *types.OverlayAllocation, hostIP net.IP) error {
	if alloc == nil {
		return types.NewError(types.ErrBadRequest, "no overlay allocation")
	}
	_, subnet, err := net.ParseCIDR(alloc.Subnet)
	if err != nil {
		return types.NewError(types.ErrBadRequest, "bad overlay subnet %q: %v", alloc.Subnet, err)
	}
	ones, _ := subnet.Mask.Size()
	gatewayCIDR := fmt.Sprintf("%s/%d", alloc.Gateway, ones)

	if err := a.ops.EnsureVXLAN(VXLANIface, alloc.VXLANID, hostIP); err != nil {
		return fmt.Errorf("failed to create vxlan endpoint: %w", err)
	}
	if err := a.ops.EnsureBridge(BridgeName, gatewayCIDR); err != nil {
		return fmt.Errorf("failed to create bridge: %w", err)
	}
	if err := a.ops.Enslave(VXLANIface, BridgeName); err != nil {
		return fmt.Errorf("failed to enslave vxlan to bridge: %w", err)
	}
	if err := a.ensureMasquerade(alloc.Subnet); err != nil {
		return err
	}

	a.log.Info().Str("subnet", alloc.Subnet).Int("vxlan_id", alloc.VXLANID).
		Str("host", hostIP.String()).Msg("overlay attachment configured")
	return nil
}

// ensureMasquerade installs NAT for container egress to the outside world.
// The -C probe keeps the rule idempotent across restarts.
func (a *Agent) ensureMasquerade(subnet string) error {
	spec := []string{"POSTROUTING", "-s", subnet, "!", "-d", subnet, "-j", "MASQUERADE"}
	if err := a.runIptables(append([]string{"-t", "nat", "-C"}, spec...)...); err == nil {
		return nil
	}
	if err := a.runIptables(append([]string{"-t", "nat", "-A"}, spec...)...); err != nil {
		return fmt.Errorf("failed to install masquerade rule: %w", err)
	}
	return nil
}

// Teardown removes the overlay attachment.
func (a *Agent) Teardown() error {
	var firstErr error
	for _, iface := range []string{VXLANIface, BridgeName} {
		if err := a.ops.DeleteIface(iface); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// CreateTAP creates the VM's TAP device on the bridge, named and addressed
// deterministically from the task id.
func (a *Agent) CreateTAP(taskID int64) (name string, mac net.HardwareAddr, err error) {
	name = TAPName(taskID)
	mac = TAPMAC(taskID)
	if err := a.ops.EnsureTAP(name, BridgeName, mac); err != nil {
		return "", nil, fmt.Errorf("failed to create tap for task %d: %w", taskID, err)
	}
	return name, mac, nil
}

// DeleteTAP removes a task's TAP device.
func (a *Agent) DeleteTAP(taskID int64) error {
	return a.ops.DeleteIface(TAPName(taskID))
}

// TAPName derives the interface name from a hash of the task id, trimmed to
// the kernel's 15-character limit.
func TAPName(taskID int64) string {
	sum := taskHash(taskID)
	return fmt.Sprintf("krtap%x", sum[:5])
}

// TAPMAC derives a locally-administered unicast MAC from the same hash.
func TAPMAC(taskID int64) net.HardwareAddr {
	sum := taskHash(taskID)
	mac := net.HardwareAddr{0x02, 0x4b, sum[0], sum[1], sum[2], sum[3]}
	return mac
}

func taskHash(taskID int64) [32]byte {
	return sha256.Sum256([]byte(fmt.Sprintf("kohakuriver-task-%d", taskID)))
}
