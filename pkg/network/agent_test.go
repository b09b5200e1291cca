package network

import (
	"errors"
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kohakuriver/kohakuriver/pkg/types"
)

type fakeLinkOps struct {
	calls   []string
	tapErr  error
	deleted []string
}

func (f *fakeLinkOps) EnsureVXLAN(name string, vxlanID int, remote net.IP) error {
	f.calls = append(f.calls, "vxlan:"+name)
	return nil
}

func (f *fakeLinkOps) EnsureBridge(name, addrCIDR string) error {
	f.calls = append(f.calls, "bridge:"+name+":"+addrCIDR)
	return nil
}

func (f *fakeLinkOps) Enslave(iface, bridge string) error {
	f.calls = append(f.calls, "enslave:"+iface+":"+bridge)
	return nil
}

func (f *fakeLinkOps) EnsureTAP(name, bridge string, mac net.HardwareAddr) error {
	f.calls = append(f.calls, "tap:"+name)
	return f.tapErr
}

func (f *fakeLinkOps) DeleteIface(name string) error {
	f.deleted = append(f.deleted, name)
	return nil
}

func newTestAgent(ops *fakeLinkOps) (*Agent, *[][]string) {
	a := NewAgent(ops)
	var rules [][]string
	a.runIptables = func(args ...string) error {
		rules = append(rules, args)
		if args[2] == "-C" {
			// Rule not present yet.
			return errors.New("no match")
		}
		return nil
	}
	return a, &rules
}

func TestSetupOrdering(t *testing.T) {
	ops := &fakeLinkOps{}
	a, rules := newTestAgent(ops)

	alloc := &types.OverlayAllocation{
		Runner:  "node1",
		Subnet:  "10.128.3.0/24",
		VXLANID: 103,
		Gateway: "10.128.3.1",
	}
	require.NoError(t, a.Setup(alloc, net.ParseIP("192.168.1.10")))

	require.Equal(t, []string{
		"vxlan:krvx0",
		"bridge:krbr0:10.128.3.1/24",
		"enslave:krvx0:krbr0",
	}, ops.calls)

	// Probe first, then append since the probe reported no match.
	require.Len(t, *rules, 2)
	require.Equal(t,
		[]string{"-t", "nat", "-C", "POSTROUTING", "-s", "10.128.3.0/24", "!", "-d", "10.128.3.0/24", "-j", "MASQUERADE"},
		(*rules)[0])
	require.Equal(t, "-A", (*rules)[1][2])
}

func TestSetupMasqueradeIdempotent(t *testing.T) {
	ops := &fakeLinkOps{}
	a := NewAgent(ops)
	var rules [][]string
	a.runIptables = func(args ...string) error {
		rules = append(rules, args)
		// Rule already installed, the probe succeeds.
		return nil
	}

	alloc := &types.OverlayAllocation{Subnet: "10.128.3.0/24", VXLANID: 103, Gateway: "10.128.3.1"}
	require.NoError(t, a.Setup(alloc, net.ParseIP("192.168.1.10")))
	require.Len(t, rules, 1)
	require.Equal(t, "-C", rules[0][2])
}

func TestSetupRejectsBadSubnet(t *testing.T) {
	a, _ := newTestAgent(&fakeLinkOps{})
	err := a.Setup(&types.OverlayAllocation{Subnet: "not-a-cidr"}, net.ParseIP("192.168.1.10"))
	require.Error(t, err)
	require.Equal(t, types.ErrBadRequest, types.KindOf(err))
}

func TestTeardownRemovesBothIfaces(t *testing.T) {
	ops := &fakeLinkOps{}
	a, _ := newTestAgent(ops)
	require.NoError(t, a.Teardown())
	require.Equal(t, []string{"krvx0", "krbr0"}, ops.deleted)
}

func TestTAPNameDeterministicAndShort(t *testing.T) {
	name := TAPName(7283469234)
	require.Equal(t, name, TAPName(7283469234))
	require.NotEqual(t, name, TAPName(7283469235))
	require.True(t, strings.HasPrefix(name, "krtap"))
	// IFNAMSIZ allows 15 visible characters.
	require.LessOrEqual(t, len(name), 15)
}

func TestTAPMACLocallyAdministered(t *testing.T) {
	mac := TAPMAC(42)
	require.Len(t, mac, 6)
	// Locally administered, unicast.
	require.Equal(t, byte(0x02), mac[0]&0x03)
	require.Equal(t, mac, TAPMAC(42))
}

func TestCreateTAPPropagatesError(t *testing.T) {
	ops := &fakeLinkOps{tapErr: errors.New("exists")}
	a, _ := newTestAgent(ops)
	_, _, err := a.CreateTAP(42)
	require.Error(t, err)
}

func TestDeleteTAPUsesDerivedName(t *testing.T) {
	ops := &fakeLinkOps{}
	a, _ := newTestAgent(ops)
	require.NoError(t, a.DeleteTAP(42))
	require.Equal(t, []string{TAPName(42)}, ops.deleted)
}
