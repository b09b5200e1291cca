package overlay

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kohakuriver/kohakuriver/pkg/storage"
)

// fakeNetlink records link operations in memory.
type fakeNetlink struct {
	ifaces map[string]bool
}

func newFakeNetlink(existing ...string) *fakeNetlink {
	f := &fakeNetlink{ifaces: make(map[string]bool)}
	for _, name := range existing {
		f.ifaces[name] = true
	}
	return f
}

func (f *fakeNetlink) ListIfaceNames() ([]string, error) {
	names := make([]string, 0, len(f.ifaces))
	for name := range f.ifaces {
		names = append(names, name)
	}
	return names, nil
}

func (f *fakeNetlink) EnsureVXLAN(name string, vxlanID int, remote net.IP, gatewayCIDR string) error {
	f.ifaces[name] = true
	return nil
}

func (f *fakeNetlink) DeleteIface(name string) error {
	delete(f.ifaces, name)
	return nil
}

func testPlan() Plan {
	return Plan{CIDR: "10.128.0.0/16", SubnetBits: 24, VXLANBaseID: 4200}
}

func newTestManager(t *testing.T, nl Netlinker) (*Manager, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	m, err := NewManager(testPlan(), store, nl)
	require.NoError(t, err)
	return m, store
}

func TestRegisterAllocatesSequentialSlots(t *testing.T) {
	m, _ := newTestManager(t, newFakeNetlink())

	a1, err := m.Register("node1", net.ParseIP("192.168.0.11"))
	require.NoError(t, err)
	require.Equal(t, "10.128.0.0/24", a1.Subnet)
	require.Equal(t, "10.128.0.1", a1.Gateway)
	require.Equal(t, "vxkr0", a1.HostIface)
	require.Equal(t, 4200, a1.VXLANID)

	a2, err := m.Register("node2", net.ParseIP("192.168.0.12"))
	require.NoError(t, err)
	require.Equal(t, "10.128.1.0/24", a2.Subnet)
	require.Equal(t, "vxkr1", a2.HostIface)
	require.Equal(t, 4201, a2.VXLANID)
}

func TestRegisterStableAcrossReRegister(t *testing.T) {
	m, _ := newTestManager(t, newFakeNetlink())

	a1, err := m.Register("node1", net.ParseIP("192.168.0.11"))
	require.NoError(t, err)

	// Runner restarts and registers again: same slot, same subnet.
	a2, err := m.Register("node1", net.ParseIP("192.168.0.11"))
	require.NoError(t, err)
	require.Equal(t, a1.Subnet, a2.Subnet)
	require.Equal(t, a1.HostIface, a2.HostIface)
}

func TestRecoveryFromInterfaces(t *testing.T) {
	// Slots 0 and 1 already exist in the kernel from a previous host run,
	// but only slot 0 has a store row.
	nl := newFakeNetlink("vxkr0", "vxkr1", "eth0", "docker0")
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	first, err := NewManager(testPlan(), store, nl)
	require.NoError(t, err)
	a, err := first.Register("node1", net.ParseIP("192.168.0.11"))
	require.NoError(t, err)
	require.Equal(t, "vxkr2", a.HostIface, "burned slots must not be reissued")
}

func TestSubnetsDisjoint(t *testing.T) {
	m, _ := newTestManager(t, newFakeNetlink())

	seen := make(map[string]bool)
	for _, runner := range []string{"a", "b", "c", "d", "e"} {
		alloc, err := m.Register(runner, net.ParseIP("192.168.0.10"))
		require.NoError(t, err)
		require.False(t, seen[alloc.Subnet], "subnet %s allocated twice", alloc.Subnet)
		seen[alloc.Subnet] = true
	}
}

func TestReleaseFreesSlot(t *testing.T) {
	nl := newFakeNetlink()
	m, _ := newTestManager(t, nl)

	a1, err := m.Register("node1", net.ParseIP("192.168.0.11"))
	require.NoError(t, err)
	require.NoError(t, m.Release("node1"))
	require.False(t, nl.ifaces[a1.HostIface])

	// Slot 0 is free again.
	a2, err := m.Register("node2", net.ParseIP("192.168.0.12"))
	require.NoError(t, err)
	require.Equal(t, "vxkr0", a2.HostIface)
}

func TestCleanupRemovesOrphans(t *testing.T) {
	nl := newFakeNetlink("vxkr5", "eth0")
	m, _ := newTestManager(t, nl)

	removed, err := m.Cleanup()
	require.NoError(t, err)
	require.Equal(t, []string{"vxkr5"}, removed)
	require.True(t, nl.ifaces["eth0"])
}
