// Package overlay maintains the host side of the VXLAN hub-and-spoke fabric:
// one point-to-point endpoint per runner, each owning a subnet carved from
// the overlay CIDR. Interface names embed the slot number (vxkr<N>) so the
// allocation table can be recovered from the kernel before any new slot is
// handed out.
package overlay

import (
	"encoding/binary"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kohakuriver/kohakuriver/pkg/log"
	"github.com/kohakuriver/kohakuriver/pkg/storage"
	"github.com/kohakuriver/kohakuriver/pkg/types"
)

// IfacePrefix is the host-side VXLAN interface name prefix.
const IfacePrefix = "vxkr"

// VXLANPort is the UDP underlay port.
const VXLANPort = 4789

var ifacePattern = regexp.MustCompile(`^vxkr(\d+)$`)

// Netlinker is the subset of kernel link operations the manager needs.
// Satisfied by the netlink-backed implementation in netlink_linux.go and by
// fakes in tests.
type Netlinker interface {
	// ListIfaceNames returns the names of all links on the host.
	ListIfaceNames() ([]string, error)
	// EnsureVXLAN creates (or re-creates) a point-to-point VXLAN endpoint
	// carrying the gateway address.
	EnsureVXLAN(name string, vxlanID int, remote net.IP, gatewayCIDR string) error
	// DeleteIface removes a link if it exists.
	DeleteIface(name string) error
}

// Plan describes how the overlay CIDR is carved into runner subnets.
type Plan struct {
	CIDR        string
	SubnetBits  int // per-runner prefix length, e.g. 24
	VXLANBaseID int
}

// Manager owns the host allocation table. Slot allocation and release are
// guarded by one lock.
type Manager struct {
	plan  Plan
	store storage.Store
	nl    Netlinker

	mu    sync.Mutex
	slots map[int]string // slot -> runner

	log zerolog.Logger
}

// NewManager creates the overlay manager and recovers existing allocations
// from kernel interfaces and the store.
func NewManager(plan Plan, store storage.Store, nl Netlinker) (*Manager, error) {
	if _, _, err := net.ParseCIDR(plan.CIDR); err != nil {
		return nil, fmt.Errorf("bad overlay CIDR %q: %w", plan.CIDR, err)
	}

	m := &Manager{
		plan:  plan,
		store: store,
		nl:    nl,
		slots: make(map[int]string),
		log:   log.WithComponent("overlay"),
	}
	if err := m.recover(); err != nil {
		return nil, err
	}
	return m, nil
}

// recover rebuilds the slot table. Kernel interfaces are authoritative for
// which slots are burned; store rows supply the runner binding.
func (m *Manager) recover() error {
	names, err := m.nl.ListIfaceNames()
	if err != nil {
		return fmt.Errorf("failed to list interfaces: %w", err)
	}
	for _, name := range names {
		match := ifacePattern.FindStringSubmatch(name)
		if match == nil {
			continue
		}
		slot, _ := strconv.Atoi(match[1])
		m.slots[slot] = "" // burned, owner unknown until a store row claims it
	}

	allocs, err := m.store.ListOverlays()
	if err != nil {
		return fmt.Errorf("failed to list stored allocations: %w", err)
	}
	for _, alloc := range allocs {
		match := ifacePattern.FindStringSubmatch(alloc.HostIface)
		if match == nil {
			continue
		}
		slot, _ := strconv.Atoi(match[1])
		m.slots[slot] = alloc.Runner
	}

	m.log.Info().Int("slots", len(m.slots)).Msg("recovered overlay allocations")
	return nil
}

// subnetForSlot computes the slot's subnet and gateway from the plan.
func (m *Manager) subnetForSlot(slot int) (subnet, gateway string, err error) {
	_, network, err := net.ParseCIDR(m.plan.CIDR)
	if err != nil {
		return "", "", err
	}
	base := network.IP.To4()
	if base == nil {
		return "", "", fmt.Errorf("overlay CIDR must be IPv4")
	}
	planOnes, bits := network.Mask.Size()
	if m.plan.SubnetBits <= planOnes || m.plan.SubnetBits > 30 {
		return "", "", fmt.Errorf("subnet bits %d incompatible with plan %s", m.plan.SubnetBits, m.plan.CIDR)
	}
	slotCount := 1 << (m.plan.SubnetBits - planOnes)
	if slot >= slotCount {
		return "", "", types.NewError(types.ErrResourceExhausted, "overlay plan %s exhausted", m.plan.CIDR)
	}

	size := uint32(1) << (bits - m.plan.SubnetBits)
	start := binary.BigEndian.Uint32(base) + uint32(slot)*size

	netIP := make(net.IP, 4)
	binary.BigEndian.PutUint32(netIP, start)
	gwIP := make(net.IP, 4)
	binary.BigEndian.PutUint32(gwIP, start+1)

	return fmt.Sprintf("%s/%d", netIP, m.plan.SubnetBits), gwIP.String(), nil
}

// Register allocates (or returns the existing) slot for a runner and wires
// the host-side endpoint toward the runner's address. Allocation is stable:
// a re-registering runner keeps its subnet.
func (m *Manager) Register(runner string, runnerAddr net.IP) (*types.OverlayAllocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	slot := -1
	for s, owner := range m.slots {
		if owner == runner {
			slot = s
			break
		}
	}
	if slot == -1 {
		// First unused slot in the plan.
		for s := 0; ; s++ {
			if _, used := m.slots[s]; !used {
				slot = s
				break
			}
		}
	}

	subnet, gateway, err := m.subnetForSlot(slot)
	if err != nil {
		return nil, err
	}

	iface := fmt.Sprintf("%s%d", IfacePrefix, slot)
	vxlanID := m.plan.VXLANBaseID + slot
	gatewayCIDR := fmt.Sprintf("%s/%d", gateway, m.plan.SubnetBits)

	if err := m.nl.EnsureVXLAN(iface, vxlanID, runnerAddr, gatewayCIDR); err != nil {
		return nil, fmt.Errorf("failed to create VXLAN endpoint %s: %w", iface, err)
	}

	alloc := &types.OverlayAllocation{
		Runner:       runner,
		Subnet:       subnet,
		VXLANID:      vxlanID,
		Gateway:      gateway,
		HostIface:    iface,
		RegisteredAt: time.Now(),
	}
	if err := m.store.PutOverlay(alloc); err != nil {
		return nil, fmt.Errorf("failed to persist allocation: %w", err)
	}
	m.slots[slot] = runner

	m.log.Info().Str("runner", runner).Str("subnet", subnet).Str("iface", iface).Msg("overlay endpoint registered")
	return alloc, nil
}

// Get returns the stored allocation for a runner.
func (m *Manager) Get(runner string) (*types.OverlayAllocation, error) {
	return m.store.GetOverlay(runner)
}

// List returns all stored allocations.
func (m *Manager) List() ([]*types.OverlayAllocation, error) {
	return m.store.ListOverlays()
}

// Release tears down a runner's endpoint and frees its slot.
func (m *Manager) Release(runner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	alloc, err := m.store.GetOverlay(runner)
	if err != nil {
		return err
	}
	if err := m.nl.DeleteIface(alloc.HostIface); err != nil {
		return fmt.Errorf("failed to delete %s: %w", alloc.HostIface, err)
	}
	if err := m.store.DeleteOverlay(runner); err != nil {
		return err
	}

	match := ifacePattern.FindStringSubmatch(alloc.HostIface)
	if match != nil {
		slot, _ := strconv.Atoi(match[1])
		delete(m.slots, slot)
	}

	m.log.Info().Str("runner", runner).Str("iface", alloc.HostIface).Msg("overlay endpoint released")
	return nil
}

// Cleanup removes kernel endpoints that have no stored allocation, e.g.
// after an admin deleted rows by hand.
func (m *Manager) Cleanup() (removed []string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	allocs, err := m.store.ListOverlays()
	if err != nil {
		return nil, err
	}
	known := make(map[string]bool, len(allocs))
	for _, alloc := range allocs {
		known[alloc.HostIface] = true
	}

	names, err := m.nl.ListIfaceNames()
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		match := ifacePattern.FindStringSubmatch(name)
		if match == nil || known[name] {
			continue
		}
		if err := m.nl.DeleteIface(name); err != nil {
			m.log.Warn().Err(err).Str("iface", name).Msg("failed to remove orphan endpoint")
			continue
		}
		slot, _ := strconv.Atoi(match[1])
		delete(m.slots, slot)
		removed = append(removed, name)
	}
	return removed, nil
}
