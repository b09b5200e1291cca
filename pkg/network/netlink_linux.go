package network

import (
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
)

// vxlanPort is the IANA VXLAN UDP port, matching the host side.
const vxlanPort = 4789

// KernelLinkOps implements LinkOps against the running kernel.
type KernelLinkOps struct{}

func (KernelLinkOps) EnsureVXLAN(name string, vxlanID int, remote net.IP) error {
	// Recreate rather than mutate: a stale endpoint may carry an old VNI or
	// point at an old host address.
	if existing, err := netlink.LinkByName(name); err == nil {
		if err := netlink.LinkDel(existing); err != nil {
			return fmt.Errorf("failed to remove stale link %s: %w", name, err)
		}
	}

	vxlan := &netlink.Vxlan{
		LinkAttrs: netlink.LinkAttrs{Name: name},
		VxlanId:   vxlanID,
		Group:     remote,
		Port:      vxlanPort,
		Learning:  false,
	}
	if err := netlink.LinkAdd(vxlan); err != nil {
		return fmt.Errorf("failed to add vxlan %s: %w", name, err)
	}
	if err := netlink.LinkSetUp(vxlan); err != nil {
		return fmt.Errorf("failed to bring up %s: %w", name, err)
	}
	return nil
}

func (KernelLinkOps) EnsureBridge(name, addrCIDR string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		bridge := &netlink.Bridge{LinkAttrs: netlink.LinkAttrs{Name: name}}
		if err := netlink.LinkAdd(bridge); err != nil {
			return fmt.Errorf("failed to add bridge %s: %w", name, err)
		}
		link = bridge
	}

	addr, err := netlink.ParseAddr(addrCIDR)
	if err != nil {
		return fmt.Errorf("failed to parse bridge address %s: %w", addrCIDR, err)
	}
	addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
	if err != nil {
		return fmt.Errorf("failed to list addresses of %s: %w", name, err)
	}
	present := false
	for _, a := range addrs {
		if a.IPNet.String() == addr.IPNet.String() {
			present = true
			break
		}
	}
	if !present {
		if err := netlink.AddrAdd(link, addr); err != nil {
			return fmt.Errorf("failed to assign %s to %s: %w", addrCIDR, name, err)
		}
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("failed to bring up %s: %w", name, err)
	}
	return nil
}

func (KernelLinkOps) Enslave(iface, bridge string) error {
	link, err := netlink.LinkByName(iface)
	if err != nil {
		return fmt.Errorf("failed to find %s: %w", iface, err)
	}
	master, err := netlink.LinkByName(bridge)
	if err != nil {
		return fmt.Errorf("failed to find bridge %s: %w", bridge, err)
	}
	if err := netlink.LinkSetMaster(link, master); err != nil {
		return fmt.Errorf("failed to enslave %s to %s: %w", iface, bridge, err)
	}
	return nil
}

func (KernelLinkOps) EnsureTAP(name, bridge string, mac net.HardwareAddr) error {
	if existing, err := netlink.LinkByName(name); err == nil {
		if err := netlink.LinkDel(existing); err != nil {
			return fmt.Errorf("failed to remove stale tap %s: %w", name, err)
		}
	}

	tap := &netlink.Tuntap{
		LinkAttrs: netlink.LinkAttrs{Name: name},
		Mode:      netlink.TUNTAP_MODE_TAP,
	}
	if err := netlink.LinkAdd(tap); err != nil {
		return fmt.Errorf("failed to add tap %s: %w", name, err)
	}
	if err := netlink.LinkSetHardwareAddr(tap, mac); err != nil {
		return fmt.Errorf("failed to set mac on %s: %w", name, err)
	}
	master, err := netlink.LinkByName(bridge)
	if err != nil {
		return fmt.Errorf("failed to find bridge %s: %w", bridge, err)
	}
	if err := netlink.LinkSetMaster(tap, master); err != nil {
		return fmt.Errorf("failed to enslave %s to %s: %w", name, bridge, err)
	}
	if err := netlink.LinkSetUp(tap); err != nil {
		return fmt.Errorf("failed to bring up %s: %w", name, err)
	}
	return nil
}

func (KernelLinkOps) DeleteIface(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		// Already gone.
		return nil
	}
	return netlink.LinkDel(link)
}
