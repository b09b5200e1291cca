package overlay

import (
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
)

// KernelNetlink implements Netlinker against the real kernel via netlink.
type KernelNetlink struct{}

func (KernelNetlink) ListIfaceNames() ([]string, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(links))
	for _, link := range links {
		names = append(names, link.Attrs().Name)
	}
	return names, nil
}

func (KernelNetlink) EnsureVXLAN(name string, vxlanID int, remote net.IP, gatewayCIDR string) error {
	// Recreate rather than mutate: a stale endpoint may point at an old
	// runner address.
	if existing, err := netlink.LinkByName(name); err == nil {
		if err := netlink.LinkDel(existing); err != nil {
			return fmt.Errorf("failed to remove stale link %s: %w", name, err)
		}
	}

	vxlan := &netlink.Vxlan{
		LinkAttrs: netlink.LinkAttrs{Name: name},
		VxlanId:   vxlanID,
		Group:     remote,
		Port:      VXLANPort,
		Learning:  false,
	}
	if err := netlink.LinkAdd(vxlan); err != nil {
		return fmt.Errorf("failed to add vxlan %s: %w", name, err)
	}

	addr, err := netlink.ParseAddr(gatewayCIDR)
	if err != nil {
		return fmt.Errorf("failed to parse gateway %s: %w", gatewayCIDR, err)
	}
	if err := netlink.AddrAdd(vxlan, addr); err != nil {
		return fmt.Errorf("failed to assign gateway address: %w", err)
	}
	if err := netlink.LinkSetUp(vxlan); err != nil {
		return fmt.Errorf("failed to bring up %s: %w", name, err)
	}
	return nil
}

func (KernelNetlink) DeleteIface(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		// Already gone.
		return nil
	}
	return netlink.LinkDel(link)
}
