// Package vfio binds whole IOMMU groups to the vfio-pci driver for VM GPU
// passthrough, and unbinds them back to their original drivers. All state is
// read and written through sysfs; the root is injectable so tests run
// against a fake tree.
package vfio

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/kohakuriver/kohakuriver/pkg/log"
	"github.com/kohakuriver/kohakuriver/pkg/types"
)

const (
	vfioDriver = "vfio-pci"

	// Bridge devices (PCI class major 0x06) stay bound to the kernel;
	// passing a bridge through takes the whole segment down.
	bridgeClassMajor = 0x06
)

// sysfsWriteTimeout bounds each sysfs write. Consumer NVIDIA cards can hang
// the writer thread on unbind even after the device is released.
const sysfsWriteTimeout = 10 * time.Second

// Binder performs IOMMU-group driver rebinding.
type Binder struct {
	sysfs string // usually /sys
	log   zerolog.Logger

	// run executes the persistence daemon control commands; stubbed in tests.
	run func(name string, args ...string) error

	// write performs the raw sysfs write; stubbed in tests so a fake tree
	// can mirror kernel side effects.
	write func(path, value string) error
}

// NewBinder creates a binder over the given sysfs root ("" means /sys).
func NewBinder(sysfs string) *Binder {
	if sysfs == "" {
		sysfs = "/sys"
	}
	return &Binder{
		sysfs: sysfs,
		log:   log.WithComponent("vfio"),
		run: func(name string, args ...string) error {
			return exec.Command(name, args...).Run()
		},
		write: func(path, value string) error {
			return os.WriteFile(path, []byte(value), 0200)
		},
	}
}

func (b *Binder) devicePath(addr string) string {
	return filepath.Join(b.sysfs, "bus/pci/devices", addr)
}

// GroupDevices lists the PCI addresses in a device's IOMMU group, excluding
// bridges.
func (b *Binder) GroupDevices(addr string) ([]string, error) {
	groupDir := filepath.Join(b.devicePath(addr), "iommu_group", "devices")
	entries, err := os.ReadDir(groupDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read iommu group of %s: %w", addr, err)
	}

	var devices []string
	for _, e := range entries {
		dev := e.Name()
		isBridge, err := b.isBridge(dev)
		if err != nil {
			return nil, err
		}
		if isBridge {
			continue
		}
		devices = append(devices, dev)
	}
	return devices, nil
}

// isBridge reads the device class and checks the major class byte.
func (b *Binder) isBridge(addr string) (bool, error) {
	raw, err := os.ReadFile(filepath.Join(b.devicePath(addr), "class"))
	if err != nil {
		return false, fmt.Errorf("failed to read class of %s: %w", addr, err)
	}
	// Format: 0xMMmmpp.
	cls, err := strconv.ParseUint(strings.TrimSpace(string(raw)), 0, 32)
	if err != nil {
		return false, fmt.Errorf("bad class of %s: %w", addr, err)
	}
	return (cls >> 16) == bridgeClassMajor, nil
}

// CurrentDriver resolves the driver symlink, or "" when unbound.
func (b *Binder) CurrentDriver(addr string) string {
	target, err := os.Readlink(filepath.Join(b.devicePath(addr), "driver"))
	if err != nil {
		return ""
	}
	return filepath.Base(target)
}

// writeWithTimeout performs a sysfs write in a separate goroutine and waits
// up to the timeout. On timeout it returns nil error with timedOut=true; the
// caller must verify the effect independently. The hung goroutine is left to
// finish whenever the kernel releases it.
func (b *Binder) writeWithTimeout(path, value string) (timedOut bool, err error) {
	done := make(chan error, 1)
	go func() {
		done <- b.write(path, value)
	}()
	select {
	case err := <-done:
		return false, err
	case <-time.After(sysfsWriteTimeout):
		b.log.Warn().Str("path", path).Str("value", value).
			Msg("sysfs write hung, verifying effect by readback")
		return true, nil
	}
}

// bindOne moves a single device to vfio-pci.
func (b *Binder) bindOne(addr string) error {
	if b.CurrentDriver(addr) == vfioDriver {
		return nil
	}

	if driver := b.CurrentDriver(addr); driver != "" {
		unbind := filepath.Join(b.devicePath(addr), "driver", "unbind")
		if _, err := b.writeWithTimeout(unbind, addr); err != nil {
			return fmt.Errorf("failed to unbind %s from %s: %w", addr, driver, err)
		}
		if b.CurrentDriver(addr) != "" {
			return fmt.Errorf("device %s still bound to %s after unbind", addr, b.CurrentDriver(addr))
		}
	}

	override := filepath.Join(b.devicePath(addr), "driver_override")
	if _, err := b.writeWithTimeout(override, vfioDriver); err != nil {
		return fmt.Errorf("failed to set driver_override on %s: %w", addr, err)
	}

	probe := filepath.Join(b.sysfs, "bus/pci/drivers_probe")
	if _, err := b.writeWithTimeout(probe, addr); err != nil {
		b.log.Warn().Err(err).Str("device", addr).Msg("drivers_probe failed, trying explicit bind")
	}
	if b.CurrentDriver(addr) == vfioDriver {
		return nil
	}

	// Explicit bind fallback for kernels that ignore the probe nudge.
	bind := filepath.Join(b.sysfs, "bus/pci/drivers", vfioDriver, "bind")
	if _, err := b.writeWithTimeout(bind, addr); err != nil {
		return fmt.Errorf("failed to bind %s to %s: %w", addr, vfioDriver, err)
	}
	if b.CurrentDriver(addr) != vfioDriver {
		return fmt.Errorf("device %s did not attach to %s", addr, vfioDriver)
	}
	return nil
}

// unbindOne detaches a device from vfio-pci and lets the kernel reprobe its
// native driver.
func (b *Binder) unbindOne(addr string) error {
	if b.CurrentDriver(addr) == vfioDriver {
		unbind := filepath.Join(b.sysfs, "bus/pci/drivers", vfioDriver, "unbind")
		timedOut, err := b.writeWithTimeout(unbind, addr)
		if err != nil {
			return fmt.Errorf("failed to unbind %s: %w", addr, err)
		}
		if timedOut && b.CurrentDriver(addr) == vfioDriver {
			return fmt.Errorf("device %s still bound to %s after hung unbind", addr, vfioDriver)
		}
	}

	override := filepath.Join(b.devicePath(addr), "driver_override")
	if _, err := b.writeWithTimeout(override, "\n"); err != nil {
		return fmt.Errorf("failed to clear driver_override on %s: %w", addr, err)
	}
	probe := filepath.Join(b.sysfs, "bus/pci/drivers_probe")
	if _, err := b.writeWithTimeout(probe, addr); err != nil {
		b.log.Warn().Err(err).Str("device", addr).Msg("reprobe after unbind failed")
	}
	return nil
}

// BindGroup binds every non-bridge device in the GPU's IOMMU group to
// vfio-pci. On partial failure, devices already rebound in this call are
// rolled back. The NVIDIA persistence daemon is stopped for the duration and
// restarted afterwards so the remaining GPUs regain persistence mode.
func (b *Binder) BindGroup(dev types.VFIODevice) (err error) {
	devices, gerr := b.GroupDevices(dev.PCIAddress)
	if gerr != nil {
		return gerr
	}

	b.stopPersistenced()
	defer b.startPersistenced()

	var bound []string
	for _, addr := range devices {
		if err := b.bindOne(addr); err != nil {
			b.log.Error().Err(err).Str("device", addr).Msg("bind failed, rolling back group")
			for _, prev := range bound {
				if rberr := b.unbindOne(prev); rberr != nil {
					b.log.Error().Err(rberr).Str("device", prev).Msg("rollback unbind failed")
				}
			}
			return fmt.Errorf("failed to bind iommu group of %s: %w", dev.PCIAddress, err)
		}
		bound = append(bound, addr)
	}
	b.log.Info().Str("gpu", dev.PCIAddress).Int("devices", len(bound)).Msg("iommu group bound to vfio-pci")
	return nil
}

// UnbindGroup returns the group's devices to their native drivers.
func (b *Binder) UnbindGroup(dev types.VFIODevice) error {
	devices, err := b.GroupDevices(dev.PCIAddress)
	if err != nil {
		return err
	}

	b.stopPersistenced()
	defer b.startPersistenced()

	var firstErr error
	for _, addr := range devices {
		if err := b.unbindOne(addr); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (b *Binder) stopPersistenced() {
	if err := b.run("systemctl", "stop", "nvidia-persistenced"); err != nil {
		b.log.Debug().Err(err).Msg("could not stop nvidia-persistenced")
	}
}

func (b *Binder) startPersistenced() {
	if err := b.run("systemctl", "start", "nvidia-persistenced"); err != nil {
		b.log.Debug().Err(err).Msg("could not start nvidia-persistenced")
	}
}

// Discover scans sysfs for NVIDIA GPUs eligible for passthrough, reporting
// each with its IOMMU group and non-bridge companions.
func (b *Binder) Discover() ([]types.VFIODevice, error) {
	root := filepath.Join(b.sysfs, "bus/pci/devices")
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to scan pci devices: %w", err)
	}

	var out []types.VFIODevice
	for _, e := range entries {
		addr := e.Name()
		raw, err := os.ReadFile(filepath.Join(root, addr, "class"))
		if err != nil {
			continue
		}
		cls, err := strconv.ParseUint(strings.TrimSpace(string(raw)), 0, 32)
		if err != nil || (cls>>16) != 0x03 { // display controllers only
			continue
		}
		vendor, err := os.ReadFile(filepath.Join(root, addr, "vendor"))
		if err != nil || strings.TrimSpace(string(vendor)) != "0x10de" {
			continue
		}

		group := 0
		if target, err := os.Readlink(filepath.Join(root, addr, "iommu_group")); err == nil {
			group, _ = strconv.Atoi(filepath.Base(target))
		}
		companions, err := b.GroupDevices(addr)
		if err != nil {
			continue
		}
		others := make([]string, 0, len(companions))
		for _, c := range companions {
			if c != addr {
				others = append(others, c)
			}
		}
		out = append(out, types.VFIODevice{
			PCIAddress: addr,
			IOMMUGroup: group,
			Companions: others,
		})
	}
	return out, nil
}
