package vm

import (
	"fmt"
	"net"
	"path/filepath"

	"github.com/kohakuriver/kohakuriver/pkg/config"
)

const uefiFirmware = "/usr/share/OVMF/OVMF_CODE.fd"

// qemuSpec is the resolved launch description for one VM.
type qemuSpec struct {
	TaskID   int64
	Cores    int
	MemoryMB int64
	Disk     string
	SeedISO  string
	TAP      string
	MAC      net.HardwareAddr
	QMPSock  string
	PIDFile  string
	GPUAddrs []string // PCI addresses already bound to vfio-pci
}

// buildQEMUArgs assembles the full QEMU invocation: Q35 with KVM and UEFI,
// virtio disk and net, the shared directory over 9p, a QMP control socket,
// daemonized with a pidfile.
func buildQEMUArgs(cfg *config.RunnerConfig, spec qemuSpec) []string {
	argv := []string{
		"qemu-system-x86_64",
		"-name", fmt.Sprintf("kohaku-%d", spec.TaskID),
		"-machine", "q35,accel=kvm",
		"-cpu", "host",
		"-smp", fmt.Sprintf("%d", spec.Cores),
		"-m", fmt.Sprintf("%dM", spec.MemoryMB),
		"-drive", "if=pflash,format=raw,readonly=on,file=" + uefiFirmware,
		"-drive", "file=" + spec.Disk + ",if=virtio,format=qcow2",
		"-drive", "file=" + spec.SeedISO + ",media=cdrom",
		"-netdev", "tap,id=net0,ifname=" + spec.TAP + ",script=no,downscript=no",
		"-device", "virtio-net-pci,netdev=net0,mac=" + spec.MAC.String(),
		"-virtfs", "local,path=" + cfg.SharedDir + ",mount_tag=shared,security_model=mapped-xattr",
		"-qmp", "unix:" + spec.QMPSock + ",server,nowait",
		"-display", "none",
		"-daemonize",
		"-pidfile", spec.PIDFile,
	}
	for _, addr := range spec.GPUAddrs {
		argv = append(argv, "-device", "vfio-pci,host="+addr)
	}
	return argv
}

// instanceDir is the per-VM working directory under the runner's VM root.
func instanceDir(cfg *config.RunnerConfig, taskID int64) string {
	return filepath.Join(cfg.VMInstanceDir, fmt.Sprintf("%d", taskID))
}
