package vm

import (
	"fmt"
	"strings"
)

// seedSpec carries everything the cloud-init seed needs to render.
type seedSpec struct {
	TaskID       int64
	Hostname     string
	SSHPublicKey string
	RootLogin    bool // passwordless root instead of key auth

	IP      string // CIDR form, e.g. 10.128.3.20/24
	Gateway string

	// AgentURL is the runner endpoint the in-guest agent phones home to.
	AgentURL string

	// NvidiaDriver requests a driver build matching the host version.
	NvidiaDriver string
}

// userData renders the cloud-config document. The heartbeat agent is a
// systemd unit curling the runner so reboot and cloud-init watchdogs can see
// guest liveness.
func userData(spec seedSpec) string {
	var sb strings.Builder
	sb.WriteString("#cloud-config\n")
	fmt.Fprintf(&sb, "hostname: %s\n", spec.Hostname)

	if spec.SSHPublicKey != "" {
		sb.WriteString("ssh_authorized_keys:\n")
		fmt.Fprintf(&sb, "  - %s\n", spec.SSHPublicKey)
	}
	if spec.RootLogin {
		sb.WriteString("disable_root: false\n")
		sb.WriteString("ssh_pwauth: true\n")
	}

	sb.WriteString("packages:\n  - curl\n")
	if spec.NvidiaDriver != "" {
		fmt.Fprintf(&sb, "  - nvidia-driver-%s\n", spec.NvidiaDriver)
	}

	sb.WriteString(`write_files:
  - path: /usr/local/bin/kohaku-agent
    permissions: "0755"
    content: |
      #!/bin/sh
      while true; do
`)
	fmt.Fprintf(&sb, "        curl -fsS -m 5 -X POST %s >/dev/null 2>&1\n", spec.AgentURL)
	sb.WriteString(`        sleep 10
      done
  - path: /etc/systemd/system/kohaku-agent.service
    content: |
      [Unit]
      Description=KohakuRiver guest heartbeat agent
      After=network-online.target
      [Service]
      ExecStart=/usr/local/bin/kohaku-agent
      Restart=always
      [Install]
      WantedBy=multi-user.target
runcmd:
  - systemctl daemon-reload
  - systemctl enable --now kohaku-agent
`)
	return sb.String()
}

// metaData renders the instance identity document.
func metaData(spec seedSpec) string {
	return fmt.Sprintf("instance-id: kohaku-%d\nlocal-hostname: %s\n", spec.TaskID, spec.Hostname)
}

// networkConfig renders a netplan v2 static configuration for the overlay
// address.
func networkConfig(spec seedSpec) string {
	var sb strings.Builder
	sb.WriteString("version: 2\nethernets:\n  enp0s2:\n    dhcp4: false\n")
	fmt.Fprintf(&sb, "    addresses: [%s]\n", spec.IP)
	fmt.Fprintf(&sb, "    gateway4: %s\n", spec.Gateway)
	sb.WriteString("    nameservers:\n      addresses: [1.1.1.1, 8.8.8.8]\n")
	return sb.String()
}
