// Command kohakurunner runs the node agent: it registers with the host,
// executes COMMAND tasks, manages VPS containers and QEMU VMs, and serves
// the tunnel endpoints.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kohakuriver/kohakuriver/pkg/config"
	"github.com/kohakuriver/kohakuriver/pkg/docker"
	"github.com/kohakuriver/kohakuriver/pkg/executor"
	"github.com/kohakuriver/kohakuriver/pkg/log"
	"github.com/kohakuriver/kohakuriver/pkg/monitor"
	"github.com/kohakuriver/kohakuriver/pkg/network"
	"github.com/kohakuriver/kohakuriver/pkg/runner"
	"github.com/kohakuriver/kohakuriver/pkg/vfio"
	"github.com/kohakuriver/kohakuriver/pkg/vm"
	"github.com/kohakuriver/kohakuriver/pkg/vps"
)

// Version is set via ldflags during build.
var Version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "kohakurunner",
	Short:   "KohakuRiver node agent",
	Version: Version,
	RunE:    runAgent,
}

func init() {
	cfg := config.DefaultRunner(Version)
	f := rootCmd.Flags()
	f.String("hostname", cfg.Hostname, "hostname to register as")
	f.String("host-url", "", "host API base URL, e.g. http://host:8000 (required)")
	f.String("listen", cfg.ListenAddr, "agent listen address")
	f.Int("port", cfg.Port, "agent port")
	f.String("data-dir", cfg.DataDir, "local state directory")
	f.String("shared-dir", cfg.SharedDir, "shared directory (logs, env tarballs)")
	f.String("local-temp", cfg.LocalTemp, "node-local scratch directory")
	f.Duration("heartbeat-interval", cfg.HeartbeatInterval, "heartbeat interval")
	f.String("vm-image-dir", cfg.VMImageDir, "base qcow2 image directory")
	f.String("vm-instance-dir", cfg.VMInstanceDir, "per-VM instance directory")
	f.String("numa-binder", cfg.NumaBinder, "numactl-compatible wrapper path")
	f.Int("snapshot-retention", cfg.SnapshotRetention, "snapshots kept per environment")
	f.Bool("auto-snapshot", cfg.AutoSnapshotOnStop, "snapshot container VPS on stop")
	f.Bool("auto-restore", cfg.AutoRestoreOnCreate, "restore newest snapshot on create")
	f.Bool("json-log", false, "log JSON instead of console output")
	f.String("log-level", "info", "log level (debug|info|warn|error)")
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg := config.DefaultRunner(Version)
	f := cmd.Flags()
	cfg.Hostname, _ = f.GetString("hostname")
	if v, _ := f.GetString("host-url"); v != "" {
		cfg.HostURL = v
	}
	cfg.ListenAddr, _ = f.GetString("listen")
	cfg.Port, _ = f.GetInt("port")
	cfg.DataDir, _ = f.GetString("data-dir")
	cfg.SharedDir, _ = f.GetString("shared-dir")
	cfg.LocalTemp, _ = f.GetString("local-temp")
	cfg.HeartbeatInterval, _ = f.GetDuration("heartbeat-interval")
	cfg.VMImageDir, _ = f.GetString("vm-image-dir")
	cfg.VMInstanceDir, _ = f.GetString("vm-instance-dir")
	cfg.NumaBinder, _ = f.GetString("numa-binder")
	cfg.SnapshotRetention, _ = f.GetInt("snapshot-retention")
	cfg.AutoSnapshotOnStop, _ = f.GetBool("auto-snapshot")
	cfg.AutoRestoreOnCreate, _ = f.GetBool("auto-restore")

	if cfg.HostURL == "" {
		return fmt.Errorf("--host-url (or %s) is required", config.EnvHostAddr)
	}

	jsonLog, _ := f.GetBool("json-log")
	level, _ := f.GetString("log-level")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonLog})

	rt, err := docker.NewClient()
	if err != nil {
		return fmt.Errorf("failed to connect to docker: %w", err)
	}
	defer rt.Close()

	host := runner.NewHostClient(cfg.HostURL)
	images := docker.NewImageSync(rt, cfg.SharedDir)
	netAgent := network.NewAgent(network.KernelLinkOps{})

	deps := runner.Deps{
		Host:    host,
		Exec:    executor.New(cfg, host, images, network.DockerNetwork),
		VPS:     vps.NewManager(cfg, rt, host, true),
		Monitor: monitor.New(),
		Net:     netAgent,
		Docker:  rt,
	}

	// VM support needs KVM; everything else works without it.
	if _, err := os.Stat("/dev/kvm"); err == nil {
		binder := vfio.NewBinder("")
		devices, err := binder.Discover()
		if err != nil {
			log.Errorf("vfio discovery failed, continuing without passthrough: %v", err)
		}
		agentURL := fmt.Sprintf("http://%s:%d", cfg.Hostname, cfg.Port)
		deps.VM = vm.NewManager(cfg, netAgent, binder, host, agentURL)
		deps.VFIODevices = devices
	} else {
		log.Info("kvm unavailable, vm support disabled")
	}

	agent, err := runner.NewAgent(cfg, deps)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := agent.Start(ctx); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info(fmt.Sprintf("received %s, shutting down", sig))

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	return agent.Stop(stopCtx)
}
