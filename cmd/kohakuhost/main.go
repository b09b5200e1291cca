// Command kohakuhost runs the host orchestrator: the REST/WebSocket API,
// scheduler, node registry, overlay allocator and SSH proxy.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kohakuriver/kohakuriver/pkg/api"
	"github.com/kohakuriver/kohakuriver/pkg/auth"
	"github.com/kohakuriver/kohakuriver/pkg/config"
	"github.com/kohakuriver/kohakuriver/pkg/ipam"
	"github.com/kohakuriver/kohakuriver/pkg/log"
	"github.com/kohakuriver/kohakuriver/pkg/overlay"
	"github.com/kohakuriver/kohakuriver/pkg/registry"
	"github.com/kohakuriver/kohakuriver/pkg/scheduler"
	"github.com/kohakuriver/kohakuriver/pkg/snowflake"
	"github.com/kohakuriver/kohakuriver/pkg/sshproxy"
	"github.com/kohakuriver/kohakuriver/pkg/storage"
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
	Use:     "kohakuhost",
	Short:   "KohakuRiver host orchestrator",
	Version: Version,
	RunE:    runHost,
}

func init() {
	cfg := config.DefaultHost()
	f := rootCmd.Flags()
	f.String("listen", cfg.ListenAddr, "API listen address")
	f.Int("port", cfg.Port, "API port")
	f.Int("ssh-proxy-port", cfg.SSHProxyPort, "SSH proxy port")
	f.String("data-dir", cfg.DataDir, "durable state directory")
	f.String("shared-dir", cfg.SharedDir, "shared directory (logs, env tarballs)")
	f.Duration("heartbeat-interval", cfg.HeartbeatInterval, "expected runner heartbeat interval")
	f.Int("timeout-factor", cfg.TimeoutFactor, "missed intervals before a runner is offline")
	f.String("overlay-cidr", "", "overlay network CIDR, empty disables the overlay")
	f.Int("subnet-bits", cfg.SubnetBits, "per-runner subnet prefix length")
	f.Int("vxlan-base-id", cfg.VXLANBaseID, "first VXLAN network identifier")
	f.String("admin-secret", "", "admin secret header value, empty disables")
	f.String("token-secret", "", "HMAC key for IP reservation tokens")
	f.Bool("json-log", false, "log JSON instead of console output")
	f.String("log-level", "info", "log level (debug|info|warn|error)")
}

func runHost(cmd *cobra.Command, args []string) error {
	cfg := config.DefaultHost()
	f := cmd.Flags()
	cfg.ListenAddr, _ = f.GetString("listen")
	cfg.Port, _ = f.GetInt("port")
	cfg.SSHProxyPort, _ = f.GetInt("ssh-proxy-port")
	cfg.DataDir, _ = f.GetString("data-dir")
	cfg.SharedDir, _ = f.GetString("shared-dir")
	cfg.HeartbeatInterval, _ = f.GetDuration("heartbeat-interval")
	cfg.TimeoutFactor, _ = f.GetInt("timeout-factor")
	cfg.OverlayCIDR, _ = f.GetString("overlay-cidr")
	cfg.SubnetBits, _ = f.GetInt("subnet-bits")
	cfg.VXLANBaseID, _ = f.GetInt("vxlan-base-id")
	cfg.AdminSecret, _ = f.GetString("admin-secret")
	cfg.TokenSecret, _ = f.GetString("token-secret")

	jsonLog, _ := f.GetBool("json-log")
	level, _ := f.GetString("log-level")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonLog})

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}
	defer store.Close()

	idgen, err := snowflake.NewGenerator(1)
	if err != nil {
		return err
	}

	var ov *overlay.Manager
	if cfg.OverlayCIDR != "" {
		plan := overlay.Plan{
			CIDR:        cfg.OverlayCIDR,
			SubnetBits:  cfg.SubnetBits,
			VXLANBaseID: cfg.VXLANBaseID,
		}
		ov, err = overlay.NewManager(plan, store, overlay.KernelNetlink{})
		if err != nil {
			return fmt.Errorf("failed to start overlay manager: %w", err)
		}
	}

	reg := registry.NewRegistry(store, cfg, ov)
	reg.Start()
	defer reg.Stop()

	sched := scheduler.NewScheduler(store, cfg, idgen, scheduler.NewHTTPRunnerClient())
	sched.Start()
	defer sched.Stop()

	authSvc := auth.NewService(store, cfg.AdminSecret, cfg.SessionTTL)
	reserver := ipam.NewReserver(cfg.TokenSecret, cfg.IPReserveTTL)

	srv := api.NewServer(cfg, store, reg, sched, authSvc, ov, reserver)

	proxy := sshproxy.NewProxy(store, fmt.Sprintf("%s:%d", cfg.ListenAddr, cfg.SSHProxyPort))
	go func() {
		if err := proxy.Start(); err != nil {
			log.Errorf("ssh proxy failed: %v", err)
		}
	}()
	defer proxy.Stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Info(fmt.Sprintf("received %s, shutting down", sig))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}
