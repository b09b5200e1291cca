package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Inspect runners and the overlay network",
}

var nodeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered runners",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		nodes, err := newClient(cmd).ListNodes(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(nodes)
	},
}

var nodeHealthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show cluster health summary",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		health, err := newClient(cmd).ClusterHealth(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(health)
	},
}

var overlayCmd = &cobra.Command{
	Use:   "overlay",
	Short: "Overlay network allocations",
}

var overlayStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "List per-runner overlay allocations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		allocs, err := newClient(cmd).OverlayStatus(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(allocs)
	},
}

var overlayReleaseCmd = &cobra.Command{
	Use:   "release <runner>",
	Short: "Release a departed runner's overlay slot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return newClient(cmd).ReleaseOverlay(cmd.Context(), args[0])
	},
}

var overlayCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Release the slots of all offline runners",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		removed, err := newClient(cmd).CleanupOverlay(cmd.Context())
		if err != nil {
			return err
		}
		for _, runner := range removed {
			fmt.Println(runner)
		}
		return nil
	},
}

var overlayIPCmd = &cobra.Command{
	Use:   "ip",
	Short: "Overlay IP reservations",
}

var ipAvailableCmd = &cobra.Command{
	Use:   "available <runner>",
	Short: "List free overlay IPs on a runner's subnet",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		free, err := newClient(cmd).AvailableIPs(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		for _, ip := range free {
			fmt.Println(ip)
		}
		return nil
	},
}

var ipInfoCmd = &cobra.Command{
	Use:   "info <runner>",
	Short: "Show one runner's overlay allocation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		alloc, err := newClient(cmd).OverlayInfo(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(alloc)
	},
}

var ipReserveCmd = &cobra.Command{
	Use:   "reserve <runner>",
	Short: "Reserve an overlay IP on a runner's subnet",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := newClient(cmd).ReserveIP(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

var ipReleaseCmd = &cobra.Command{
	Use:   "release <runner> <ip>",
	Short: "Release an overlay IP reservation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return newClient(cmd).ReleaseIP(cmd.Context(), args[0], args[1])
	},
}

func init() {
	overlayIPCmd.AddCommand(ipAvailableCmd)
	overlayIPCmd.AddCommand(ipInfoCmd)
	overlayIPCmd.AddCommand(ipReserveCmd)
	overlayIPCmd.AddCommand(ipReleaseCmd)

	overlayCmd.AddCommand(overlayStatusCmd)
	overlayCmd.AddCommand(overlayReleaseCmd)
	overlayCmd.AddCommand(overlayCleanupCmd)
	overlayCmd.AddCommand(overlayIPCmd)

	nodeCmd.AddCommand(nodeListCmd)
	nodeCmd.AddCommand(nodeHealthCmd)
	nodeCmd.AddCommand(overlayCmd)
}
