package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show and set CLI configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the stored configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		// Secrets stay out of casual output.
		view := map[string]any{
			"host":           cfg.Host,
			"ssh_proxy_port": cfg.SSHProxyPort,
			"shared_dir":     cfg.SharedDir,
			"token_set":      cfg.Token != "",
			"session_set":    cfg.Session != "",
		}
		return printJSON(view)
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration key (host, token, ssh-proxy-port, shared-dir)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		key, value := args[0], args[1]
		switch key {
		case "host":
			cfg.Host = value
		case "token":
			cfg.Token = value
		case "ssh-proxy-port":
			port, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("bad port %q", value)
			}
			cfg.SSHProxyPort = port
		case "shared-dir":
			cfg.SharedDir = value
		default:
			return fmt.Errorf("unknown key %q", key)
		}
		return saveConfig(cfg)
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Clear a configuration key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		switch args[0] {
		case "host":
			cfg.Host = ""
		case "token":
			cfg.Token = ""
		case "ssh-proxy-port":
			cfg.SSHProxyPort = 0
		case "shared-dir":
			cfg.SharedDir = ""
		default:
			return fmt.Errorf("unknown key %q", args[0])
		}
		return saveConfig(cfg)
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
}
