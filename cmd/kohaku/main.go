// Command kohaku is the client CLI: task and VPS lifecycle, node inspection,
// environment tarball management, port forwarding, SSH access and account
// management against a KohakuRiver host.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/kohakuriver/kohakuriver/pkg/client"
	"github.com/kohakuriver/kohakuriver/pkg/config"
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
	Use:           "kohaku",
	Short:         "KohakuRiver client",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.String("host", "", "host API base URL, e.g. http://host:8000")
	pf.String("token", "", "API token")

	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(vpsCmd)
	rootCmd.AddCommand(nodeCmd)
	rootCmd.AddCommand(dockerCmd)
	rootCmd.AddCommand(forwardCmd)
	rootCmd.AddCommand(connectCmd)
	rootCmd.AddCommand(authCmd)
	rootCmd.AddCommand(configCmd)
}

// cliConfig is the persisted CLI configuration.
type cliConfig struct {
	Host         string `json:"host,omitempty"`
	Token        string `json:"token,omitempty"`
	Session      string `json:"session,omitempty"`
	SSHProxyPort int    `json:"ssh_proxy_port,omitempty"`
	SharedDir    string `json:"shared_dir,omitempty"`
}

func configPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "kohakuriver", "config.json"), nil
}

func loadConfig() *cliConfig {
	cfg := &cliConfig{}
	path, err := configPath()
	if err != nil {
		return cfg
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg
	}
	_ = json.Unmarshal(data, cfg)
	return cfg
}

func saveConfig(cfg *cliConfig) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// hostURL resolves the host base URL: flag, then environment, then config
// file, then the default port on localhost.
func hostURL(cmd *cobra.Command) string {
	if v, _ := cmd.Flags().GetString("host"); v != "" {
		return v
	}
	if addr := os.Getenv(config.EnvHostAddr); addr != "" {
		port := config.DefaultHostPort
		if p := os.Getenv(config.EnvHostPort); p != "" {
			if n, err := strconv.Atoi(p); err == nil {
				port = n
			}
		}
		return fmt.Sprintf("http://%s:%d", addr, port)
	}
	if cfg := loadConfig(); cfg.Host != "" {
		return cfg.Host
	}
	return fmt.Sprintf("http://localhost:%d", config.DefaultHostPort)
}

// newClient builds the API client with whatever credentials are configured.
func newClient(cmd *cobra.Command) *client.Client {
	cfg := loadConfig()
	token, _ := cmd.Flags().GetString("token")
	if token == "" {
		token = cfg.Token
	}
	var opts []client.Option
	if token != "" {
		opts = append(opts, client.WithToken(token))
	}
	if cfg.Session != "" {
		opts = append(opts, client.WithSession(cfg.Session))
	}
	return client.New(hostURL(cmd), opts...)
}

func parseTaskID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad task id %q", arg)
	}
	return id, nil
}

// printJSON renders any API response for human and script consumption alike.
func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
