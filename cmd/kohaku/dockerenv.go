package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kohakuriver/kohakuriver/pkg/config"
	"github.com/kohakuriver/kohakuriver/pkg/docker"
)

var dockerCmd = &cobra.Command{
	Use:   "docker",
	Short: "Manage environment tarballs in the shared directory",
	Long: `Environments are Docker images distributed as tarballs through the
shared directory. Runners load an environment on first use; the image is
tagged kohakuriver/<name>:latest on every node.`,
}

// sharedDir resolves the shared directory: environment, then config file,
// then the cluster default.
func sharedDir() string {
	if v := os.Getenv(config.EnvSharedDir); v != "" {
		return v
	}
	if cfg := loadConfig(); cfg.SharedDir != "" {
		return cfg.SharedDir
	}
	return "/mnt/kohakuriver"
}

func envTarball(name string) string {
	return filepath.Join(sharedDir(), "envs", name+".tar")
}

// runDocker shells out to the local docker CLI.
func runDocker(args ...string) error {
	cmd := exec.Command("docker", args...)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("docker %s failed: %w", strings.Join(args, " "), err)
	}
	return nil
}

var dockerCreateCmd = &cobra.Command{
	Use:   "create <name> <image>",
	Short: "Build an environment tarball from a registry image",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, image := args[0], args[1]
		ref := docker.SnapshotRepo(name) + ":latest"

		if err := runDocker("pull", image); err != nil {
			return err
		}
		if err := runDocker("tag", image, ref); err != nil {
			return err
		}
		tarball := envTarball(name)
		if err := os.MkdirAll(filepath.Dir(tarball), 0o755); err != nil {
			return err
		}
		if err := runDocker("save", "-o", tarball, ref); err != nil {
			return err
		}
		fmt.Println(tarball)
		return nil
	},
}

var dockerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List environment tarballs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		entries, err := os.ReadDir(filepath.Join(sharedDir(), "envs"))
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		for _, e := range entries {
			if name, ok := strings.CutSuffix(e.Name(), ".tar"); ok {
				fmt.Println(name)
			}
		}
		return nil
	},
}

var dockerDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete an environment tarball",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tarball := envTarball(args[0])
		if err := os.Remove(tarball); err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("no environment %q", args[0])
			}
			return err
		}
		return nil
	},
}

func init() {
	dockerCmd.AddCommand(dockerCreateCmd)
	dockerCmd.AddCommand(dockerListCmd)
	dockerCmd.AddCommand(dockerDeleteCmd)
}
