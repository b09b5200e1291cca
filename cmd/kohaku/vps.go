package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kohakuriver/kohakuriver/pkg/types"
)

var vpsCmd = &cobra.Command{
	Use:   "vps",
	Short: "Create and manage VPS workloads",
}

var vpsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a VPS (container or VM backed)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		f := cmd.Flags()
		backend, _ := f.GetString("backend")
		target, _ := f.GetString("target")
		cores, _ := f.GetInt("cores")
		memory, _ := f.GetInt64("memory")
		env, _ := f.GetString("env")
		image, _ := f.GetString("image")
		vmImage, _ := f.GetString("vm-image")
		diskGB, _ := f.GetInt("disk")
		keyMode, _ := f.GetString("ssh-key-mode")
		keyFile, _ := f.GetString("ssh-public-key")

		var publicKey string
		if keyFile != "" {
			data, err := os.ReadFile(keyFile)
			if err != nil {
				return fmt.Errorf("failed to read public key: %w", err)
			}
			publicKey = strings.TrimSpace(string(data))
			keyMode = string(types.SSHKeyUpload)
		}

		req := &types.SubmitRequest{
			Kind:           types.TaskKindVPS,
			Backend:        types.VPSBackend(backend),
			RequiredCores:  cores,
			RequiredMemory: memory,
			EnvName:        env,
			Image:          image,
			VMImage:        vmImage,
			VMDiskGB:       diskGB,
			SSHKeyMode:     types.SSHKeyMode(keyMode),
			SSHPublicKey:   publicKey,
		}
		if target != "" {
			req.Targets = []string{target}
		}
		ids, err := newClient(cmd).CreateVPS(cmd.Context(), req)
		if err != nil {
			return err
		}
		for _, id := range ids {
			fmt.Println(id)
		}
		return nil
	},
}

var vpsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List VPS tasks you can access",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		tasks, err := newClient(cmd).ListVPS(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(tasks)
	},
}

var vpsStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show VPS SSH endpoints",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := newClient(cmd).ListVPSStatus(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(status)
	},
}

func init() {
	f := vpsCreateCmd.Flags()
	f.String("backend", string(types.VPSBackendDocker), "backend: docker or qemu")
	f.String("target", "", `target "hostname[:numa][::gpu,gpu]", empty for auto`)
	f.Int("cores", 0, "CPU cores (0 = unlimited)")
	f.Int64("memory", 0, "memory bytes (0 = unlimited)")
	f.String("env", "", "named environment (docker backend)")
	f.String("image", "", "registry image (docker backend)")
	f.String("vm-image", "", "base qcow2 image name (qemu backend)")
	f.Int("disk", 0, "VM disk size in GiB (qemu backend)")
	f.String("ssh-key-mode", string(types.SSHKeyGenerate), "ssh key mode: disabled|none|upload|generate")
	f.String("ssh-public-key", "", "public key file to upload (implies upload mode)")

	vpsCmd.AddCommand(vpsCreateCmd)
	vpsCmd.AddCommand(vpsListCmd)
	vpsCmd.AddCommand(vpsStatusCmd)
	vpsCmd.AddCommand(taskOp("stop <task-id>", "Stop a VPS", func(cmd *cobra.Command, id int64) error {
		return newClient(cmd).StopVPS(cmd.Context(), id)
	}))
	vpsCmd.AddCommand(taskOp("restart <task-id>", "Restart a VPS", func(cmd *cobra.Command, id int64) error {
		return newClient(cmd).RestartVPS(cmd.Context(), id)
	}))
	vpsCmd.AddCommand(taskOp("kill <task-id>", "Force-kill a VPS", func(cmd *cobra.Command, id int64) error {
		return newClient(cmd).Kill(cmd.Context(), id)
	}))
}
