package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kohakuriver/kohakuriver/pkg/types"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Submit and manage COMMAND tasks",
}

var taskSubmitCmd = &cobra.Command{
	Use:   "submit [flags] -- command [args...]",
	Short: "Submit a command for execution",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f := cmd.Flags()
		targets, _ := f.GetStringSlice("target")
		cores, _ := f.GetInt("cores")
		memory, _ := f.GetInt64("memory")
		env, _ := f.GetString("env")
		image, _ := f.GetString("image")
		mounts, _ := f.GetStringSlice("mount")
		privileged, _ := f.GetBool("privileged")

		req := &types.SubmitRequest{
			Kind:           types.TaskKindCommand,
			Targets:        targets,
			Command:        args[0],
			Args:           args[1:],
			RequiredCores:  cores,
			RequiredMemory: memory,
			EnvName:        env,
			Image:          image,
			Mounts:         mounts,
			Privileged:     privileged,
		}
		ids, err := newClient(cmd).Submit(cmd.Context(), req)
		if err != nil {
			return err
		}
		for _, id := range ids {
			fmt.Println(id)
		}
		return nil
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all tasks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		tasks, err := newClient(cmd).ListTasks(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(tasks)
	},
}

var taskStatusCmd = &cobra.Command{
	Use:   "status <task-id>",
	Short: "Show one task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseTaskID(args[0])
		if err != nil {
			return err
		}
		task, err := newClient(cmd).TaskStatus(cmd.Context(), id)
		if err != nil {
			return err
		}
		return printJSON(task)
	},
}

// taskOp builds the simple one-id commands that differ only in verb.
func taskOp(use, short string, op func(cmd *cobra.Command, id int64) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			return op(cmd, id)
		},
	}
}

func init() {
	f := taskSubmitCmd.Flags()
	f.StringSlice("target", nil, `target "hostname[:numa][::gpu,gpu]", repeatable; empty for auto`)
	f.Int("cores", 0, "CPU cores (0 = unlimited)")
	f.Int64("memory", 0, "memory bytes (0 = unlimited)")
	f.String("env", "", "named environment (tarball-distributed)")
	f.String("image", "", "registry image")
	f.StringSlice("mount", nil, "extra bind mount host:container, repeatable")
	f.Bool("privileged", false, "run the container privileged")

	taskCmd.AddCommand(taskSubmitCmd)
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskStatusCmd)
	taskCmd.AddCommand(taskOp("kill <task-id>", "Kill a running task", func(cmd *cobra.Command, id int64) error {
		return newClient(cmd).Kill(cmd.Context(), id)
	}))
	taskCmd.AddCommand(taskOp("pause <task-id>", "Pause a running task", func(cmd *cobra.Command, id int64) error {
		return newClient(cmd).Pause(cmd.Context(), id)
	}))
	taskCmd.AddCommand(taskOp("resume <task-id>", "Resume a paused task", func(cmd *cobra.Command, id int64) error {
		return newClient(cmd).Resume(cmd.Context(), id)
	}))
	taskCmd.AddCommand(taskOp("restart <task-id>", "Resubmit a finished task", func(cmd *cobra.Command, id int64) error {
		newID, err := newClient(cmd).Restart(cmd.Context(), id)
		if err != nil {
			return err
		}
		fmt.Println(newID)
		return nil
	}))
	taskCmd.AddCommand(taskOp("delete <task-id>", "Delete a finished task's record", func(cmd *cobra.Command, id int64) error {
		return newClient(cmd).DeleteTask(cmd.Context(), id)
	}))
	taskCmd.AddCommand(taskOp("approve <task-id>", "Approve a pending task", func(cmd *cobra.Command, id int64) error {
		return newClient(cmd).Approve(cmd.Context(), id)
	}))

	rejectCmd := taskOp("reject <task-id>", "Reject a pending task", func(cmd *cobra.Command, id int64) error {
		reason, _ := cmd.Flags().GetString("reason")
		return newClient(cmd).Reject(cmd.Context(), id, reason)
	})
	rejectCmd.Flags().String("reason", "", "rejection reason shown to the owner")
	taskCmd.AddCommand(rejectCmd)
}
