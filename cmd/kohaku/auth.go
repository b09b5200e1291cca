package main

import (
	"fmt"
	"os"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Accounts, sessions and API tokens",
}

// readPassword prompts without echo when stdin is a terminal.
func readPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	if term.IsTerminal(int(syscall.Stdin)) {
		data, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Fprintln(os.Stderr)
		return string(data), err
	}
	var password string
	_, err := fmt.Scanln(&password)
	return password, err
}

var authLoginCmd = &cobra.Command{
	Use:   "login <username>",
	Short: "Log in and store the session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		password, err := readPassword("Password: ")
		if err != nil {
			return err
		}
		c := newClient(cmd)
		if err := c.Login(cmd.Context(), args[0], password); err != nil {
			return err
		}
		cfg := loadConfig()
		cfg.Session = c.SessionID()
		if err := saveConfig(cfg); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "logged in as %s\n", args[0])
		return nil
	},
}

var authLogoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Delete the stored session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		if cfg.Session != "" {
			_ = newClient(cmd).Logout(cmd.Context())
			cfg.Session = ""
			return saveConfig(cfg)
		}
		return nil
	},
}

var authRegisterCmd = &cobra.Command{
	Use:   "register <invitation> <username>",
	Short: "Create an account from an invitation token",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		password, err := readPassword("Password: ")
		if err != nil {
			return err
		}
		return newClient(cmd).Register(cmd.Context(), args[0], args[1], password)
	},
}

var authMeCmd = &cobra.Command{
	Use:   "me",
	Short: "Show the authenticated identity",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		me, err := newClient(cmd).Me(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(me)
	},
}

var authStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the host has accounts configured",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		configured, role, err := newClient(cmd).AuthStatus(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(map[string]any{"configured": configured, "role": role})
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "API tokens",
}

var tokenCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Issue a named API token",
	Long:  "The plaintext token is printed exactly once; store it safely.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token, err := newClient(cmd).IssueToken(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

var tokenListCmd = &cobra.Command{
	Use:   "list",
	Short: "List your API tokens",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		tokens, err := newClient(cmd).ListTokens(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(tokens)
	},
}

var tokenRevokeCmd = &cobra.Command{
	Use:   "revoke <hash>",
	Short: "Revoke an API token by hash",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return newClient(cmd).RevokeToken(cmd.Context(), args[0])
	},
}

func init() {
	tokenCmd.AddCommand(tokenCreateCmd)
	tokenCmd.AddCommand(tokenListCmd)
	tokenCmd.AddCommand(tokenRevokeCmd)

	authCmd.AddCommand(authLoginCmd)
	authCmd.AddCommand(authLogoutCmd)
	authCmd.AddCommand(authRegisterCmd)
	authCmd.AddCommand(authMeCmd)
	authCmd.AddCommand(authStatusCmd)
	authCmd.AddCommand(tokenCmd)
}
