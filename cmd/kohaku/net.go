package main

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kohakuriver/kohakuriver/pkg/config"
	"github.com/kohakuriver/kohakuriver/pkg/tunnel"
)

var forwardCmd = &cobra.Command{
	Use:   "forward <task-id> <port>",
	Short: "Forward a local port to a port inside a task",
	Long: `Listens on a local TCP port and forwards each connection through the
host to the given port inside the task's container or VM. Runs until
interrupted.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseTaskID(args[0])
		if err != nil {
			return err
		}
		port, err := strconv.ParseUint(args[1], 10, 16)
		if err != nil || port == 0 {
			return fmt.Errorf("bad port %q", args[1])
		}
		local, _ := cmd.Flags().GetString("local")
		if local == "" {
			local = fmt.Sprintf("127.0.0.1:%d", port)
		}

		fw := tunnel.NewLocalForward(hostURL(cmd), id, uint16(port))
		return fw.ListenAndServe(cmd.Context(), local)
	},
}

var connectCmd = &cobra.Command{
	Use:   "connect <task-id>",
	Short: "Open an SSH tunnel to a VPS via the host proxy",
	Long: `Connects to the host's SSH proxy, requests a tunnel to the VPS, and
splices the connection to stdin/stdout. Intended as an ssh ProxyCommand:

    ssh -o ProxyCommand="kohaku connect %h" root@<task-id>`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseTaskID(args[0])
		if err != nil {
			return err
		}
		proxyPort, _ := cmd.Flags().GetInt("proxy-port")

		base, err := url.Parse(hostURL(cmd))
		if err != nil {
			return fmt.Errorf("bad host URL: %w", err)
		}
		addr := net.JoinHostPort(base.Hostname(), strconv.Itoa(proxyPort))

		conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
		if err != nil {
			return fmt.Errorf("failed to reach ssh proxy at %s: %w", addr, err)
		}
		defer conn.Close()

		if _, err := fmt.Fprintf(conn, "REQUEST_TUNNEL %d\n", id); err != nil {
			return err
		}
		reader := bufio.NewReader(conn)
		reply, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("proxy closed connection: %w", err)
		}
		reply = strings.TrimSpace(reply)
		if reply != "SUCCESS" {
			return fmt.Errorf("proxy refused tunnel: %s", strings.TrimPrefix(reply, "ERROR "))
		}

		// Splice the socket to stdio until either side hangs up.
		done := make(chan struct{}, 2)
		go func() {
			io.Copy(conn, os.Stdin)
			if tc, ok := conn.(*net.TCPConn); ok {
				tc.CloseWrite()
			}
			done <- struct{}{}
		}()
		go func() {
			// Drain through the buffered reader so bytes that arrived with
			// the handshake line are not lost.
			io.Copy(os.Stdout, reader)
			done <- struct{}{}
		}()
		<-done
		return nil
	},
}

func init() {
	forwardCmd.Flags().String("local", "", "local listen address (default 127.0.0.1:<port>)")
	connectCmd.Flags().Int("proxy-port", config.DefaultSSHProxyPort, "host SSH proxy port")
}
