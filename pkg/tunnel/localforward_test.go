package tunnel

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLocalForwardEndToEnd(t *testing.T) {
	srv, wsBase := newTunnelServer(t)

	// The forward path carries the task id; the echo container registers
	// under the same identifier.
	fc := dialContainer(t, wsBase, "9001")
	require.Eventually(t, func() bool { return srv.HasTunnel("9001") },
		time.Second, 10*time.Millisecond)

	fw := NewLocalForward("http://"+strings.TrimPrefix(wsBase, "ws://"), 9001, 8080)

	local, remote := net.Pipe()
	defer local.Close()

	done := make(chan error, 1)
	go func() { done <- fw.serve(context.Background(), remote) }()

	require.NoError(t, local.SetDeadline(time.Now().Add(2*time.Second)))
	_, err := local.Write([]byte("ping"))
	require.NoError(t, err)

	buf := make([]byte, 4)
	_, err = local.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf))

	// Hanging up locally ends the session and tells the container.
	local.Close()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("forward session did not end")
	}
	fc.waitFrame(t, TypeClose)
}

func TestLocalForwardRefusedByContainer(t *testing.T) {
	srv, wsBase := newTunnelServer(t)

	// A container that answers CONNECT with ERROR.
	ws := dialRefusingContainer(t, wsBase, "9002")
	defer ws.Close()
	require.Eventually(t, func() bool { return srv.HasTunnel("9002") },
		time.Second, 10*time.Millisecond)

	fw := NewLocalForward("http://"+strings.TrimPrefix(wsBase, "ws://"), 9002, 22)

	local, remote := net.Pipe()
	defer local.Close()
	err := fw.serve(context.Background(), remote)
	require.Error(t, err)
	require.Contains(t, err.Error(), "refused")
}

func TestLocalForwardWSURL(t *testing.T) {
	tests := []struct {
		host string
		want string
	}{
		{"http://h:8000", "ws://h:8000/ws/forward/7/80"},
		{"https://h:8000", "wss://h:8000/ws/forward/7/80"},
	}
	for _, tt := range tests {
		fw := NewLocalForward(tt.host, 7, 80)
		require.Equal(t, tt.want, fw.wsURL())
	}
}
