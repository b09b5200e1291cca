package sshproxy

import (
	"bufio"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kohakuriver/kohakuriver/pkg/storage"
	"github.com/kohakuriver/kohakuriver/pkg/types"
)

func newTestProxy(t *testing.T) (*Proxy, storage.Store, string) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	p := NewProxy(store, "127.0.0.1:0")

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	p.mu.Lock()
	p.listener = l
	p.mu.Unlock()
	t.Cleanup(p.Stop)

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go p.handle(conn)
		}
	}()
	return p, store, l.Addr().String()
}

func seedVPS(t *testing.T, store storage.Store, status types.TaskStatus, sshPort int) {
	t.Helper()
	require.NoError(t, store.UpsertNode(&types.Node{
		Hostname: "node1",
		URL:      "http://node1:8001",
		Status:   types.NodeOnline,
	}))
	require.NoError(t, store.CreateTask(&types.Task{
		ID:             42,
		Kind:           types.TaskKindVPS,
		Status:         status,
		AssignedRunner: "node1",
		SSHPort:        sshPort,
	}))
}

func handshake(t *testing.T, addr, line string) string {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer conn.Close()
	fmt.Fprint(conn, line)
	reply, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	return reply
}

func TestHandshakeSuccess(t *testing.T) {
	p, store, addr := newTestProxy(t)
	seedVPS(t, store, types.TaskRunning, 32792)

	// Fake sshd the proxy splices to.
	sshd, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer sshd.Close()
	go func() {
		conn, err := sshd.Accept()
		if err != nil {
			return
		}
		fmt.Fprint(conn, "SSH-2.0-test\n")
		conn.Close()
	}()
	p.dial = func(network, target string) (net.Conn, error) {
		require.Equal(t, "node1:32792", target)
		return net.Dial(network, sshd.Addr().String())
	}

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer conn.Close()
	fmt.Fprint(conn, "REQUEST_TUNNEL 42\n")

	r := bufio.NewReader(conn)
	reply, err := r.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "SUCCESS\n", reply)

	banner, err := r.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "SSH-2.0-test\n", banner)
}

func TestHandshakeRejections(t *testing.T) {
	cases := []struct {
		name   string
		seed   func(t *testing.T, store storage.Store)
		line   string
		reason string
	}{
		{
			name:   "malformed line",
			seed:   func(*testing.T, storage.Store) {},
			line:   "HELLO\n",
			reason: "bad handshake",
		},
		{
			name:   "unknown task",
			seed:   func(*testing.T, storage.Store) {},
			line:   "REQUEST_TUNNEL 999\n",
			reason: "unknown task",
		},
		{
			name: "terminal task",
			seed: func(t *testing.T, store storage.Store) {
				seedVPS(t, store, types.TaskStopped, 32792)
			},
			line:   "REQUEST_TUNNEL 42\n",
			reason: "task is stopped",
		},
		{
			name: "no ssh port",
			seed: func(t *testing.T, store storage.Store) {
				seedVPS(t, store, types.TaskRunning, 0)
			},
			line:   "REQUEST_TUNNEL 42\n",
			reason: "no ssh port recorded",
		},
		{
			name: "command task",
			seed: func(t *testing.T, store storage.Store) {
				require.NoError(t, store.CreateTask(&types.Task{
					ID: 42, Kind: types.TaskKindCommand, Status: types.TaskRunning,
				}))
			},
			line:   "REQUEST_TUNNEL 42\n",
			reason: "task is not a VPS",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, store, addr := newTestProxy(t)
			tc.seed(t, store)
			reply := handshake(t, addr, tc.line)
			require.Equal(t, "ERROR "+tc.reason+"\n", reply)
		})
	}
}

func TestHandshakeOfflineRunner(t *testing.T) {
	_, store, addr := newTestProxy(t)
	seedVPS(t, store, types.TaskRunning, 32792)
	node, err := store.GetNode("node1")
	require.NoError(t, err)
	node.Status = types.NodeOffline
	require.NoError(t, store.UpsertNode(node))

	reply := handshake(t, addr, "REQUEST_TUNNEL 42\n")
	require.Equal(t, "ERROR runner offline\n", reply)
}
