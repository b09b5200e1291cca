// Package sshproxy routes raw SSH connections to the runner hosting a VPS.
// The handshake is one text line: the client sends "REQUEST_TUNNEL <id>\n",
// the proxy answers "SUCCESS\n" and splices, or "ERROR <reason>\n" and
// closes. Plain `ssh -o ProxyCommand` setups can speak it with netcat.
package sshproxy

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kohakuriver/kohakuriver/pkg/log"
	"github.com/kohakuriver/kohakuriver/pkg/storage"
	"github.com/kohakuriver/kohakuriver/pkg/types"
)

const handshakeTimeout = 10 * time.Second

// Proxy is the TCP listener on the SSH side port.
type Proxy struct {
	store storage.Store
	addr  string

	mu       sync.Mutex
	listener net.Listener
	log      zerolog.Logger

	// dial is stubbed in tests.
	dial func(network, addr string) (net.Conn, error)
}

// NewProxy creates a proxy listening on addr (host:port).
func NewProxy(store storage.Store, addr string) *Proxy {
	return &Proxy{
		store: store,
		addr:  addr,
		log:   log.WithComponent("sshproxy"),
		dial: func(network, addr string) (net.Conn, error) {
			return net.DialTimeout(network, addr, 10*time.Second)
		},
	}
}

// Start accepts connections until Stop closes the listener.
func (p *Proxy) Start() error {
	l, err := net.Listen("tcp", p.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", p.addr, err)
	}
	p.mu.Lock()
	p.listener = l
	p.mu.Unlock()

	p.log.Info().Str("addr", p.addr).Msg("ssh proxy listening")
	for {
		conn, err := l.Accept()
		if err != nil {
			if strings.Contains(err.Error(), "use of closed network connection") {
				return nil
			}
			return fmt.Errorf("accept failed: %w", err)
		}
		go p.handle(conn)
	}
}

// Stop closes the listener; in-flight splices continue until either side
// hangs up.
func (p *Proxy) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener != nil {
		p.listener.Close()
	}
}

func (p *Proxy) handle(conn net.Conn) {
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		p.log.Debug().Err(err).Msg("handshake read failed")
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	target, err := p.resolve(strings.TrimSpace(line))
	if err != nil {
		fmt.Fprintf(conn, "ERROR %s\n", err.Error())
		return
	}

	upstream, err := p.dial("tcp", target)
	if err != nil {
		p.log.Warn().Err(err).Str("target", target).Msg("failed to reach runner sshd")
		fmt.Fprintf(conn, "ERROR runner unreachable\n")
		return
	}
	defer upstream.Close()

	if _, err := io.WriteString(conn, "SUCCESS\n"); err != nil {
		return
	}
	p.log.Info().Str("target", target).Msg("ssh tunnel established")
	splice(conn, upstream)
}

// resolve validates the handshake line and returns the runner address for
// the task's SSH port.
func (p *Proxy) resolve(line string) (string, error) {
	fields := strings.Fields(line)
	if len(fields) != 2 || fields[0] != "REQUEST_TUNNEL" {
		return "", fmt.Errorf("bad handshake")
	}
	id, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return "", fmt.Errorf("bad task id")
	}

	task, err := p.store.GetTask(id)
	if err != nil {
		return "", fmt.Errorf("unknown task")
	}
	if task.Kind != types.TaskKindVPS {
		return "", fmt.Errorf("task is not a VPS")
	}
	if task.Status != types.TaskRunning && task.Status != types.TaskPaused {
		return "", fmt.Errorf("task is %s", task.Status)
	}
	if task.SSHPort == 0 {
		return "", fmt.Errorf("no ssh port recorded")
	}

	node, err := p.store.GetNode(task.AssignedRunner)
	if err != nil {
		return "", fmt.Errorf("unknown runner")
	}
	if node.Status != types.NodeOnline {
		return "", fmt.Errorf("runner offline")
	}

	host, err := runnerHost(node.URL)
	if err != nil {
		return "", fmt.Errorf("bad runner address")
	}
	return net.JoinHostPort(host, strconv.Itoa(task.SSHPort)), nil
}

func runnerHost(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("no host in %q", rawURL)
	}
	return u.Hostname(), nil
}

// splice copies bytes both ways until either direction fails.
func splice(a, b net.Conn) {
	done := make(chan struct{}, 2)
	copyHalf := func(dst, src net.Conn) {
		_, _ = io.Copy(dst, src)
		// Half-close where the transport supports it so the peer sees EOF.
		if tc, ok := dst.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
		}
		done <- struct{}{}
	}
	go copyHalf(a, b)
	go copyHalf(b, a)
	<-done
	<-done
}
