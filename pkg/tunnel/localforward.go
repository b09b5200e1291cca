package tunnel

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kohakuriver/kohakuriver/pkg/log"
)

// LocalForward is the CLI end of a port-forward chain. It listens on a local
// TCP address and opens one fresh WebSocket chain per accepted connection.
type LocalForward struct {
	// HostURL is the host API base, e.g. "http://host:8000".
	HostURL string
	TaskID  int64
	// Port is the target port inside the container or VM.
	Port uint16

	dialer *websocket.Dialer
}

// NewLocalForward builds a forwarder toward one task port.
func NewLocalForward(hostURL string, taskID int64, port uint16) *LocalForward {
	return &LocalForward{
		HostURL: hostURL,
		TaskID:  taskID,
		Port:    port,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

func (f *LocalForward) wsURL() string {
	base := f.HostURL
	if rest, ok := strings.CutPrefix(base, "https://"); ok {
		base = "wss://" + rest
	} else {
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return fmt.Sprintf("%s/ws/forward/%d/%d", base, f.TaskID, f.Port)
}

// ListenAndServe accepts local connections on addr until ctx is cancelled.
func (f *LocalForward) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	defer ln.Close()

	logger := log.WithComponent("forward")
	logger.Info().Str("local", ln.Addr().String()).Int64("task_id", f.TaskID).
		Uint16("port", f.Port).Msg("forwarding")

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go func() {
			if err := f.serve(ctx, conn); err != nil {
				logger.Warn().Err(err).Msg("forward session ended")
			}
		}()
	}
}

// serve runs one forward session: dial the chain, CONNECT, then pump bytes.
func (f *LocalForward) serve(ctx context.Context, conn net.Conn) error {
	defer conn.Close()

	ws, _, err := f.dialer.DialContext(ctx, f.wsURL(), nil)
	if err != nil {
		return fmt.Errorf("failed to dial host forward: %w", err)
	}
	defer ws.Close()

	// The runner confirms the container tunnel before any frames flow.
	mt, sentinel, err := ws.ReadMessage()
	if err != nil {
		return fmt.Errorf("forward chain closed before sentinel: %w", err)
	}
	if mt != websocket.TextMessage || string(sentinel) != ConnectedSentinel {
		return fmt.Errorf("unexpected forward greeting %q", sentinel)
	}

	// The runner rewrites the client id, so any value works here.
	connect := Header{Type: TypeConnect, Proto: ProtoTCP, Port: f.Port}
	if err := ws.WriteMessage(websocket.BinaryMessage, Frame(connect, nil)); err != nil {
		return err
	}

	h, payload, err := f.await(ws)
	if err != nil {
		return err
	}
	switch h.Type {
	case TypeConnected:
	case TypeError:
		return fmt.Errorf("target refused connection: %s", payload)
	default:
		return fmt.Errorf("unexpected frame type 0x%02x before CONNECTED", h.Type)
	}

	errCh := make(chan error, 2)
	go func() { errCh <- f.pumpOut(conn, ws) }()
	go func() { errCh <- f.pumpIn(ws, conn) }()

	err = <-errCh
	conn.Close()
	ws.Close()
	<-errCh
	return err
}

// await reads binary frames until one carries a non-DATA control answer.
func (f *LocalForward) await(ws *websocket.Conn) (Header, []byte, error) {
	for {
		mt, msg, err := ws.ReadMessage()
		if err != nil {
			return Header{}, nil, err
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		return DecodeHeader(msg)
	}
}

// pumpOut moves local socket bytes into DATA frames.
func (f *LocalForward) pumpOut(conn net.Conn, ws *websocket.Conn) error {
	buf := make([]byte, 32*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			frame := Frame(Header{Type: TypeData, Proto: ProtoTCP}, buf[:n])
			if werr := ws.WriteMessage(websocket.BinaryMessage, frame); werr != nil {
				return werr
			}
		}
		if err != nil {
			// Tell the far end the local side is done.
			_ = ws.WriteMessage(websocket.BinaryMessage, Frame(Header{Type: TypeClose}, nil))
			return nil
		}
	}
}

// pumpIn moves DATA frames onto the local socket until CLOSE or error.
func (f *LocalForward) pumpIn(ws *websocket.Conn, conn net.Conn) error {
	for {
		mt, msg, err := ws.ReadMessage()
		if err != nil {
			return nil
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		h, payload, err := DecodeHeader(msg)
		if err != nil {
			return err
		}
		switch h.Type {
		case TypeData:
			if _, err := conn.Write(payload); err != nil {
				return nil
			}
		case TypeClose:
			return nil
		case TypeError:
			return fmt.Errorf("tunnel error: %s", payload)
		}
	}
}
