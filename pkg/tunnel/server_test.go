package tunnel

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// newTunnelServer serves the runner tunnel endpoints over httptest.
func newTunnelServer(t *testing.T) (*Server, string) {
	t.Helper()
	s := NewServer()
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/tunnel/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/ws/tunnel/")
		s.HandleContainer(w, r, id)
	})
	mux.HandleFunc("/ws/forward/", func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/ws/forward/"), "/")
		require.Len(t, parts, 2)
		port, err := strconv.Atoi(parts[1])
		require.NoError(t, err)
		s.HandleForward(w, r, parts[0], uint16(port))
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return s, "ws://" + strings.TrimPrefix(ts.URL, "http://")
}

// fakeContainer plays the in-container tunnel client: it acknowledges
// CONNECT, echoes DATA and answers PING.
type fakeContainer struct {
	ws     *websocket.Conn
	frames chan Header
}

func dialContainer(t *testing.T, wsBase, containerID string) *fakeContainer {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(wsBase+"/ws/tunnel/"+containerID, nil)
	require.NoError(t, err)
	fc := &fakeContainer{ws: ws, frames: make(chan Header, 16)}
	t.Cleanup(func() { ws.Close() })
	go fc.loop()
	return fc
}

func (f *fakeContainer) loop() {
	for {
		_, msg, err := f.ws.ReadMessage()
		if err != nil {
			return
		}
		h, payload, err := DecodeHeader(msg)
		if err != nil {
			continue
		}
		switch h.Type {
		case TypePing:
			f.ws.WriteMessage(websocket.BinaryMessage, Frame(Header{Type: TypePong}, nil))
			continue
		case TypeConnect:
			ack := Header{Type: TypeConnected, ClientID: h.ClientID, Port: h.Port}
			f.ws.WriteMessage(websocket.BinaryMessage, Frame(ack, nil))
		case TypeData:
			f.ws.WriteMessage(websocket.BinaryMessage, Frame(h, payload))
		}
		select {
		case f.frames <- h:
		default:
		}
	}
}

func (f *fakeContainer) waitFrame(t *testing.T, frameType byte) Header {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case h := <-f.frames:
			if h.Type == frameType {
				return h
			}
		case <-deadline:
			t.Fatalf("no 0x%02x frame from container", frameType)
		}
	}
}

// dialRefusingContainer plays a tunnel client whose target port is closed:
// every CONNECT is answered with ERROR.
func dialRefusingContainer(t *testing.T, wsBase, containerID string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(wsBase+"/ws/tunnel/"+containerID, nil)
	require.NoError(t, err)
	go func() {
		for {
			_, msg, err := ws.ReadMessage()
			if err != nil {
				return
			}
			h, _, err := DecodeHeader(msg)
			if err != nil {
				continue
			}
			switch h.Type {
			case TypePing:
				ws.WriteMessage(websocket.BinaryMessage, Frame(Header{Type: TypePong}, nil))
			case TypeConnect:
				refuse := Header{Type: TypeError, ClientID: h.ClientID}
				ws.WriteMessage(websocket.BinaryMessage, Frame(refuse, []byte("connection refused")))
			}
		}
	}()
	return ws
}

// dialForward opens one user forward chain and completes the CONNECT
// handshake, returning the runner-assigned client id.
func dialForward(t *testing.T, wsBase, containerID string, port int) (*websocket.Conn, uint32) {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(
		fmt.Sprintf("%s/ws/forward/%s/%d", wsBase, containerID, port), nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })

	mt, msg, err := ws.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, mt)
	require.Equal(t, ConnectedSentinel, string(msg))

	// The originator's id is arbitrary; the runner rewrites it.
	connect := Header{Type: TypeConnect, Proto: ProtoTCP, ClientID: 99, Port: uint16(port)}
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, Frame(connect, nil)))

	_, msg, err = ws.ReadMessage()
	require.NoError(t, err)
	h, _, err := DecodeHeader(msg)
	require.NoError(t, err)
	require.Equal(t, TypeConnected, h.Type)
	return ws, h.ClientID
}

func readFrame(t *testing.T, ws *websocket.Conn) (Header, []byte) {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := ws.ReadMessage()
	require.NoError(t, err)
	h, payload, err := DecodeHeader(msg)
	require.NoError(t, err)
	return h, payload
}

func TestForwardMultiplexing(t *testing.T) {
	srv, wsBase := newTunnelServer(t)
	fc := dialContainer(t, wsBase, "kohaku-7")
	require.Eventually(t, func() bool { return srv.HasTunnel("kohaku-7") },
		time.Second, 10*time.Millisecond)

	ws1, id1 := dialForward(t, wsBase, "kohaku-7", 8080)
	ws2, id2 := dialForward(t, wsBase, "kohaku-7", 8080)
	require.Equal(t, uint32(1), id1)
	require.Equal(t, uint32(2), id2)

	// DATA is delivered only to the forward that owns the id.
	data := Header{Type: TypeData, Proto: ProtoTCP}
	require.NoError(t, ws1.WriteMessage(websocket.BinaryMessage, Frame(data, []byte("alpha"))))
	h, payload := readFrame(t, ws1)
	require.Equal(t, TypeData, h.Type)
	require.Equal(t, id1, h.ClientID)
	require.Equal(t, "alpha", string(payload))

	require.NoError(t, ws2.WriteMessage(websocket.BinaryMessage, Frame(data, []byte("beta"))))
	h, payload = readFrame(t, ws2)
	require.Equal(t, id2, h.ClientID)
	require.Equal(t, "beta", string(payload))

	// Dropping forward #2 synthesizes CLOSE for its id only.
	ws2.Close()
	closed := fc.waitFrame(t, TypeClose)
	require.Equal(t, id2, closed.ClientID)
}

func TestForwardWithoutTunnelIs404(t *testing.T) {
	_, wsBase := newTunnelServer(t)
	_, resp, err := websocket.DefaultDialer.Dial(wsBase+"/ws/forward/kohaku-404/80", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestContainerDisconnectClosesForwards(t *testing.T) {
	srv, wsBase := newTunnelServer(t)
	fc := dialContainer(t, wsBase, "kohaku-9")
	require.Eventually(t, func() bool { return srv.HasTunnel("kohaku-9") },
		time.Second, 10*time.Millisecond)

	ws, _ := dialForward(t, wsBase, "kohaku-9", 5432)

	fc.ws.Close()

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := ws.ReadMessage()
	require.Error(t, err)
	require.True(t, websocket.IsCloseError(err, CloseUpstream),
		"expected upstream close, got %v", err)

	require.Eventually(t, func() bool { return !srv.HasTunnel("kohaku-9") },
		time.Second, 10*time.Millisecond)
}

func TestTunnelReconnectReplacesOld(t *testing.T) {
	srv, wsBase := newTunnelServer(t)

	// No read loop on the first connection so its socket can be watched
	// directly.
	old, _, err := websocket.DefaultDialer.Dial(wsBase+"/ws/tunnel/kohaku-3", nil)
	require.NoError(t, err)
	defer old.Close()
	require.Eventually(t, func() bool { return srv.HasTunnel("kohaku-3") },
		time.Second, 10*time.Millisecond)

	dialContainer(t, wsBase, "kohaku-3")

	// The replaced tunnel's socket is closed by the server.
	old.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := old.ReadMessage(); err != nil {
			break
		}
	}
	require.True(t, srv.HasTunnel("kohaku-3"))
}
