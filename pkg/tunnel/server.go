package tunnel

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/kohakuriver/kohakuriver/pkg/log"
	"github.com/kohakuriver/kohakuriver/pkg/metrics"
)

// ConnectedSentinel is the text message the runner sends on a forward
// WebSocket once the container tunnel has been located.
const ConnectedSentinel = "CONNECTED"

// WebSocket close codes used across the chain.
const (
	ClosePolicy   = websocket.ClosePolicyViolation  // 1008
	CloseUpstream = websocket.CloseInternalServerErr // 1011
)

const pingInterval = 30 * time.Second

// containerTunnel is the single long-lived WebSocket between the runner and
// one container, plus the registry of user forwards multiplexed over it.
// The tunnel owns the client map; user WebSockets hold only the tunnel
// reference.
type containerTunnel struct {
	containerID string
	conn        *websocket.Conn
	writeMu     sync.Mutex

	mu           sync.Mutex
	nextClientID uint32
	clients      map[uint32]*websocket.Conn

	done chan struct{}
	log  zerolog.Logger
}

// allocateClientID hands out monotonic ids under the per-tunnel lock.
func (t *containerTunnel) allocateClientID() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextClientID++
	return t.nextClientID
}

func (t *containerTunnel) register(id uint32, ws *websocket.Conn) {
	t.mu.Lock()
	t.clients[id] = ws
	t.mu.Unlock()
}

func (t *containerTunnel) unregister(id uint32) {
	t.mu.Lock()
	delete(t.clients, id)
	t.mu.Unlock()
}

func (t *containerTunnel) lookup(id uint32) (*websocket.Conn, bool) {
	t.mu.Lock()
	ws, ok := t.clients[id]
	t.mu.Unlock()
	return ws, ok
}

// send writes one frame to the container, serialized against concurrent
// forwards sharing the tunnel.
func (t *containerTunnel) send(h Header, payload []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteMessage(websocket.BinaryMessage, Frame(h, payload))
}

// Server is the runner-side tunnel endpoint. It accepts one WebSocket per
// container and any number of forward WebSockets from the host, and shuttles
// frames between them keyed by client id.
type Server struct {
	mu       sync.RWMutex
	tunnels  map[string]*containerTunnel
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

// NewServer creates an empty tunnel server.
func NewServer() *Server {
	return &Server{
		tunnels: make(map[string]*containerTunnel),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log: log.WithComponent("tunnel"),
	}
}

// HasTunnel reports whether a container tunnel is currently connected.
func (s *Server) HasTunnel(containerID string) bool {
	s.mu.RLock()
	_, ok := s.tunnels[containerID]
	s.mu.RUnlock()
	return ok
}

// HandleContainer upgrades the container-resident client's connection and
// runs its read loop until the container goes away. Called on
// /ws/tunnel/{container_id}.
func (s *Server) HandleContainer(w http.ResponseWriter, r *http.Request, containerID string) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Str("container", containerID).Msg("container tunnel upgrade failed")
		return
	}

	t := &containerTunnel{
		containerID: containerID,
		conn:        conn,
		clients:     make(map[uint32]*websocket.Conn),
		done:        make(chan struct{}),
		log:         s.log.With().Str("container", containerID).Logger(),
	}

	s.mu.Lock()
	if old, ok := s.tunnels[containerID]; ok {
		// A reconnect replaces the old tunnel; its forwards are dead.
		old.conn.Close()
	} else {
		metrics.TunnelsActive.Inc()
	}
	s.tunnels[containerID] = t
	s.mu.Unlock()

	t.log.Info().Msg("container tunnel established")

	go s.pingLoop(t)
	s.containerReadLoop(t)

	s.mu.Lock()
	if s.tunnels[containerID] == t {
		delete(s.tunnels, containerID)
		metrics.TunnelsActive.Dec()
	}
	s.mu.Unlock()

	// Container tunnel is gone: every in-flight user WebSocket is closed
	// with an upstream code so the host relay can surface "tunnel lost".
	t.mu.Lock()
	clients := make([]*websocket.Conn, 0, len(t.clients))
	for _, ws := range t.clients {
		clients = append(clients, ws)
	}
	t.clients = make(map[uint32]*websocket.Conn)
	t.mu.Unlock()

	close(t.done)
	for _, ws := range clients {
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(CloseUpstream, "tunnel lost"), time.Now().Add(time.Second))
		ws.Close()
	}
	t.log.Info().Int("forwards", len(clients)).Msg("container tunnel closed")
}

// containerReadLoop routes frames arriving from the container to the user
// WebSocket that owns their client id.
func (s *Server) containerReadLoop(t *containerTunnel) {
	defer t.conn.Close()
	for {
		_, msg, err := t.conn.ReadMessage()
		if err != nil {
			return
		}
		h, payload, err := DecodeHeader(msg)
		if err != nil {
			t.log.Warn().Err(err).Msg("dropping malformed tunnel frame")
			continue
		}

		if h.Type == TypePong {
			continue
		}

		ws, ok := t.lookup(h.ClientID)
		if !ok {
			// Forward already went away; tell the container to drop it.
			t.send(Header{Type: TypeClose, ClientID: h.ClientID}, nil)
			continue
		}
		if err := ws.WriteMessage(websocket.BinaryMessage, Frame(h, payload)); err != nil {
			t.unregister(h.ClientID)
		}
		if h.Type == TypeClose || h.Type == TypeError {
			t.unregister(h.ClientID)
		}
	}
}

// pingLoop keeps the container connection warm. PING flows only
// runner → container; the container answers with PONG.
func (s *Server) pingLoop(t *containerTunnel) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := t.send(Header{Type: TypePing}, nil); err != nil {
				return
			}
		case <-t.done:
			return
		}
	}
}

// HandleForward serves one user port-forward chain arriving from the host on
// /ws/forward/{container_id}/{port}. The runner allocates the client id for
// the chain, so ids on a tunnel are monotonic regardless of what the
// originator put in its CONNECT frame.
func (s *Server) HandleForward(w http.ResponseWriter, r *http.Request, containerID string, port uint16) {
	s.mu.RLock()
	t, ok := s.tunnels[containerID]
	s.mu.RUnlock()
	if !ok {
		http.Error(w, "no tunnel for container", http.StatusNotFound)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Str("container", containerID).Msg("forward upgrade failed")
		return
	}
	defer conn.Close()

	// Confirm the tunnel exists before the originator sends CONNECT.
	if err := conn.WriteMessage(websocket.TextMessage, []byte(ConnectedSentinel)); err != nil {
		return
	}

	clientID := t.allocateClientID()
	t.register(clientID, conn)
	flog := t.log.With().Uint32("client_id", clientID).Uint16("port", port).Logger()
	flog.Debug().Msg("forward attached")

	defer func() {
		// Synthesize CLOSE toward the container for every id this forward
		// owned, then drop the registration.
		if _, still := t.lookup(clientID); still {
			t.send(Header{Type: TypeClose, ClientID: clientID}, nil)
			t.unregister(clientID)
		}
		flog.Debug().Msg("forward detached")
	}()

	for {
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		h, payload, err := DecodeHeader(msg)
		if err != nil {
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(ClosePolicy, err.Error()), time.Now().Add(time.Second))
			return
		}

		// Rewrite whatever id the originator chose to the tunnel-allocated
		// one; the chain carries exactly one id per forward WebSocket.
		h.ClientID = clientID
		if h.Type == TypeConnect {
			h.Port = port
		}
		if err := t.send(h, payload); err != nil {
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(CloseUpstream, "tunnel write failed"), time.Now().Add(time.Second))
			return
		}
		if h.Type == TypeClose {
			t.unregister(clientID)
			return
		}
	}
}

// CloseContainer tears down a container tunnel, if present. Used when the
// container is removed while its tunnel is still up.
func (s *Server) CloseContainer(containerID string) error {
	s.mu.RLock()
	t, ok := s.tunnels[containerID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no tunnel for container %s", containerID)
	}
	return t.conn.Close()
}
