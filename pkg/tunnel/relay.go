package tunnel

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kohakuriver/kohakuriver/pkg/log"
)

// Relay is the host-side half of a port-forward chain: it bridges one user
// WebSocket to the runner's forward endpoint. Dropping either end cancels
// the chain; there is no retransmission.
type Relay struct {
	upgrader websocket.Upgrader
	dialer   *websocket.Dialer
}

// NewRelay creates a relay with sane dial timeouts.
func NewRelay() *Relay {
	return &Relay{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

// Forward upgrades the user connection and splices it to
// {runnerURL}/ws/forward/{containerID}/{port}. It blocks until the chain
// ends.
func (rl *Relay) Forward(w http.ResponseWriter, r *http.Request, runnerWSURL, containerID string, port int) error {
	target := fmt.Sprintf("%s/ws/forward/%s/%d", runnerWSURL, containerID, port)

	upstream, resp, err := rl.dialer.Dial(target, nil)
	if err != nil {
		status := http.StatusBadGateway
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			status = http.StatusNotFound
		}
		http.Error(w, "runner forward unavailable", status)
		return fmt.Errorf("failed to dial runner forward %s: %w", target, err)
	}
	defer upstream.Close()

	// The runner confirms the container tunnel with a text sentinel before
	// any frames flow; surface it to the originator unchanged.
	mt, sentinel, err := upstream.ReadMessage()
	if err != nil {
		http.Error(w, "runner closed forward", http.StatusBadGateway)
		return fmt.Errorf("failed to read runner sentinel: %w", err)
	}

	client, err := rl.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("failed to upgrade client connection: %w", err)
	}
	defer client.Close()

	if err := client.WriteMessage(mt, sentinel); err != nil {
		return fmt.Errorf("failed to relay sentinel: %w", err)
	}

	logger := log.WithComponent("tunnel-relay")
	logger.Debug().Str("container", containerID).Int("port", port).Msg("forward chain established")

	errCh := make(chan error, 2)
	var once sync.Once
	shutdown := func() {
		once.Do(func() {
			client.Close()
			upstream.Close()
		})
	}

	go pump(client, upstream, errCh)
	go pump(upstream, client, errCh)

	err = <-errCh
	shutdown()
	<-errCh

	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return nil
	}
	return err
}

// pump copies messages from src to dst until either side fails.
func pump(src, dst *websocket.Conn, errCh chan<- error) {
	for {
		mt, msg, err := src.ReadMessage()
		if err != nil {
			errCh <- err
			return
		}
		if err := dst.WriteMessage(mt, msg); err != nil {
			errCh <- err
			return
		}
	}
}
