package runner

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/kohakuriver/kohakuriver/pkg/types"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleTunnel accepts the persistent control connection from a container's
// tunnel client.
func (a *Agent) handleTunnel(w http.ResponseWriter, r *http.Request) {
	a.tunnels.HandleContainer(w, r, chi.URLParam(r, "container"))
}

// handleForward bridges one host relay connection into a container tunnel.
func (a *Agent) handleForward(w http.ResponseWriter, r *http.Request) {
	port, err := strconv.ParseUint(chi.URLParam(r, "port"), 10, 16)
	if err != nil || port == 0 {
		http.Error(w, "bad port", http.StatusBadRequest)
		return
	}
	a.tunnels.HandleForward(w, r, chi.URLParam(r, "container"), uint16(port))
}

// handleTerminal attaches an interactive shell in the task's container and
// splices it over the WebSocket.
func (a *Agent) handleTerminal(w http.ResponseWriter, r *http.Request) {
	if a.deps.Docker == nil {
		http.Error(w, "no container runtime", http.StatusServiceUnavailable)
		return
	}
	id, err := pathID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	attach, err := a.deps.Docker.AttachShell(r.Context(), types.ContainerName(id))
	if err != nil {
		a.log.Warn().Err(err).Int64("task_id", id).Msg("terminal attach failed")
		http.Error(w, "attach failed", http.StatusBadGateway)
		return
	}
	defer attach.Close()

	ws, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	done := make(chan struct{}, 2)
	go func() {
		defer func() { done <- struct{}{} }()
		buf := make([]byte, 32*1024)
		for {
			n, err := attach.Reader.Read(buf)
			if n > 0 {
				if werr := ws.WriteMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()
	go func() {
		defer func() { done <- struct{}{} }()
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if _, err := attach.Conn.Write(data); err != nil {
				return
			}
		}
	}()
	<-done
}

// handleFSWatch streams appended bytes of the task's stdout log, a cheap tail
// over the shared directory.
func (a *Agent) handleFSWatch(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	path := filepath.Join(a.cfg.SharedDir, "logs", fmt.Sprintf("%d.out", id))

	ws, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	var offset int64
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}

		f, err := os.Open(path)
		if err != nil {
			continue // not written yet
		}
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			continue
		}
		data, err := io.ReadAll(io.LimitReader(f, 1<<20))
		f.Close()
		if err != nil {
			continue
		}
		if len(data) == 0 {
			continue
		}
		offset += int64(len(data))
		if err := ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
			return
		}
	}
}
