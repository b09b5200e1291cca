package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/kohakuriver/kohakuriver/pkg/metrics"
	"github.com/kohakuriver/kohakuriver/pkg/types"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

var wsDialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}

// runnerWSURL rewrites a runner's HTTP base URL to its WebSocket scheme.
func runnerWSURL(nodeURL string) string {
	if rest, ok := strings.CutPrefix(nodeURL, "https://"); ok {
		return "wss://" + rest
	}
	return "ws://" + strings.TrimPrefix(nodeURL, "http://")
}

// forwardTarget resolves the runner node for a live task.
func (s *Server) forwardTarget(r *http.Request) (*types.Task, *types.Node, error) {
	id, err := taskID(r)
	if err != nil {
		return nil, nil, err
	}
	task, err := s.store.GetTask(id)
	if err != nil {
		return nil, nil, err
	}
	if task.Status != types.TaskRunning && task.Status != types.TaskPaused {
		return nil, nil, types.NewError(types.ErrConflict, "task %d is %s", id, task.Status)
	}
	node, err := s.store.GetNode(task.AssignedRunner)
	if err != nil {
		return nil, nil, err
	}
	if node.Status != types.NodeOnline {
		return nil, nil, types.NewError(types.ErrRunnerUnavailable, "runner %s is offline", node.Hostname)
	}
	return task, node, nil
}

// handleForward splices the client into the runner's tunnel forward chain.
func (s *Server) handleForward(w http.ResponseWriter, r *http.Request) {
	task, node, err := s.forwardTarget(r)
	if err != nil {
		writeError(w, err)
		return
	}
	port, err := strconv.Atoi(chi.URLParam(r, "port"))
	if err != nil || port < 1 || port > 65535 {
		writeError(w, types.NewError(types.ErrBadRequest, "bad port %q", chi.URLParam(r, "port")))
		return
	}

	metrics.TunnelForwards.Inc()
	if err := s.relay.Forward(w, r, runnerWSURL(node.URL), types.ContainerName(task.ID), port); err != nil {
		s.log.Debug().Err(err).Int64("task_id", task.ID).Int("port", port).Msg("forward chain ended")
	}
}

// handleTerminal proxies an interactive terminal session to the runner.
func (s *Server) handleTerminal(w http.ResponseWriter, r *http.Request) {
	task, node, err := s.forwardTarget(r)
	if err != nil {
		writeError(w, err)
		return
	}
	target := fmt.Sprintf("%s/ws/task/%d/terminal", runnerWSURL(node.URL), task.ID)
	s.proxyWS(w, r, target)
}

// handleFSWatch proxies filesystem change events from the runner.
func (s *Server) handleFSWatch(w http.ResponseWriter, r *http.Request) {
	task, node, err := s.forwardTarget(r)
	if err != nil {
		writeError(w, err)
		return
	}
	target := fmt.Sprintf("%s/ws/fs/%d/watch", runnerWSURL(node.URL), task.ID)
	s.proxyWS(w, r, target)
}

// proxyWS splices a client WebSocket to a runner endpoint. Either side
// closing tears down the pair.
func (s *Server) proxyWS(w http.ResponseWriter, r *http.Request, target string) {
	upstream, _, err := wsDialer.Dial(target, nil)
	if err != nil {
		writeError(w, types.NewError(types.ErrRunnerUnavailable, "runner endpoint unavailable"))
		return
	}
	defer upstream.Close()

	client, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer client.Close()

	errCh := make(chan error, 2)
	var once sync.Once
	shutdown := func() {
		once.Do(func() {
			client.Close()
			upstream.Close()
		})
	}

	splice := func(src, dst *websocket.Conn) {
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
	go splice(client, upstream)
	go splice(upstream, client)

	<-errCh
	shutdown()
	<-errCh
}
