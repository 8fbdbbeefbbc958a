// Package ws implements the worker control-plane push channel: a
// gorilla/websocket endpoint that lets a dashboard watch C8 worker state
// transitions without polling. Grounded on the teacher's
// internal/handlers/stream.go WebSocket proxy — the upgrader's CheckOrigin
// wiring and the write-until-the-client-goes-away loop are kept, adapted
// from relaying MJPEG frames to relaying periodic worker-status snapshots.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/locallm/gateway/internal/alias"
	"github.com/locallm/gateway/internal/config"
	"github.com/locallm/gateway/internal/worker"
)

// pollInterval bounds how stale a dashboard's view of worker state can get.
const pollInterval = 2 * time.Second

// Events serves the GET /ws/events WebSocket endpoint.
type Events struct {
	aliases    *alias.Registry
	supervisor *worker.Supervisor
	upgrader   websocket.Upgrader
}

// New builds the Events handler.
func New(aliases *alias.Registry, supervisor *worker.Supervisor) *Events {
	return &Events{
		aliases:    aliases,
		supervisor: supervisor,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
	}
}

func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range config.CORSAllowedOrigins() {
		if allowed == origin || allowed == "*" {
			return true
		}
	}
	return false
}

// workerStatus is one alias's reported state in a pushed snapshot.
type workerStatus struct {
	Alias string `json:"alias"`
	State string `json:"state"`
}

// ServeHTTP upgrades the connection and pushes a worker-status snapshot
// every pollInterval until the client disconnects or the request context
// ends (server shutdown, client going away).
func (e *Events) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return // Upgrade already wrote the error response.
	}
	defer conn.Close()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	if err := e.pushSnapshot(r.Context(), conn); err != nil {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if err := e.pushSnapshot(r.Context(), conn); err != nil {
				log.Debug().Err(err).Msg("ws/events: write failed, closing")
				return
			}
		}
	}
}

func (e *Events) pushSnapshot(ctx context.Context, conn *websocket.Conn) error {
	states := e.supervisor.Snapshot()
	aliases := e.aliases.List(ctx)

	statuses := make([]workerStatus, 0, len(aliases))
	for _, a := range aliases {
		state, ok := states[a.Name]
		label := "not_started"
		if ok {
			label = state.String()
		}
		statuses = append(statuses, workerStatus{Alias: a.Name, State: label})
	}

	payload, err := json.Marshal(statuses)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, payload)
}
