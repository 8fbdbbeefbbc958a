package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/locallm/gateway/internal/alias"
	"github.com/locallm/gateway/internal/domain"
	"github.com/locallm/gateway/internal/worker"
)

func TestEvents_PushesInitialSnapshotOnConnect(t *testing.T) {
	aliases, err := alias.Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, aliases.Put(context.Background(), domain.Alias{
		Name: "llama3", ModelFileRef: "/bin/true", ChatTemplateRef: "chatml", Source: domain.AliasSourceUser,
	}))

	sup := worker.New(aliases, worker.Config{Binary: "/bin/true", MaxReady: 1, IdleTimeout: time.Hour, SpawnDeadline: time.Second})
	t.Cleanup(sup.Stop)

	events := New(aliases, sup)
	srv := httptest.NewServer(events)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var statuses []struct {
		Alias string `json:"alias"`
		State string `json:"state"`
	}
	require.NoError(t, json.Unmarshal(msg, &statuses))
	require.Len(t, statuses, 1)
	require.Equal(t, "llama3", statuses[0].Alias)
	require.Equal(t, "not_started", statuses[0].State)
}
