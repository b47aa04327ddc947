package api_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/pool-ledger/internal/api"
	"github.com/atmx/pool-ledger/internal/model"
	"github.com/atmx/pool-ledger/internal/store"
)

func TestHubBroadcastsEvents(t *testing.T) {
	hub := api.NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	h := api.NewHandler(store.NewMemoryStore(), nil, nil, nil, nil)
	srv := httptest.NewServer(api.NewRouter(h, hub, time.Second))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err, "dial")
	defer conn.Close()

	// Registration completes asynchronously; publish until the client sees it.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				hub.Publish(model.Event{Type: model.EventDepositCredited, UserID: "alice", Currency: model.CurrencySOL, Amount: "1.5"})
			}
		}
	}()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err, "read")
	var got model.Event
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, model.EventDepositCredited, got.Type)
	assert.Equal(t, "alice", got.UserID)
	assert.Equal(t, model.CurrencySOL, got.Currency)
}

func TestHubPublishNeverBlocks(t *testing.T) {
	hub := api.NewHub()
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			hub.Publish(model.Event{Type: model.EventAllocated})
		}
		close(done)
	}()
	assert.Eventually(t, func() bool {
		select {
		case <-done:
			return true
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond, "Publish blocked without a running hub")
}
