package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kanreisa/reichat-server/internal/protocol"
	"github.com/kanreisa/reichat-server/internal/room"
)

func TestHealthz(t *testing.T) {
	engine := room.New(zerolog.Nop(), "ops-server", protocol.ConfigInfo{
		Title: "PaintChat", CanvasWidth: 8, CanvasHeight: 8, LayerCount: 1,
	})
	engine.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = engine.Shutdown(ctx)
	})

	s := New(zerolog.Nop(), engine, "broker", func() bool { return true })

	rec := httptest.NewRecorder()
	s.handleHealthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Status string     `json:"status"`
		Room   room.Stats `json:"room"`
		Broker struct {
			Mode      string `json:"mode"`
			Connected bool   `json:"connected"`
		} `json:"broker"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "ops-server", body.Room.ServerID)
	assert.Equal(t, "broker", body.Broker.Mode)
	assert.True(t, body.Broker.Connected)

	rec = httptest.NewRecorder()
	s.handleHealthz(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
