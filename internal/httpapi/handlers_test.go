package httpapi

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wumeng-games/netplay-backend/internal/server"
)

type stubLister struct {
	snaps []server.RoomSnapshot
}

func (s stubLister) Snapshot() []server.RoomSnapshot { return s.snaps }

func TestHealthz(t *testing.T) {
	h := SetupRoutes(stubLister{})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	assert.Equal(t, 200, rec.Code)
}

func TestRoomsSnapshot(t *testing.T) {
	h := SetupRoutes(stubLister{snaps: []server.RoomSnapshot{
		{ID: "default", Players: 3, AISeats: 1, Started: true, HostID: "p1"},
	}})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/api/rooms", nil))
	require.Equal(t, 200, rec.Code)

	var body struct {
		Rooms []server.RoomSnapshot `json:"rooms"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Rooms, 1)
	assert.Equal(t, "default", body.Rooms[0].ID)
	assert.Equal(t, 3, body.Rooms[0].Players)
	assert.True(t, body.Rooms[0].Started)
}
