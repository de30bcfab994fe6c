// Package httpapi is a read-only debug surface beside the TCP session
// port: liveness probe plus a room occupancy snapshot.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/wumeng-games/netplay-backend/internal/server"
)

// RoomLister is the slice of the session server the HTTP surface needs.
type RoomLister interface {
	Snapshot() []server.RoomSnapshot
}

func Rooms(rooms RoomLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(struct {
			Rooms []server.RoomSnapshot `json:"rooms"`
		}{Rooms: rooms.Snapshot()})
	}
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}
