package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func SetupRoutes(rooms RoomLister) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", Healthz)
	r.Get("/api/rooms", Rooms(rooms))
	return r
}
