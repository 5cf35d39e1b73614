package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/exoview/collab/internal/hub"
	"github.com/exoview/collab/internal/room"
)

// Healthz is the out-of-band liveness probe, decoupled from the
// message connection.
func Healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		Status string `json:"status"`
	}{Status: "ok"})
}

// RoomState exposes a read-only view of one room for debugging and
// dashboards. The view is taken through the room's inbox, so it never
// races the actor.
func RoomState(h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID := chi.URLParam(r, "roomID")

		reply := make(chan *room.Room, 1)
		h.Inbox() <- hub.GetRoom{ID: roomID, Reply: reply}
		rm := <-reply
		if rm == nil {
			http.Error(w, "room not found", http.StatusNotFound)
			return
		}

		view := make(chan room.View, 1)
		rm.Inbox() <- room.GetState{Reply: view}
		select {
		case v := <-view:
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(struct {
				RoomID   string      `json:"roomId"`
				Members  interface{} `json:"members"`
				Selected interface{} `json:"selected"`
			}{RoomID: roomID, Members: v.Members, Selected: v.Selected})
		case <-time.After(2 * time.Second):
			http.Error(w, "room not responding", http.StatusServiceUnavailable)
		}
	}
}
