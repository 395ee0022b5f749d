package app

import (
	"encoding/json"
	"errors"
	"net/http"

	"inkboard/cmd/internal/realtime"
	v1 "inkboard/shared/contracts/board/v1"
)

type roomSummary struct {
	ID       string `json:"id"`
	Sessions int    `json:"sessions"`
}

type roomState struct {
	Room     string `json:"room"`
	Sessions int    `json:"sessions"`
	v1.StateSyncPayload
}

func registerHTTP(
	mux *http.ServeMux,
	log Logger,
	hub *realtime.Hub,
	ws *realtime.WSGateway,
	metrics http.Handler,
	ready func() bool,
) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, _ *http.Request) {
		if !ready() {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	if metrics != nil {
		mux.Handle("GET /metrics", metrics)
	}

	mux.HandleFunc("GET /rooms", func(w http.ResponseWriter, _ *http.Request) {
		ids := hub.Rooms()
		out := make([]roomSummary, 0, len(ids))
		for _, id := range ids {
			if e, ok := hub.Room(id); ok {
				out = append(out, roomSummary{ID: id, Sessions: e.Sessions()})
			}
		}
		writeJSON(w, log, http.StatusOK, map[string]any{"rooms": out})
	})

	// Read-only inspection of one board. Rooms are never created here.
	mux.HandleFunc("GET /rooms/{room}/state", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("room")
		e, ok := hub.Room(id)
		if !ok {
			if err := realtime.CheckRoomID(id); errors.Is(err, realtime.ErrInvalidRoom) {
				http.Error(w, "invalid room", http.StatusBadRequest)
				return
			}
			http.Error(w, "room not found", http.StatusNotFound)
			return
		}
		writeJSON(w, log, http.StatusOK, roomState{
			Room:             id,
			Sessions:         e.Sessions(),
			StateSyncPayload: e.State(),
		})
	})

	mux.Handle("/ws", ws)
}

func writeJSON(w http.ResponseWriter, log Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug("http.write_json.fail", "err", err)
	}
}
