package handlers

import (
	"net/http"
	"time"
)

// StatsSource reports live gateway counters; the hub implements it.
type StatsSource interface {
	Stats() (connections, rooms int)
}

type healthResponse struct {
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	Service     string `json:"service"`
	Connections int    `json:"connections"`
	Rooms       int    `json:"rooms"`
}

// Health handles GET /health.
func Health(stats StatsSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conns, rooms := stats.Stats()
		writeJSON(w, http.StatusOK, healthResponse{
			Status:      "ok",
			Timestamp:   time.Now().UTC().Format(time.RFC3339),
			Service:     "thoth-rooms",
			Connections: conns,
			Rooms:       rooms,
		})
	}
}
