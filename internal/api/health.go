package api

import (
	"context"
	"net/http"
	"time"
)

type healthResponse struct {
	Status    string         `json:"status"`
	Timestamp string         `json:"timestamp"`
	Services  healthServices `json:"services"`
}

type healthServices struct {
	Database  string `json:"database"`
	Updater   string `json:"updater,omitempty"`
	LastCycle string `json:"lastCycle,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	dbStatus := "connected"
	if err := s.db.Ping(ctx); err != nil {
		dbStatus = "disconnected"
	}

	services := healthServices{Database: dbStatus}
	if s.updater != nil {
		services.Updater = "stopped"
		if s.updater.Running() {
			services.Updater = "running"
		}
		services.LastCycle = string(s.updater.LastOutcome())
	}

	writeJSON(w, http.StatusOK, healthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Services:  services,
	})
}
