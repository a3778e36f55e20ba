package main

import (
	"encoding/json"
	"net/http"

	"campflow/internal/metrics"
)

// handleMetrics serves the in-process metrics registry as JSON.
func (s *Server) handleMetrics() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		allMetrics := metrics.GetAllMetrics()

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")

		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(allMetrics); err != nil {
			s.logger.WithError(err).Error("Failed to encode metrics response")
			http.Error(w, "internal server error", http.StatusInternalServerError)
		}
	}
}
