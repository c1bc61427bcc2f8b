package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/peaksync/peaksync/pkg/types"
)

// handleSnapshot returns the latest published snapshot verbatim.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap := s.coordinator.Snapshot()
	if snap == nil {
		writeJSONError(w, "no snapshot available yet", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		panic(http.ErrAbortHandler)
	}
}

type sensorsResponse struct {
	SnapshotVersion int64                        `json:"snapshotVersion"`
	Partial         bool                         `json:"partial"`
	Sensors         map[string]types.SensorValue `json:"sensors"`
	Warnings        []types.Warning              `json:"warnings,omitempty"`
}

// handleSensors returns the derived sensor values from the latest pass.
func (s *Server) handleSensors(w http.ResponseWriter, r *http.Request) {
	snap := s.coordinator.Snapshot()
	if snap == nil {
		writeJSONError(w, "no snapshot available yet", http.StatusServiceUnavailable)
		return
	}
	values, warnings := s.coordinator.SensorValues()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(sensorsResponse{
		SnapshotVersion: snap.Version,
		Partial:         snap.Partial,
		Sensors:         values,
		Warnings:        warnings,
	}); err != nil {
		panic(http.ErrAbortHandler)
	}
}

type statusResponse struct {
	RatePlan        types.RatePlan `json:"ratePlan"`
	ContractID      string         `json:"contractID"`
	Degraded        bool           `json:"degraded"`
	SnapshotVersion int64          `json:"snapshotVersion"`
	Partial         bool           `json:"partial"`
	FetchedAt       *time.Time     `json:"fetchedAt,omitempty"`
}

// handleStatus reports sync health for monitoring.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		RatePlan:   s.coordinator.RatePlan(),
		ContractID: s.coordinator.ContractID(),
		Degraded:   s.coordinator.Degraded(),
	}
	if snap := s.coordinator.Snapshot(); snap != nil {
		resp.SnapshotVersion = snap.Version
		resp.Partial = snap.Partial
		resp.FetchedAt = &snap.FetchedAt
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		panic(http.ErrAbortHandler)
	}
}
