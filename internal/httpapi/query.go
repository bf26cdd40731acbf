package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/telemetry-hub/fleet-ingester/internal/position"
)

const maxNearbyRadiusKm = 5.0

// positionSourced tags a Position response with where it was served from,
// per §4.H: callers must be able to tell a cache hit from a history fallback.
type positionSourced struct {
	*position.Position
	Source string `json:"_source"`
}

func (s *Server) handleGetCurrent(w http.ResponseWriter, r *http.Request) {
	vehicleID := mux.Vars(r)["vehicle_id"]

	if pos, found, err := s.cache.Get(r.Context(), vehicleID); err == nil && found {
		writeJSON(w, http.StatusOK, positionSourced{Position: pos, Source: "cache"})
		return
	}

	pos, found, err := s.store.GetCurrentPosition(r.Context(), vehicleID)
	if err != nil {
		s.logger.Error("httpapi: get_current failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "query_failed", "could not fetch current position")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "not_found", "vehicle has no known position")
		return
	}

	if err := s.cache.Put(r.Context(), vehicleID, pos); err != nil {
		s.logger.Warn("httpapi: cache repopulate on history hit failed", zap.Error(err))
	}
	writeJSON(w, http.StatusOK, positionSourced{Position: pos, Source: "history"})
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	vehicleID := mux.Vars(r)["vehicle_id"]
	q := r.URL.Query()

	limit := 100
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	if limit > 1000 {
		limit = 1000
	}

	var before *time.Time
	if v := q.Get("before"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			before = &t
		}
	}

	history, err := s.store.GetHistory(r.Context(), vehicleID, limit, before)
	if err != nil {
		s.logger.Error("httpapi: get_history failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "query_failed", "could not fetch history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"vehicle_id": vehicleID, "positions": history})
}

func (s *Server) handleGetNearby(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, err1 := strconv.ParseFloat(q.Get("lat"), 64)
	lng, err2 := strconv.ParseFloat(q.Get("lng"), 64)
	if err1 != nil || err2 != nil {
		writeError(w, http.StatusBadRequest, "missing_coords", "lat and lng query params are required")
		return
	}
	radiusKm := maxNearbyRadiusKm
	if v := q.Get("radius"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			radiusKm = f
		}
	}
	if radiusKm > maxNearbyRadiusKm {
		radiusKm = maxNearbyRadiusKm
	}

	nearby, err := s.store.GetNearby(r.Context(), lat, lng, radiusKm)
	if err != nil {
		s.logger.Error("httpapi: get_nearby failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "query_failed", "could not fetch nearby vehicles")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"vehicles": nearby})
}
