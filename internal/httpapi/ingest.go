package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/telemetry-hub/fleet-ingester/internal/gate"
	"github.com/telemetry-hub/fleet-ingester/internal/metrics"
	"github.com/telemetry-hub/fleet-ingester/internal/position"
	"github.com/telemetry-hub/fleet-ingester/internal/store"
)

const maxBodyBytes = 1 << 20 // 1MiB

func (s *Server) handlePushPosition(w http.ResponseWriter, r *http.Request) {
	vehicleID := mux.Vars(r)["vehicle_id"]

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_body", "could not read request body")
		return
	}

	pos, err := position.FromJSON(body, vehicleID, s.maxTimestampSkew)
	if err != nil {
		metrics.IngestRequestsTotal.WithLabelValues("rejected").Inc()
		writeError(w, http.StatusUnprocessableEntity, "invalid_position", err.Error())
		return
	}

	// The request body may omit vehicle_id entirely (it is carried by the
	// path); re-marshal the canonical Position so every downstream reader
	// of the published record sees a self-contained payload.
	canonical, err := json.Marshal(pos)
	if err != nil {
		s.logger.Error("httpapi: marshal canonical position failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "encode_failed", "could not encode position")
		return
	}

	decision := s.ingestOne(r.Context(), pos, canonical)
	metrics.IngestRequestsTotal.WithLabelValues("accepted").Inc()

	switch decision {
	case gate.DecisionThrottled:
		writeJSON(w, http.StatusTooManyRequests, errorEnvelope{
			Error:        "throttled",
			Code:         "THROTTLED",
			RetryAfterMs: 1000,
		})
	case gate.DecisionDeadZone:
		writeJSON(w, http.StatusOK, map[string]any{
			"accepted":   true,
			"reason":     "no_movement",
			"nextPingMs": 5000,
		})
	default:
		writeJSON(w, http.StatusOK, map[string]any{
			"accepted":   true,
			"nextPingMs": 5000,
		})
	}
}

type batchRequest struct {
	Updates []json.RawMessage `json:"updates"`
}

func (s *Server) handlePushBatch(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes*10))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_body", "could not read request body")
		return
	}

	var req batchRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_batch", `expected {"updates": [...]}`)
		return
	}

	valid := make([]*position.Position, 0, len(req.Updates))
	rawByVehicle := make(map[string][]byte, len(req.Updates))
	rejectedIDs := make([]string, 0, 10)

	for _, raw := range req.Updates {
		pos, err := position.FromJSON(raw, "", s.maxTimestampSkew)
		if err != nil {
			metrics.IngestRequestsTotal.WithLabelValues("rejected").Inc()
			if len(rejectedIDs) < 10 {
				if id := batchItemVehicleID(raw); id != "" {
					rejectedIDs = append(rejectedIDs, id)
				}
			}
			continue
		}
		canonical, err := json.Marshal(pos)
		if err != nil {
			s.logger.Error("httpapi: marshal canonical position failed", zap.Error(err))
			continue
		}
		valid = append(valid, pos)
		rawByVehicle[pos.VehicleID] = canonical
		metrics.IngestRequestsTotal.WithLabelValues("accepted").Inc()
	}

	if len(valid) > 0 {
		if err := s.cache.PutBatch(r.Context(), valid); err != nil {
			s.logger.Warn("httpapi: batch cache put failed", zap.Error(err))
		}

		keys := make([]string, len(valid))
		values := make([][]byte, len(valid))
		for i, pos := range valid {
			keys[i] = pos.VehicleID
			values[i] = rawByVehicle[pos.VehicleID]
		}
		if err := s.producer.PublishBatch(r.Context(), s.topics.Locations, keys, values); err != nil {
			s.logger.Warn("httpapi: batch publish failed, falling back to direct write", zap.Error(err))
			metrics.DirectWriteFallbackTotal.WithLabelValues("attempted").Inc()
			if werr := s.store.FlushPositions(r.Context(), valid, rawByVehicle); werr != nil {
				s.logger.Error("httpapi: batch direct write fallback failed", zap.Error(werr))
				metrics.DirectWriteFallbackTotal.WithLabelValues("failed").Inc()
			} else {
				metrics.DirectWriteFallbackTotal.WithLabelValues("succeeded").Inc()
			}
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"processed":   len(valid),
		"rejected":    len(req.Updates) - len(valid),
		"rejectedIds": rejectedIDs,
	})
}

// batchItemVehicleID recovers the id carried by a batch element that failed
// FromJSON validation, so the caller can still name it in rejectedIds.
func batchItemVehicleID(raw json.RawMessage) string {
	var probe struct {
		VehicleID    string `json:"vehicle_id"`
		VehicleIDAlt string `json:"vehicleId"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ""
	}
	if probe.VehicleID != "" {
		return probe.VehicleID
	}
	return probe.VehicleIDAlt
}

// ingestOne runs one position through the gate, hot cache, and event log,
// in that order (§4.G: gate → cache put → log publish), with a direct-to-store
// write as a fallback when the bus is unreachable so the record is never
// silently dropped. It returns the gate's Decision so the caller can shape
// the HTTP response around it.
func (s *Server) ingestOne(ctx context.Context, pos *position.Position, raw []byte) gate.Decision {
	admitted, decision := s.gate.Admit(ctx, pos)
	if !admitted {
		s.logger.Debug("httpapi: position dropped by gate", zap.String("vehicle_id", pos.VehicleID), zap.String("decision", string(decision)))
		return decision
	}

	if err := s.cache.Put(ctx, pos.VehicleID, pos); err != nil {
		s.logger.Warn("httpapi: cache put failed", zap.Error(err))
	}

	if err := s.producer.Publish(ctx, s.topics.Locations, pos.VehicleID, raw); err != nil {
		s.logger.Warn("httpapi: event bus publish failed, falling back to direct write", zap.Error(err))
		metrics.DirectWriteFallbackTotal.WithLabelValues("attempted").Inc()
		if werr := s.store.FlushPositions(ctx, []*position.Position{pos}, map[string][]byte{pos.VehicleID: raw}); werr != nil {
			s.logger.Error("httpapi: direct write fallback failed", zap.Error(werr))
			metrics.DirectWriteFallbackTotal.WithLabelValues("failed").Inc()
			return decision
		}
		metrics.DirectWriteFallbackTotal.WithLabelValues("succeeded").Inc()
	}
	return decision
}

type sosRequest struct {
	UserID string  `json:"user_id"`
	Lat    float64 `json:"lat"`
	Lng    float64 `json:"lng"`
}

func (s *Server) handleSOS(w http.ResponseWriter, r *http.Request) {
	var req sosRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_body", "invalid SOS payload")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "missing_user", "user_id is required")
		return
	}

	ip := clientIP(r)
	allowed, err := s.sosLimit.Allow(r.Context(), "sos:user:"+req.UserID, int(s.sosDailyCredits), 24*time.Hour)
	if err != nil {
		s.logger.Warn("httpapi: sos limiter error, failing open", zap.Error(err))
		allowed = true
	}
	if !allowed {
		writeError(w, http.StatusForbidden, "SOS_CREDIT_EXHAUSTED", "daily SOS credit exhausted for this user")
		return
	}

	issuedAt := time.Now().UTC()
	if err := s.store.InsertSOSEvent(r.Context(), req.UserID, ip, req.Lat, req.Lng, issuedAt); err != nil {
		s.logger.Error("httpapi: insert sos event failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "sos_store_failed", "could not record SOS event")
		return
	}

	payload, _ := json.Marshal(map[string]any{
		"type": "sos", "user_id": req.UserID, "lat": req.Lat, "lng": req.Lng, "issued_at": issuedAt,
	})
	if err := s.producer.Publish(r.Context(), s.topics.Alerts, req.UserID, payload); err != nil {
		s.logger.Warn("httpapi: sos alert publish failed", zap.Error(err))
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "received"})
}

type hazardRequest struct {
	VehicleID string         `json:"vehicle_id"`
	UserID    string         `json:"user_id"`
	Kind      string         `json:"kind"`
	Severity  string         `json:"severity"`
	Lat       float64        `json:"lat"`
	Lng       float64        `json:"lng"`
	Payload   map[string]any `json:"payload"`
}

// handleHazardReport stores a hazard report with the core treating its
// payload as opaque, then fans it out on the alerts topic.
func (s *Server) handleHazardReport(w http.ResponseWriter, r *http.Request) {
	var req hazardRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_body", "invalid hazard report payload")
		return
	}
	if req.Kind == "" {
		writeError(w, http.StatusBadRequest, "missing_kind", "kind is required")
		return
	}

	at := time.Now().UTC()
	eventID := store.HazardEventID(req.VehicleID, req.UserID, req.Kind, req.Lat, req.Lng, at)
	if err := s.store.InsertHazardReport(r.Context(), eventID, req.VehicleID, req.UserID, req.Kind, req.Severity, req.Lat, req.Lng, req.Payload); err != nil {
		s.logger.Error("httpapi: insert hazard report failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "hazard_store_failed", "could not record hazard report")
		return
	}

	alert, _ := json.Marshal(map[string]any{
		"type": "hazard", "vehicle_id": req.VehicleID, "kind": req.Kind,
		"severity": req.Severity, "lat": req.Lat, "lng": req.Lng, "reported_at": at,
	})
	if err := s.producer.Publish(r.Context(), s.topics.Alerts, req.VehicleID, alert); err != nil {
		s.logger.Warn("httpapi: hazard alert publish failed", zap.Error(err))
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "received"})
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host := r.RemoteAddr
	if i := lastColon(host); i >= 0 {
		return host[:i]
	}
	return host
}

func lastColon(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ':' {
			return i
		}
	}
	return -1
}
