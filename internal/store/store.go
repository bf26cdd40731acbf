// Package store is the durable persistence layer. It uses two writer
// shapes — a tx-scoped batch upsert writer and a pgx.Batch dedup writer —
// over position/event rows.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/telemetry-hub/fleet-ingester/internal/metrics"
	"github.com/telemetry-hub/fleet-ingester/internal/position"
)

var zstdEncoder, _ = zstd.NewWriter(nil)
var zstdDecoder, _ = zstd.NewReader(nil)

type Store struct {
	pool          *pgxpool.Pool
	logger        *zap.Logger
	storeRaw      bool
	compressRaw   bool
}

func New(pool *pgxpool.Pool, storeRaw, compressRaw bool, logger *zap.Logger) *Store {
	return &Store{pool: pool, storeRaw: storeRaw, compressRaw: compressRaw, logger: logger}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// FlushPositions inserts a batch of positions into position_events and
// upserts each vehicle's last-known descriptor, within a single
// transaction — the persistence worker's batch cycle. Raw payload bytes,
// when carried, are optionally zstd-compressed before storage for forensic
// replay.
func (s *Store) FlushPositions(ctx context.Context, positions []*position.Position, rawPayloads map[string][]byte) error {
	if len(positions) == 0 {
		return nil
	}
	start := time.Now()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, p := range positions {
		var raw []byte
		if s.storeRaw {
			if b, ok := rawPayloads[p.VehicleID]; ok {
				raw = s.encodeRaw(b)
			}
		}
		batch.Queue(`
			INSERT INTO position_events (vehicle_id, recorded_at, lat, lng, speed_mps, heading_deg, accuracy_m, raw_payload)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			p.VehicleID, p.RecordedAt, p.Lat, p.Lng, p.SpeedMps, p.HeadingDeg, p.AccuracyM, nilIfEmpty(raw),
		)
		batch.Queue(`
			INSERT INTO vehicles (vehicle_id, last_lat, last_lng, last_seen_at, updated_at)
			VALUES ($1, $2, $3, $4, now())
			ON CONFLICT (vehicle_id) DO UPDATE SET
				last_lat = EXCLUDED.last_lat,
				last_lng = EXCLUDED.last_lng,
				last_seen_at = EXCLUDED.last_seen_at,
				updated_at = now()`,
			p.VehicleID, p.Lat, p.Lng, p.RecordedAt,
		)
	}

	br := tx.SendBatch(ctx, batch)
	var rows int64
	for range positions {
		for i := 0; i < 2; i++ {
			tag, err := br.Exec()
			if err != nil {
				br.Close()
				return fmt.Errorf("store: batch exec: %w", err)
			}
			rows += tag.RowsAffected()
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("store: closing batch results: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("store: commit tx: %w", err)
	}

	dur := time.Since(start).Seconds()
	metrics.DBWriteDuration.WithLabelValues("persistence", "flush_positions").Observe(dur)
	metrics.DBRowsAffectedTotal.WithLabelValues("persistence", "position_events", "insert").Add(float64(rows))
	metrics.BatchSize.WithLabelValues("persistence").Observe(float64(len(positions)))

	return nil
}

func (s *Store) encodeRaw(b []byte) []byte {
	if !s.compressRaw {
		return b
	}
	return zstdEncoder.EncodeAll(b, nil)
}

// DecodeRaw reverses encodeRaw for debug/replay tooling.
func (s *Store) DecodeRaw(b []byte) ([]byte, error) {
	if !s.compressRaw {
		return b, nil
	}
	return zstdDecoder.DecodeAll(b, nil)
}

// GetCurrentPosition is the history fallback for get_current, used when
// the hot cache misses.
func (s *Store) GetCurrentPosition(ctx context.Context, vehicleID string) (*position.Position, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT vehicle_id, last_lat, last_lng, last_seen_at FROM vehicles WHERE vehicle_id = $1`,
		vehicleID)

	var p position.Position
	if err := row.Scan(&p.VehicleID, &p.Lat, &p.Lng, &p.RecordedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("store: get_current: %w", err)
	}
	return &p, true, nil
}

// GetHistory returns positions for a vehicle, reverse-chronological,
// bounded by limit (capped to 1000).
func (s *Store) GetHistory(ctx context.Context, vehicleID string, limit int, before *time.Time) ([]*position.Position, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	query := `
		SELECT vehicle_id, lat, lng, speed_mps, heading_deg, accuracy_m, recorded_at
		FROM position_events WHERE vehicle_id = $1`
	args := []any{vehicleID}
	if before != nil {
		query += " AND recorded_at < $2 ORDER BY recorded_at DESC LIMIT $3"
		args = append(args, *before, limit)
	} else {
		query += " ORDER BY recorded_at DESC LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: get_history: %w", err)
	}
	defer rows.Close()

	var out []*position.Position
	for rows.Next() {
		var p position.Position
		if err := rows.Scan(&p.VehicleID, &p.Lat, &p.Lng, &p.SpeedMps, &p.HeadingDeg, &p.AccuracyM, &p.RecordedAt); err != nil {
			return nil, fmt.Errorf("store: scanning history row: %w", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// VehicleSummary is the public descriptor subset joined into get_nearby
// results.
type VehicleSummary struct {
	VehicleID string
	Lat       float64
	Lng       float64
	LastSeen  time.Time
}

// GetNearby returns vehicles whose last-known position (within the last
// 60s) is within radiusKm of (lat, lng), ascending by distance, capped at
// 100 — planar distance computed in SQL via equirectangular approximation
// to match internal/geo.
func (s *Store) GetNearby(ctx context.Context, lat, lng, radiusKm float64) ([]*VehicleSummary, error) {
	const maxResults = 100
	rows, err := s.pool.Query(ctx, `
		SELECT vehicle_id, last_lat, last_lng, last_seen_at,
			sqrt(
				power(radians(last_lng - $1) * cos(radians(($2 + last_lat) / 2)), 2) +
				power(radians(last_lat - $2), 2)
			) * 6371 AS dist_km
		FROM vehicles
		WHERE last_seen_at > now() - interval '60 seconds'
		ORDER BY dist_km ASC
		LIMIT $3`,
		lng, lat, maxResults)
	if err != nil {
		return nil, fmt.Errorf("store: get_nearby: %w", err)
	}
	defer rows.Close()

	var out []*VehicleSummary
	for rows.Next() {
		var v VehicleSummary
		var dist float64
		if err := rows.Scan(&v.VehicleID, &v.Lat, &v.Lng, &v.LastSeen, &dist); err != nil {
			return nil, fmt.Errorf("store: scanning nearby row: %w", err)
		}
		if dist <= radiusKm {
			out = append(out, &v)
		}
	}
	return out, rows.Err()
}

// HazardEventID hashes a hazard report's identifying fields into a dedup
// key for ON CONFLICT DO NOTHING: sha256 over the report's fields rather
// than raw wire bytes.
func HazardEventID(vehicleID, userID, kind string, lat, lng float64, at time.Time) []byte {
	h := sha256.New()
	h.Write([]byte(vehicleID))
	h.Write([]byte(userID))
	h.Write([]byte(kind))
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(at.UnixNano()))
	h.Write(buf[:])
	fmt.Fprintf(h, "%f:%f", lat, lng)
	return h.Sum(nil)
}

// InsertHazardReport stores an already-validated hazard payload; the core
// treats the report content as opaque.
func (s *Store) InsertHazardReport(ctx context.Context, eventID []byte, vehicleID, userID, kind, severity string, lat, lng float64, payload map[string]any) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("store: marshal hazard payload: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO hazard_reports (event_id, vehicle_id, user_id, kind, severity, lat, lng, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (event_id) DO NOTHING`,
		eventID, nilIfEmptyString(vehicleID), nilIfEmptyString(userID), kind, nilIfEmptyString(severity), lat, lng, payloadJSON)
	if err != nil {
		return fmt.Errorf("store: insert hazard report: %w", err)
	}
	if tag.RowsAffected() == 0 {
		metrics.DedupConflictsTotal.WithLabelValues("hazard_reports").Inc()
	}
	return nil
}

// InsertSOSEvent records an SOS event. The gates (per-user credit, per-IP
// limiter) are applied by the caller before this is invoked.
func (s *Store) InsertSOSEvent(ctx context.Context, userID, ip string, lat, lng float64, issuedAt time.Time) error {
	eventID := HazardEventID("", userID, "sos", lat, lng, issuedAt)
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO sos_events (event_id, user_id, ip, lat, lng, issued_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (event_id) DO NOTHING`,
		eventID, userID, ip, lat, lng, issuedAt)
	if err != nil {
		return fmt.Errorf("store: insert sos event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		metrics.DedupConflictsTotal.WithLabelValues("sos_events").Inc()
	}
	return nil
}

func nilIfEmpty(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func nilIfEmptyString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
