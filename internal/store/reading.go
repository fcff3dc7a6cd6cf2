package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/gridedge/der-utility-server/internal/apperr"
)

// SiteReadingType pins the unit-of-measure/qualifier/kind/phase/flow
// tuple a MirrorUsagePoint's readings share.
type SiteReadingType struct {
	ID                   int64
	AggregatorID         int64
	SiteID               int64
	DeviceLFDI           string
	UOM                  int
	Kind                 int
	Phase                int
	FlowDirection        int
	DataQualifier        int
	AccumulationBehavior int
	PowerOfTenMultiplier int
	DefaultIntervalSecs  int
}

// UpsertReadingTypeRequest is the mapped content of a MirrorUsagePoint
// creation/update request.
type UpsertReadingTypeRequest struct {
	AggregatorID         int64
	SiteID               int64
	DeviceLFDI           string
	UOM                  int
	Kind                 int
	Phase                int
	FlowDirection        int
	DataQualifier        int
	AccumulationBehavior int
	PowerOfTenMultiplier int
	DefaultIntervalSecs  int
}

// UpsertReadingType finds-or-creates a SiteReadingType keyed on
// (aggregator_id, site_id, uom, kind, phase, flow_direction,
// data_qualifier, accumulation_behaviour). Device-cert callers must pass a
// requestLFDI matching req.DeviceLFDI; a mismatch is rejected before any
// DB access.
func (db *DB) UpsertReadingType(ctx context.Context, req UpsertReadingTypeRequest, requestLFDI string, isDeviceCert bool) (int64, error) {
	if isDeviceCert && requestLFDI != req.DeviceLFDI {
		return 0, apperr.Forbidden("device-cert clients may only create MUPs whose deviceLFDI matches their own certificate")
	}

	var id int64

	err := db.Pool.QueryRow(ctx, `
		INSERT INTO site_reading_type
			(aggregator_id, site_id, device_lfdi, uom, kind, phase, flow_direction, data_qualifier,
			 accumulation_behaviour, power_of_ten_multiplier, default_interval_seconds, changed_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now())
		ON CONFLICT (aggregator_id, site_id, uom, kind, phase, flow_direction, data_qualifier, accumulation_behaviour)
		DO UPDATE SET changed_time = EXCLUDED.changed_time
		RETURNING site_reading_type_id
	`, req.AggregatorID, req.SiteID, req.DeviceLFDI, req.UOM, req.Kind, req.Phase, req.FlowDirection,
		req.DataQualifier, req.AccumulationBehavior, req.PowerOfTenMultiplier, req.DefaultIntervalSecs,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: upsert reading type: %w", err)
	}

	return id, nil
}

// ListReadingTypesForAggregator lists every SiteReadingType owned by
// aggregatorID, for GET /mup.
func (db *DB) ListReadingTypesForAggregator(ctx context.Context, aggregatorID int64) ([]SiteReadingType, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT site_reading_type_id, aggregator_id, site_id, device_lfdi, uom, kind, phase, flow_direction,
		       data_qualifier, accumulation_behaviour, power_of_ten_multiplier, default_interval_seconds
		FROM site_reading_type WHERE aggregator_id = $1
		ORDER BY site_reading_type_id ASC
	`, aggregatorID)
	if err != nil {
		return nil, fmt.Errorf("store: list reading types: %w", err)
	}
	defer rows.Close()

	var out []SiteReadingType
	for rows.Next() {
		var t SiteReadingType
		if err := rows.Scan(&t.ID, &t.AggregatorID, &t.SiteID, &t.DeviceLFDI, &t.UOM, &t.Kind, &t.Phase,
			&t.FlowDirection, &t.DataQualifier, &t.AccumulationBehavior, &t.PowerOfTenMultiplier, &t.DefaultIntervalSecs); err != nil {
			return nil, fmt.Errorf("store: scan reading type: %w", err)
		}

		out = append(out, t)
	}

	return out, rows.Err()
}

// CountReadingTypesForAggregator counts the live MirrorUsagePoints owned by
// aggregatorID, for the DeviceCapability MirrorUsagePointListLink.all count
// (§6).
func (db *DB) CountReadingTypesForAggregator(ctx context.Context, aggregatorID int64) (int64, error) {
	var count int64

	err := db.Pool.QueryRow(ctx, "SELECT count(*) FROM site_reading_type WHERE aggregator_id = $1", aggregatorID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("store: count reading types: %w", err)
	}

	return count, nil
}

// GetReadingType fetches a single SiteReadingType, enforcing aggregator
// ownership.
func (db *DB) GetReadingType(ctx context.Context, aggregatorID, id int64) (SiteReadingType, error) {
	var t SiteReadingType

	err := db.Pool.QueryRow(ctx, `
		SELECT site_reading_type_id, aggregator_id, site_id, device_lfdi, uom, kind, phase, flow_direction,
		       data_qualifier, accumulation_behaviour, power_of_ten_multiplier, default_interval_seconds
		FROM site_reading_type WHERE site_reading_type_id = $1 AND aggregator_id = $2
	`, id, aggregatorID).Scan(&t.ID, &t.AggregatorID, &t.SiteID, &t.DeviceLFDI, &t.UOM, &t.Kind, &t.Phase,
		&t.FlowDirection, &t.DataQualifier, &t.AccumulationBehavior, &t.PowerOfTenMultiplier, &t.DefaultIntervalSecs)
	if err != nil {
		if isNoRows(err) {
			return SiteReadingType{}, apperr.NotFound("mirror usage point %d not found", id)
		}

		return SiteReadingType{}, fmt.Errorf("store: get reading type: %w", err)
	}

	return t, nil
}

// DeleteReadingType removes a SiteReadingType and its readings (via
// ON DELETE CASCADE), enforcing aggregator ownership.
func (db *DB) DeleteReadingType(ctx context.Context, aggregatorID, id int64) error {
	tag, err := db.Pool.Exec(ctx,
		"DELETE FROM site_reading_type WHERE site_reading_type_id = $1 AND aggregator_id = $2", id, aggregatorID)
	if err != nil {
		return fmt.Errorf("store: delete reading type: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return apperr.NotFound("mirror usage point %d not found", id)
	}

	return nil
}

// ListReadings lists every SiteReading for a reading type, ordered by
// time_period_start.
func (db *DB) ListReadings(ctx context.Context, readingTypeID int64) ([]SiteReading, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT site_reading_type_id, time_period_start, duration_seconds, value, local_id, quality_flags
		FROM site_reading WHERE site_reading_type_id = $1
		ORDER BY time_period_start ASC
	`, readingTypeID)
	if err != nil {
		return nil, fmt.Errorf("store: list readings: %w", err)
	}
	defer rows.Close()

	var out []SiteReading
	for rows.Next() {
		var r SiteReading
		if err := rows.Scan(&r.ReadingTypeID, &r.TimePeriodStart, &r.DurationSeconds, &r.Value, &r.LocalID, &r.QualityFlags); err != nil {
			return nil, fmt.Errorf("store: scan reading: %w", err)
		}

		out = append(out, r)
	}

	return out, rows.Err()
}

// SiteReading is a single telemetry sample, stored raw: callers apply the
// reading type's multiplier and flow-direction sign.
type SiteReading struct {
	ReadingTypeID   int64
	TimePeriodStart time.Time
	DurationSeconds int64
	Value           int64
	LocalID         int64
	QualityFlags    int
}

// ReadingWithType pairs a SiteReading with the aggregator/site id of its
// SiteReadingType — the subscription matcher's batch key needs both
// joined in, since a reading row itself only carries its type's id.
type ReadingWithType struct {
	SiteReading
	AggregatorID int64
	SiteID       int64
}

// SelectReadingsChangedAt fetches every SiteReading whose changed_time
// exactly matches timestamp, joined with its reading type's
// aggregator/site id.
func (db *DB) SelectReadingsChangedAt(ctx context.Context, timestamp time.Time) ([]ReadingWithType, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT r.site_reading_type_id, r.time_period_start, r.duration_seconds, r.value, r.local_id, r.quality_flags,
		       t.aggregator_id, t.site_id
		FROM site_reading r JOIN site_reading_type t ON t.site_reading_type_id = r.site_reading_type_id
		WHERE r.changed_time = $1
	`, timestamp)
	if err != nil {
		return nil, fmt.Errorf("store: select readings changed at: %w", err)
	}
	defer rows.Close()

	var out []ReadingWithType
	for rows.Next() {
		var r ReadingWithType
		if err := rows.Scan(&r.ReadingTypeID, &r.TimePeriodStart, &r.DurationSeconds, &r.Value, &r.LocalID,
			&r.QualityFlags, &r.AggregatorID, &r.SiteID); err != nil {
			return nil, fmt.Errorf("store: scan reading: %w", err)
		}

		out = append(out, r)
	}

	return out, rows.Err()
}

// IngestReadings upserts a MirrorMeterReading batch into SiteReading rows
// keyed on (site_reading_type_id, time_period_start), overwriting value,
// quality and local_id on conflict.
func (db *DB) IngestReadings(ctx context.Context, readings []SiteReading, now time.Time) error {
	return db.WithTx(ctx, func(tx pgx.Tx) error {
		for _, r := range readings {
			_, err := tx.Exec(ctx, `
				INSERT INTO site_reading
					(site_reading_type_id, time_period_start, duration_seconds, value, local_id, quality_flags, changed_time)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
				ON CONFLICT (site_reading_type_id, time_period_start) DO UPDATE SET
					value = EXCLUDED.value,
					quality_flags = EXCLUDED.quality_flags,
					local_id = EXCLUDED.local_id,
					changed_time = EXCLUDED.changed_time
			`, r.ReadingTypeID, r.TimePeriodStart, r.DurationSeconds, r.Value, r.LocalID, r.QualityFlags, now)
			if err != nil {
				return fmt.Errorf("store: ingest reading: %w", err)
			}
		}

		return nil
	})
}
