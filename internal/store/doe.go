package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/gridedge/der-utility-server/internal/archive"
)

// DOE is a time-bounded import/export active-power limit.
type DOE struct {
	ID               int64
	SiteID           int64
	StartTime        time.Time
	DurationSeconds  int64
	EndTime          time.Time
	ImportLimitWatts *int64
	ExportLimitWatts *int64
	GenerationLimit  *int64
	LoadLimit        *int64
	RampRateSeconds  *int64
	Superseded       bool
	ChangedTime      time.Time
}

var doeColumns = []string{
	"dynamic_operating_envelope_id", "site_id", "start_time", "duration_seconds", "end_time",
	"import_limit_watts", "export_limit_watts", "generation_limit_watts", "load_limit_watts",
	"ramp_rate_seconds", "superseded", "changed_time",
}

// UpsertDOERequest is the bulk-insert shape for a single DOE row.
type UpsertDOERequest struct {
	SiteID           int64
	StartTime        time.Time
	DurationSeconds  int64
	ImportLimitWatts *int64
	ExportLimitWatts *int64
	GenerationLimit  *int64
	LoadLimit        *int64
	RampRateSeconds  *int64
}

// UpsertDOEs bulk-upserts DOE rows keyed on (site_id, start_time),
// archiving the prior row state first and recomputing end_time as
// start_time + duration_seconds.
func (db *DB) UpsertDOEs(ctx context.Context, reqs []UpsertDOERequest, now time.Time) error {
	return db.WithTx(ctx, func(tx pgx.Tx) error {
		for _, r := range reqs {
			if err := archive.CopyIntoArchive(ctx, tx, "dynamic_operating_envelope", "archive_dynamic_operating_envelope",
				doeColumns, now, "site_id = $1 AND start_time = $2", r.SiteID, r.StartTime); err != nil {
				return err
			}

			endTime := r.StartTime.Add(time.Duration(r.DurationSeconds) * time.Second)

			_, err := tx.Exec(ctx, `
				INSERT INTO dynamic_operating_envelope
					(site_id, start_time, duration_seconds, end_time, import_limit_watts, export_limit_watts,
					 generation_limit_watts, load_limit_watts, ramp_rate_seconds, superseded, changed_time)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, false, $10)
				ON CONFLICT (site_id, start_time) DO UPDATE SET
					duration_seconds = EXCLUDED.duration_seconds,
					end_time = EXCLUDED.end_time,
					import_limit_watts = EXCLUDED.import_limit_watts,
					export_limit_watts = EXCLUDED.export_limit_watts,
					generation_limit_watts = EXCLUDED.generation_limit_watts,
					load_limit_watts = EXCLUDED.load_limit_watts,
					ramp_rate_seconds = EXCLUDED.ramp_rate_seconds,
					changed_time = EXCLUDED.changed_time
			`, r.SiteID, r.StartTime, r.DurationSeconds, endTime, r.ImportLimitWatts, r.ExportLimitWatts,
				r.GenerationLimit, r.LoadLimit, r.RampRateSeconds, now)
			if err != nil {
				return fmt.Errorf("store: upsert doe: %w", err)
			}
		}

		return nil
	})
}

// SelectActiveDOEsIncludeDeleted unions live DOEs active at now with
// archived DOEs deleted after the after watermark, letting a client
// paginate stably across concurrent deletions. Ordered by start_time ASC,
// id ASC.
func (db *DB) SelectActiveDOEsIncludeDeleted(ctx context.Context, siteID int64, now, after time.Time) ([]DOE, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT dynamic_operating_envelope_id, site_id, start_time, duration_seconds, end_time,
		       import_limit_watts, export_limit_watts, generation_limit_watts, load_limit_watts,
		       ramp_rate_seconds, superseded, changed_time
		FROM dynamic_operating_envelope
		WHERE site_id = $1 AND start_time <= $2 AND end_time > $2
		UNION ALL
		SELECT dynamic_operating_envelope_id, site_id, start_time, duration_seconds, end_time,
		       import_limit_watts, export_limit_watts, generation_limit_watts, load_limit_watts,
		       ramp_rate_seconds, superseded, changed_time
		FROM archive_dynamic_operating_envelope
		WHERE site_id = $1 AND deleted_time > $3
		ORDER BY start_time ASC, dynamic_operating_envelope_id ASC
	`, siteID, now, after)
	if err != nil {
		return nil, fmt.Errorf("store: select active does: %w", err)
	}
	defer rows.Close()

	var out []DOE
	for rows.Next() {
		var d DOE
		if err := rows.Scan(&d.ID, &d.SiteID, &d.StartTime, &d.DurationSeconds, &d.EndTime,
			&d.ImportLimitWatts, &d.ExportLimitWatts, &d.GenerationLimit, &d.LoadLimit,
			&d.RampRateSeconds, &d.Superseded, &d.ChangedTime); err != nil {
			return nil, fmt.Errorf("store: scan doe: %w", err)
		}

		out = append(out, d)
	}

	return out, rows.Err()
}

// DOEWithAggregator pairs a DOE with its owning site's aggregator_id —
// DOE rows don't carry aggregator_id directly, so the subscription
// matcher's batch key needs it joined in.
type DOEWithAggregator struct {
	DOE
	AggregatorID int64
}

// SelectDOEsChangedAt fetches every DOE whose changed_time exactly
// matches timestamp, joined with its site's aggregator_id.
func (db *DB) SelectDOEsChangedAt(ctx context.Context, timestamp time.Time) ([]DOEWithAggregator, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT d.dynamic_operating_envelope_id, d.site_id, d.start_time, d.duration_seconds, d.end_time,
		       d.import_limit_watts, d.export_limit_watts, d.generation_limit_watts, d.load_limit_watts,
		       d.ramp_rate_seconds, d.superseded, d.changed_time, s.aggregator_id
		FROM dynamic_operating_envelope d JOIN site s ON s.site_id = d.site_id
		WHERE d.changed_time = $1
	`, timestamp)
	if err != nil {
		return nil, fmt.Errorf("store: select does changed at: %w", err)
	}
	defer rows.Close()

	var out []DOEWithAggregator
	for rows.Next() {
		var d DOEWithAggregator
		if err := rows.Scan(&d.ID, &d.SiteID, &d.StartTime, &d.DurationSeconds, &d.EndTime,
			&d.ImportLimitWatts, &d.ExportLimitWatts, &d.GenerationLimit, &d.LoadLimit,
			&d.RampRateSeconds, &d.Superseded, &d.ChangedTime, &d.AggregatorID); err != nil {
			return nil, fmt.Errorf("store: scan doe: %w", err)
		}

		out = append(out, d)
	}

	return out, rows.Err()
}

// SelectArchivedDOEsDeletedAt fetches archive_dynamic_operating_envelope
// rows deleted exactly at timestamp, joined with the owning site's
// aggregator_id (the site itself may since also be archived, so this
// joins the live site table only — a DOE deleted as part of a site
// cascade is picked up by the SITE-resource notification instead).
func (db *DB) SelectArchivedDOEsDeletedAt(ctx context.Context, timestamp time.Time) ([]DOEWithAggregator, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT a.dynamic_operating_envelope_id, a.site_id, a.start_time, a.duration_seconds, a.end_time,
		       a.import_limit_watts, a.export_limit_watts, a.generation_limit_watts, a.load_limit_watts,
		       a.ramp_rate_seconds, a.superseded, a.changed_time, s.aggregator_id
		FROM archive_dynamic_operating_envelope a JOIN site s ON s.site_id = a.site_id
		WHERE a.deleted_time = $1
	`, timestamp)
	if err != nil {
		return nil, fmt.Errorf("store: select archived does deleted at: %w", err)
	}
	defer rows.Close()

	var out []DOEWithAggregator
	for rows.Next() {
		var d DOEWithAggregator
		if err := rows.Scan(&d.ID, &d.SiteID, &d.StartTime, &d.DurationSeconds, &d.EndTime,
			&d.ImportLimitWatts, &d.ExportLimitWatts, &d.GenerationLimit, &d.LoadLimit,
			&d.RampRateSeconds, &d.Superseded, &d.ChangedTime, &d.AggregatorID); err != nil {
			return nil, fmt.Errorf("store: scan archived doe: %w", err)
		}

		out = append(out, d)
	}

	return out, rows.Err()
}

// GetDOE fetches a single DOE by id, for MRID-resolved response handling.
func (db *DB) GetDOE(ctx context.Context, id int64) (DOE, bool, error) {
	var d DOE

	err := db.Pool.QueryRow(ctx, `
		SELECT dynamic_operating_envelope_id, site_id, start_time, duration_seconds, end_time,
		       import_limit_watts, export_limit_watts, generation_limit_watts, load_limit_watts,
		       ramp_rate_seconds, superseded, changed_time
		FROM dynamic_operating_envelope WHERE dynamic_operating_envelope_id = $1
	`, id).Scan(&d.ID, &d.SiteID, &d.StartTime, &d.DurationSeconds, &d.EndTime,
		&d.ImportLimitWatts, &d.ExportLimitWatts, &d.GenerationLimit, &d.LoadLimit,
		&d.RampRateSeconds, &d.Superseded, &d.ChangedTime)

	if err == pgx.ErrNoRows {
		return DOE{}, false, nil
	}
	if err != nil {
		return DOE{}, false, fmt.Errorf("store: get doe: %w", err)
	}

	return d, true, nil
}
