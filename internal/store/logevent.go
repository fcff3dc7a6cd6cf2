package store

import (
	"context"
	"fmt"
	"time"

	"github.com/gridedge/der-utility-server/internal/apperr"
)

// SiteLogEvent is a client-posted diagnostic log entry.
type SiteLogEvent struct {
	ID                  int64
	SiteID              int64
	FunctionSetID       int
	Code                int
	PEN                 uint32
	ProfileID           int
	Details             string
	ChangedTime         time.Time
}

// InsertLogEvent persists a SiteLogEvent row.
func (db *DB) InsertLogEvent(ctx context.Context, e SiteLogEvent, now time.Time) (int64, error) {
	var id int64

	err := db.Pool.QueryRow(ctx, `
		INSERT INTO site_log_event (site_id, function_set_id, code, pen, profile_id, details, changed_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING site_log_event_id
	`, e.SiteID, e.FunctionSetID, e.Code, e.PEN, e.ProfileID, e.Details, now).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: insert log event: %w", err)
	}

	return id, nil
}

// ListLogEvents lists every SiteLogEvent for siteID, newest first.
func (db *DB) ListLogEvents(ctx context.Context, siteID int64) ([]SiteLogEvent, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT site_log_event_id, site_id, function_set_id, code, pen, profile_id, details, changed_time
		FROM site_log_event WHERE site_id = $1
		ORDER BY site_log_event_id DESC
	`, siteID)
	if err != nil {
		return nil, fmt.Errorf("store: list log events: %w", err)
	}
	defer rows.Close()

	var out []SiteLogEvent
	for rows.Next() {
		var e SiteLogEvent
		if err := rows.Scan(&e.ID, &e.SiteID, &e.FunctionSetID, &e.Code, &e.PEN, &e.ProfileID, &e.Details, &e.ChangedTime); err != nil {
			return nil, fmt.Errorf("store: scan log event: %w", err)
		}

		out = append(out, e)
	}

	return out, rows.Err()
}

// GetLogEvent fetches a single SiteLogEvent, enforcing site ownership.
func (db *DB) GetLogEvent(ctx context.Context, siteID, logEventID int64) (SiteLogEvent, error) {
	var e SiteLogEvent

	err := db.Pool.QueryRow(ctx, `
		SELECT site_log_event_id, site_id, function_set_id, code, pen, profile_id, details, changed_time
		FROM site_log_event WHERE site_log_event_id = $1 AND site_id = $2
	`, logEventID, siteID).Scan(&e.ID, &e.SiteID, &e.FunctionSetID, &e.Code, &e.PEN, &e.ProfileID, &e.Details, &e.ChangedTime)
	if err != nil {
		if isNoRows(err) {
			return SiteLogEvent{}, apperr.NotFound("log event %d not found", logEventID)
		}

		return SiteLogEvent{}, fmt.Errorf("store: get log event: %w", err)
	}

	return e, nil
}
