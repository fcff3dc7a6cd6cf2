package store

import (
	"context"
	"fmt"
	"time"

	"github.com/gridedge/der-utility-server/internal/apperr"
)

// ResponseSetType selects which entity family a Response subject refers
// to (the `{list}` path segment of POST /edev/{id}/rsps/{list}).
type ResponseSetType int

const (
	ResponseSetTariffGeneratedRates ResponseSetType = iota
	ResponseSetDynamicOperatingEnvelopes
)

// Response is a client-posted acknowledgement of a DOE or tariff rate.
// Responses are explicitly not archived: they are never mutated or
// deleted once written.
type Response struct {
	ID                 int64
	SiteID             int64
	ResponseSetType    ResponseSetType
	ResponseType       int
	DOEIDSnapshot      *int64
	RateIDSnapshot     *int64
	CreatedTime        time.Time
}

// InsertResponse persists a Response row. created_time is DB-assigned via
// default now().
func (db *DB) InsertResponse(ctx context.Context, siteID int64, setType ResponseSetType, responseType int, doeIDSnapshot, rateIDSnapshot *int64) (int64, error) {
	var id int64

	err := db.Pool.QueryRow(ctx, `
		INSERT INTO response (site_id, response_set_type, response_type, doe_id_snapshot, rate_id_snapshot, created_time)
		VALUES ($1, $2, $3, $4, $5, now())
		RETURNING response_id
	`, siteID, int(setType), responseType, doeIDSnapshot, rateIDSnapshot).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: insert response: %w", err)
	}

	return id, nil
}

// GetResponse fetches a single Response, enforcing site ownership.
func (db *DB) GetResponse(ctx context.Context, siteID, responseID int64) (Response, error) {
	var r Response
	var st int

	err := db.Pool.QueryRow(ctx, `
		SELECT response_id, site_id, response_set_type, response_type, doe_id_snapshot, rate_id_snapshot, created_time
		FROM response WHERE response_id = $1 AND site_id = $2
	`, responseID, siteID).Scan(&r.ID, &r.SiteID, &st, &r.ResponseType, &r.DOEIDSnapshot, &r.RateIDSnapshot, &r.CreatedTime)
	if err != nil {
		if isNoRows(err) {
			return Response{}, apperr.NotFound("response %d not found", responseID)
		}

		return Response{}, fmt.Errorf("store: get response: %w", err)
	}

	r.ResponseSetType = ResponseSetType(st)

	return r, nil
}

// ListResponses lists responses for a site's given response set.
func (db *DB) ListResponses(ctx context.Context, siteID int64, setType ResponseSetType) ([]Response, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT response_id, site_id, response_set_type, response_type, doe_id_snapshot, rate_id_snapshot, created_time
		FROM response WHERE site_id = $1 AND response_set_type = $2
		ORDER BY response_id ASC
	`, siteID, int(setType))
	if err != nil {
		return nil, fmt.Errorf("store: list responses: %w", err)
	}
	defer rows.Close()

	var out []Response
	for rows.Next() {
		var r Response
		var st int
		if err := rows.Scan(&r.ID, &r.SiteID, &st, &r.ResponseType, &r.DOEIDSnapshot, &r.RateIDSnapshot, &r.CreatedTime); err != nil {
			return nil, fmt.Errorf("store: scan response: %w", err)
		}

		r.ResponseSetType = ResponseSetType(st)
		out = append(out, r)
	}

	return out, rows.Err()
}
