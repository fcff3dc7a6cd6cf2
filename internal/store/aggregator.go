package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/gridedge/der-utility-server/internal/apperr"
)

// Aggregator is a tenant boundary; id 0 is the reserved NULL aggregator
// that owns device-cert-registered sites.
type Aggregator struct {
	ID                       int64
	Name                     string
	AllowedNotificationHosts []string
}

// NullAggregatorID matches scope.NullAggregatorID; duplicated here to keep
// store free of a dependency on the request-scope package.
const NullAggregatorID = 0

// GetAggregator fetches an aggregator by id, including the reserved NULL
// aggregator.
func (db *DB) GetAggregator(ctx context.Context, id int64) (Aggregator, error) {
	var a Aggregator

	err := db.Pool.QueryRow(ctx,
		"SELECT aggregator_id, name, allowed_notification_hosts FROM aggregator WHERE aggregator_id = $1", id,
	).Scan(&a.ID, &a.Name, &a.AllowedNotificationHosts)
	if err != nil {
		if err == pgx.ErrNoRows {
			return Aggregator{}, apperr.NotFound("aggregator %d not found", id)
		}

		return Aggregator{}, fmt.Errorf("store: get aggregator: %w", err)
	}

	return a, nil
}

// CertificateAssignment links a Certificate to the Aggregator(s) permitted
// to authenticate with it.
type CertificateAssignment struct {
	CertificateID int64
	AggregatorID  int64
	LFDI          string
	ExpiryUnix    int64
}

// SelectAllClientIdentities loads every certificate-assignment row,
// including expired ones — the caller (the aggregator-cert cache) decides
// what to do with expiry, matching the reference cache's "include expired,
// filter at read time" behaviour.
func (db *DB) SelectAllClientIdentities(ctx context.Context) ([]CertificateAssignment, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT ca.certificate_id, ca.aggregator_id, c.lfdi, extract(epoch from c.expiry)::bigint
		FROM certificate_assignment ca
		JOIN certificate c ON c.certificate_id = ca.certificate_id
	`)
	if err != nil {
		return nil, fmt.Errorf("store: select client identities: %w", err)
	}
	defer rows.Close()

	var out []CertificateAssignment
	for rows.Next() {
		var c CertificateAssignment
		if err := rows.Scan(&c.CertificateID, &c.AggregatorID, &c.LFDI, &c.ExpiryUnix); err != nil {
			return nil, fmt.Errorf("store: scan client identity: %w", err)
		}

		out = append(out, c)
	}

	return out, rows.Err()
}
