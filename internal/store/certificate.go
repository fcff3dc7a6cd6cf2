package store

import (
	"context"
	"fmt"
	"time"
)

// Certificate is an issued TLS cert record, unique by LFDI. Expired
// certificates remain in storage but must not authorize requests.
type Certificate struct {
	ID          int64
	LFDI        string
	Expiry      time.Time
	CreatedTime time.Time
}

// GetCertificateByLFDI fetches a Certificate by its LFDI (case-insensitive).
func (db *DB) GetCertificateByLFDI(ctx context.Context, lfdi string) (Certificate, bool, error) {
	var c Certificate

	err := db.Pool.QueryRow(ctx,
		"SELECT certificate_id, lfdi, expiry, created_time FROM certificate WHERE lfdi = $1", lfdi,
	).Scan(&c.ID, &c.LFDI, &c.Expiry, &c.CreatedTime)

	if isNoRows(err) {
		return Certificate{}, false, nil
	}
	if err != nil {
		return Certificate{}, false, fmt.Errorf("store: get certificate: %w", err)
	}

	return c, true, nil
}
