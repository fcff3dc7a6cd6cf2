package store

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/gridedge/der-utility-server/internal/apperr"
	"github.com/gridedge/der-utility-server/internal/archive"
)

// Site is the physical/logical premise (EndDevice).
type Site struct {
	ID               int64
	LFDI             string
	SFDI             uint64
	AggregatorID     int64
	DeviceCategory   int64
	TimezoneID       string
	NMI              string
	RegistrationPIN  int
	ChangedTime      time.Time
}

var siteColumns = []string{
	"site_id", "lfdi", "sfdi", "aggregator_id", "device_category", "timezone_id", "nmi", "registration_pin", "changed_time",
}

// RegisterSiteRequest is the mapped content of a POST /edev body.
type RegisterSiteRequest struct {
	LFDI           string
	SFDI           uint64
	DeviceCategory int64
	TimezoneID     string
	NMI            string
}

// RegisterSite implements the registration idempotency and conflict rules
// of POST /edev: a matching LFDI already registered under aggregatorID
// returns its existing id; a matching LFDI/SFDI under a DIFFERENT
// aggregator is a Conflict; otherwise a new Site is inserted with a fresh
// uniformly-random registration_pin in [0, 99999].
func (db *DB) RegisterSite(ctx context.Context, aggregatorID int64, req RegisterSiteRequest, now time.Time) (int64, error) {
	var siteID int64

	err := db.WithTx(ctx, func(tx pgx.Tx) error {
		var existingAggregatorID int64

		err := tx.QueryRow(ctx,
			"SELECT site_id, aggregator_id FROM site WHERE lfdi = $1", req.LFDI,
		).Scan(&siteID, &existingAggregatorID)

		switch {
		case err == nil:
			if existingAggregatorID != aggregatorID {
				return apperr.Conflict("LFDI %s is already registered under a different aggregator", req.LFDI)
			}

			return nil // idempotent create: return the existing site id
		case err != pgx.ErrNoRows:
			return fmt.Errorf("store: lookup site by lfdi: %w", err)
		}

		var sfdiTaken bool
		if err := tx.QueryRow(ctx,
			"SELECT EXISTS (SELECT 1 FROM site WHERE sfdi = $1 AND aggregator_id <> $2)", req.SFDI, aggregatorID,
		).Scan(&sfdiTaken); err != nil {
			return fmt.Errorf("store: lookup site by sfdi: %w", err)
		}

		if sfdiTaken {
			return apperr.Conflict("SFDI %d is already registered under a different aggregator", req.SFDI)
		}

		pin, err := randomRegistrationPIN()
		if err != nil {
			return fmt.Errorf("store: generate registration pin: %w", err)
		}

		err = tx.QueryRow(ctx, `
			INSERT INTO site (lfdi, sfdi, aggregator_id, device_category, timezone_id, nmi, registration_pin, changed_time)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING site_id
		`, req.LFDI, req.SFDI, aggregatorID, req.DeviceCategory, req.TimezoneID, req.NMI, pin, now).Scan(&siteID)
		if err != nil {
			return fmt.Errorf("store: insert site: %w", err)
		}

		return nil
	})

	return siteID, err
}

func randomRegistrationPIN() (int, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(100000))
	if err != nil {
		return 0, err
	}

	return int(n.Int64()), nil
}

// DeleteSite performs the transactional cascade for DELETE /edev/{id}:
// archive-then-delete every child resource belonging to the site, then the
// site itself. Readings are matched through their reading type's site_id
// and subscriptions through scoped_site_id. Firing post-commit
// notifications (§4.8) is left to the caller.
func (db *DB) DeleteSite(ctx context.Context, siteID int64, now time.Time) error {
	return db.WithTx(ctx, func(tx pgx.Tx) error {
		children := []struct {
			table, archiveTable string
			columns             []string
		}{
			{"site_der_rating", "archive_site_der_rating", []string{"site_der_rating_id", "site_id", "changed_time"}},
			{"site_der_setting", "archive_site_der_setting", []string{"site_der_setting_id", "site_id", "changed_time"}},
			{"site_der_availability", "archive_site_der_availability", []string{"site_der_availability_id", "site_id", "changed_time"}},
			{"site_der_status", "archive_site_der_status", []string{"site_der_status_id", "site_id", "changed_time"}},
			{"site_reading", "archive_site_reading", []string{"site_reading_id", "site_reading_type_id", "changed_time"}},
			{"site_reading_type", "archive_site_reading_type", []string{"site_reading_type_id", "site_id", "changed_time"}},
			{"tariff_generated_rate", "archive_tariff_generated_rate", []string{"tariff_generated_rate_id", "site_id", "tariff_id", "start_time", "changed_time"}},
			{"dynamic_operating_envelope", "archive_dynamic_operating_envelope", doeColumns},
			{"subscription", "archive_subscription", []string{"subscription_id", "aggregator_id", "scoped_site_id", "changed_time"}},
			{"site_log_event", "archive_site_log_event", []string{"site_log_event_id", "site_id", "changed_time"}},
		}

		for _, c := range children {
			where := "site_id = $1"
			switch c.table {
			case "site_reading":
				where = "site_reading_type_id IN (SELECT site_reading_type_id FROM site_reading_type WHERE site_id = $1)"
			case "subscription":
				where = "scoped_site_id = $1"
			}

			if err := archive.DeleteIntoArchive(ctx, tx, c.table, c.archiveTable, c.columns, now, where, siteID); err != nil {
				return err
			}
		}

		if err := archive.DeleteIntoArchive(ctx, tx, "site", "archive_site", siteColumns, now, "site_id = $1", siteID); err != nil {
			return err
		}

		return nil
	})
}

// SelectSitesChangedAt fetches every Site whose changed_time exactly
// matches timestamp — the live half of the SITE change feed the
// subscription matcher fans out from.
func (db *DB) SelectSitesChangedAt(ctx context.Context, timestamp time.Time) ([]Site, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT site_id, lfdi, sfdi, aggregator_id, device_category, timezone_id, nmi, registration_pin, changed_time
		FROM site WHERE changed_time = $1
	`, timestamp)
	if err != nil {
		return nil, fmt.Errorf("store: select sites changed at: %w", err)
	}
	defer rows.Close()

	var out []Site
	for rows.Next() {
		var s Site
		if err := rows.Scan(&s.ID, &s.LFDI, &s.SFDI, &s.AggregatorID, &s.DeviceCategory, &s.TimezoneID, &s.NMI, &s.RegistrationPIN, &s.ChangedTime); err != nil {
			return nil, fmt.Errorf("store: scan site: %w", err)
		}

		out = append(out, s)
	}

	return out, rows.Err()
}

// SelectArchivedSitesDeletedAt fetches the archive_site rows deleted
// exactly at timestamp, for delete-notification fan-out.
func (db *DB) SelectArchivedSitesDeletedAt(ctx context.Context, timestamp time.Time) ([]Site, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT site_id, lfdi, sfdi, aggregator_id, device_category, timezone_id, nmi, registration_pin, changed_time
		FROM archive_site WHERE deleted_time = $1
	`, timestamp)
	if err != nil {
		return nil, fmt.Errorf("store: select archived sites deleted at: %w", err)
	}
	defer rows.Close()

	var out []Site
	for rows.Next() {
		var s Site
		if err := rows.Scan(&s.ID, &s.LFDI, &s.SFDI, &s.AggregatorID, &s.DeviceCategory, &s.TimezoneID, &s.NMI, &s.RegistrationPIN, &s.ChangedTime); err != nil {
			return nil, fmt.Errorf("store: scan archived site: %w", err)
		}

		out = append(out, s)
	}

	return out, rows.Err()
}

// ListSitesForAggregator lists every live Site owned by aggregatorID, for
// GET /edev.
func (db *DB) ListSitesForAggregator(ctx context.Context, aggregatorID int64) ([]Site, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT site_id, lfdi, sfdi, aggregator_id, device_category, timezone_id, nmi, registration_pin, changed_time
		FROM site WHERE aggregator_id = $1
		ORDER BY site_id ASC
	`, aggregatorID)
	if err != nil {
		return nil, fmt.Errorf("store: list sites: %w", err)
	}
	defer rows.Close()

	var out []Site
	for rows.Next() {
		var s Site
		if err := rows.Scan(&s.ID, &s.LFDI, &s.SFDI, &s.AggregatorID, &s.DeviceCategory, &s.TimezoneID, &s.NMI, &s.RegistrationPIN, &s.ChangedTime); err != nil {
			return nil, fmt.Errorf("store: scan site: %w", err)
		}

		out = append(out, s)
	}

	return out, rows.Err()
}

// UpdateSiteConnectionPoint sets a site's NMI (its sep2 ConnectionPoint),
// archiving the prior row first.
func (db *DB) UpdateSiteConnectionPoint(ctx context.Context, aggregatorID, siteID int64, nmi string, now time.Time) error {
	return db.WithTx(ctx, func(tx pgx.Tx) error {
		if err := archive.CopyIntoArchive(ctx, tx, "site", "archive_site", siteColumns, now,
			"site_id = $1 AND aggregator_id = $2", siteID, aggregatorID); err != nil {
			return err
		}

		tag, err := tx.Exec(ctx,
			"UPDATE site SET nmi = $3, changed_time = $4 WHERE site_id = $1 AND aggregator_id = $2",
			siteID, aggregatorID, nmi, now)
		if err != nil {
			return fmt.Errorf("store: update connection point: %w", err)
		}

		if tag.RowsAffected() == 0 {
			return apperr.NotFound("site %d not found", siteID)
		}

		return nil
	})
}

// CountSitesForAggregator counts the live sites visible to aggregatorID,
// for the DeviceCapability EndDeviceListLink.all count (§6).
func (db *DB) CountSitesForAggregator(ctx context.Context, aggregatorID int64) (int64, error) {
	var count int64

	err := db.Pool.QueryRow(ctx, "SELECT count(*) FROM site WHERE aggregator_id = $1", aggregatorID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("store: count sites: %w", err)
	}

	return count, nil
}

// GetSiteBySFDI resolves a device certificate's (sfdi, aggregator_id) pair
// to its registered site id, backing scope.DeviceSiteLookup.
func (db *DB) GetSiteBySFDI(ctx context.Context, sfdi uint64, aggregatorID int64) (int64, bool, error) {
	var siteID int64

	err := db.Pool.QueryRow(ctx,
		"SELECT site_id FROM site WHERE sfdi = $1 AND aggregator_id = $2", sfdi, aggregatorID,
	).Scan(&siteID)

	if isNoRows(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("store: get site by sfdi: %w", err)
	}

	return siteID, true, nil
}

// GetSiteForScope fetches a site, enforcing aggregator ownership.
func (db *DB) GetSiteForScope(ctx context.Context, aggregatorID, siteID int64) (Site, error) {
	var s Site

	err := db.Pool.QueryRow(ctx, `
		SELECT site_id, lfdi, sfdi, aggregator_id, device_category, timezone_id, nmi, registration_pin, changed_time
		FROM site WHERE site_id = $1 AND aggregator_id = $2
	`, siteID, aggregatorID).Scan(&s.ID, &s.LFDI, &s.SFDI, &s.AggregatorID, &s.DeviceCategory, &s.TimezoneID, &s.NMI, &s.RegistrationPIN, &s.ChangedTime)
	if err != nil {
		if err == pgx.ErrNoRows {
			return Site{}, apperr.NotFound("site %d not found", siteID)
		}

		return Site{}, fmt.Errorf("store: get site: %w", err)
	}

	return s, nil
}
