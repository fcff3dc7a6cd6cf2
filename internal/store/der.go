package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/gridedge/der-utility-server/internal/apperr"
	"github.com/gridedge/der-utility-server/internal/archive"
)

// DERFacet identifies one of the four per-site DER resource facets
// exposed under /edev/{id}/der/1/{facet} (§6): rating (DERCapability),
// settings (DERSettings), availability (DERAvailability) and status
// (DERStatus). Each facet is a singleton per site, stored as an opaque
// JSON payload — the exact sep2 field sets for these facets are outside
// this core's scope (see DESIGN.md).
type DERFacet string

const (
	DERFacetRating       DERFacet = "derc"
	DERFacetSettings     DERFacet = "ders"
	DERFacetAvailability DERFacet = "dera"
	DERFacetStatus       DERFacet = "dstat"
)

func (f DERFacet) table() (table, archiveTable string, err error) {
	switch f {
	case DERFacetRating:
		return "site_der_rating", "archive_site_der_rating", nil
	case DERFacetSettings:
		return "site_der_setting", "archive_site_der_setting", nil
	case DERFacetAvailability:
		return "site_der_availability", "archive_site_der_availability", nil
	case DERFacetStatus:
		return "site_der_status", "archive_site_der_status", nil
	default:
		return "", "", apperr.NotFound("unrecognised DER resource facet %q", f)
	}
}

// SiteDER is one per-site DER facet row: an opaque payload plus the
// changed_time every mutation stamps.
type SiteDER struct {
	ID          int64
	SiteID      int64
	Payload     json.RawMessage
	ChangedTime time.Time
}

// GetSiteDER fetches the singleton facet row for siteID, NotFound if the
// facet has never been set (a freshly registered EndDevice has none of
// the four facets populated).
func (db *DB) GetSiteDER(ctx context.Context, facet DERFacet, siteID int64) (SiteDER, error) {
	table, _, err := facet.table()
	if err != nil {
		return SiteDER{}, err
	}

	var d SiteDER

	query := fmt.Sprintf(`
		SELECT %s_id, site_id, payload, changed_time FROM %s WHERE site_id = $1
	`, table, table)

	if err := db.Pool.QueryRow(ctx, query, siteID).Scan(&d.ID, &d.SiteID, &d.Payload, &d.ChangedTime); err != nil {
		if isNoRows(err) {
			return SiteDER{}, apperr.NotFound("%s not set for site %d", facet, siteID)
		}

		return SiteDER{}, fmt.Errorf("store: get site der %s: %w", facet, err)
	}

	return d, nil
}

// UpsertSiteDER replaces the singleton facet row for siteID, archiving
// the prior row first.
func (db *DB) UpsertSiteDER(ctx context.Context, facet DERFacet, siteID int64, payload json.RawMessage, now time.Time) error {
	table, archiveTable, err := facet.table()
	if err != nil {
		return err
	}

	columns := []string{table + "_id", "site_id", "payload", "changed_time"}

	return db.WithTx(ctx, func(tx pgx.Tx) error {
		if err := archive.CopyIntoArchive(ctx, tx, table, archiveTable, columns, now, "site_id = $1", siteID); err != nil {
			return err
		}

		query := fmt.Sprintf(`
			INSERT INTO %s (site_id, payload, changed_time)
			VALUES ($1, $2, $3)
			ON CONFLICT (site_id) DO UPDATE SET payload = EXCLUDED.payload, changed_time = EXCLUDED.changed_time
		`, table)

		if _, err := tx.Exec(ctx, query, siteID, payload, now); err != nil {
			return fmt.Errorf("store: upsert site der %s: %w", facet, err)
		}

		return nil
	})
}
