package store

import (
	"context"
	"fmt"
	"time"
)

// Tariff is the administratively-managed pricing schedule a
// TariffGeneratedRate belongs to.
type Tariff struct {
	ID   int64
	Name string
}

// TariffGeneratedRate is a per-site time-stamped price tuple, unique on
// (site_id, tariff_id, start_time).
type TariffGeneratedRate struct {
	ID                    int64
	SiteID                int64
	TariffID              int64
	StartTime             time.Time
	ImportActivePrice     int64
	ExportActivePrice     int64
	ImportReactivePrice   int64
	ExportReactivePrice   int64
	ChangedTime           time.Time
}

// RateWithAggregator pairs a TariffGeneratedRate with its site's
// aggregator_id — needed for the subscription matcher's batch key, which
// is (aggregator_id, tariff_id, site_id, date(start_time)).
type RateWithAggregator struct {
	TariffGeneratedRate
	AggregatorID int64
}

// SelectRatesChangedAt fetches every TariffGeneratedRate whose
// changed_time exactly matches timestamp, joined with its site's
// aggregator_id.
func (db *DB) SelectRatesChangedAt(ctx context.Context, timestamp time.Time) ([]RateWithAggregator, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT r.tariff_generated_rate_id, r.site_id, r.tariff_id, r.start_time,
		       r.import_active_price, r.export_active_price, r.import_reactive_price, r.export_reactive_price,
		       r.changed_time, s.aggregator_id
		FROM tariff_generated_rate r JOIN site s ON s.site_id = r.site_id
		WHERE r.changed_time = $1
	`, timestamp)
	if err != nil {
		return nil, fmt.Errorf("store: select rates changed at: %w", err)
	}
	defer rows.Close()

	var out []RateWithAggregator
	for rows.Next() {
		var r RateWithAggregator
		if err := rows.Scan(&r.ID, &r.SiteID, &r.TariffID, &r.StartTime, &r.ImportActivePrice, &r.ExportActivePrice,
			&r.ImportReactivePrice, &r.ExportReactivePrice, &r.ChangedTime, &r.AggregatorID); err != nil {
			return nil, fmt.Errorf("store: scan rate: %w", err)
		}

		out = append(out, r)
	}

	return out, rows.Err()
}

// GetTariffGeneratedRate fetches a single rate by id, for response
// correlation.
func (db *DB) GetTariffGeneratedRate(ctx context.Context, id int64) (TariffGeneratedRate, bool, error) {
	var r TariffGeneratedRate

	err := db.Pool.QueryRow(ctx, `
		SELECT tariff_generated_rate_id, site_id, tariff_id, start_time,
		       import_active_price, export_active_price, import_reactive_price, export_reactive_price, changed_time
		FROM tariff_generated_rate WHERE tariff_generated_rate_id = $1
	`, id).Scan(&r.ID, &r.SiteID, &r.TariffID, &r.StartTime,
		&r.ImportActivePrice, &r.ExportActivePrice, &r.ImportReactivePrice, &r.ExportReactivePrice, &r.ChangedTime)

	if err != nil {
		if isNoRows(err) {
			return TariffGeneratedRate{}, false, nil
		}

		return TariffGeneratedRate{}, false, fmt.Errorf("store: get tariff generated rate: %w", err)
	}

	return r, true, nil
}
