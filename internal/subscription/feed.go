package subscription

import (
	"context"
	"fmt"
	"time"

	"github.com/gridedge/der-utility-server/internal/store"
)

// entitiesFromSites reduces a changed-at Site fetch to ChangedEntity,
// keyed by (aggregator_id, site_id) per §4.7.
func entitiesFromSites(sites []store.Site, deleted bool) []ChangedEntity {
	out := make([]ChangedEntity, 0, len(sites))
	for _, s := range sites {
		out = append(out, ChangedEntity{
			Resource: store.ResourceSite,
			EntityID: s.ID,
			BatchKey: BatchKey{AggregatorID: s.AggregatorID, SiteID: s.ID},
			FilterID: s.ID,
			Attributes: map[string]int64{
				"deviceCategory": s.DeviceCategory,
			},
			Deleted: deleted,
		})
	}

	return out
}

func entitiesFromDOEs(does []store.DOEWithAggregator, deleted bool) []ChangedEntity {
	out := make([]ChangedEntity, 0, len(does))
	for _, d := range does {
		attrs := map[string]int64{}
		if d.ImportLimitWatts != nil {
			attrs["importLimitWatts"] = *d.ImportLimitWatts
		}
		if d.ExportLimitWatts != nil {
			attrs["exportLimitWatts"] = *d.ExportLimitWatts
		}

		out = append(out, ChangedEntity{
			Resource:   store.ResourceDynamicOperatingEnvelope,
			EntityID:   d.ID,
			BatchKey:   BatchKey{AggregatorID: d.AggregatorID, SiteID: d.SiteID},
			FilterID:   d.SiteID,
			Attributes: attrs,
			Deleted:    deleted,
		})
	}

	return out
}

func entitiesFromReadings(readings []store.ReadingWithType, deleted bool) []ChangedEntity {
	out := make([]ChangedEntity, 0, len(readings))
	for _, r := range readings {
		out = append(out, ChangedEntity{
			Resource: store.ResourceReading,
			EntityID: r.ReadingTypeID,
			BatchKey: BatchKey{AggregatorID: r.AggregatorID, SiteID: r.SiteID, ReadingTypeID: r.ReadingTypeID},
			FilterID: r.ReadingTypeID,
			Attributes: map[string]int64{
				"value": r.Value,
			},
			Deleted: deleted,
		})
	}

	return out
}

func entitiesFromRates(rates []store.RateWithAggregator, deleted bool) []ChangedEntity {
	out := make([]ChangedEntity, 0, len(rates))
	for _, r := range rates {
		out = append(out, ChangedEntity{
			Resource: store.ResourceTariffGeneratedRate,
			EntityID: r.ID,
			BatchKey: BatchKey{
				AggregatorID: r.AggregatorID,
				SiteID:       r.SiteID,
				TariffID:     r.TariffID,
				Day:          r.StartTime.UTC().Format("2006-01-02"),
			},
			FilterID: r.TariffID,
			Attributes: map[string]int64{
				"importActivePrice": r.ImportActivePrice,
				"exportActivePrice": r.ExportActivePrice,
			},
			Deleted: deleted,
		})
	}

	return out
}

// Feed fetches the rows that changed (or were archived as deleted) at a
// given instant, for every resource family the matcher understands. A
// thin adapter over *store.DB kept separate from subscription's core
// logic so that logic stays unit-testable without a database.
type Feed struct {
	DB *store.DB
}

// FetchChangedAt loads the ChangedEntity set for resource at timestamp:
// live rows whose changed_time equals timestamp, plus — when
// includeDeleted is set — archive rows whose deleted_time equals
// timestamp (the delete-notification case, per §4.7/§4.8). Archive rows
// are fetched for SITE and DOE only; for readings and tariff rates
// includeDeleted has no effect.
func (f *Feed) FetchChangedAt(ctx context.Context, resource store.ResourceType, timestamp time.Time, includeDeleted bool) ([]ChangedEntity, error) {
	switch resource {
	case store.ResourceSite:
		live, err := f.DB.SelectSitesChangedAt(ctx, timestamp)
		if err != nil {
			return nil, err
		}

		out := entitiesFromSites(live, false)

		if includeDeleted {
			deleted, err := f.DB.SelectArchivedSitesDeletedAt(ctx, timestamp)
			if err != nil {
				return nil, err
			}

			out = append(out, entitiesFromSites(deleted, true)...)
		}

		return out, nil

	case store.ResourceDynamicOperatingEnvelope:
		live, err := f.DB.SelectDOEsChangedAt(ctx, timestamp)
		if err != nil {
			return nil, err
		}

		out := entitiesFromDOEs(live, false)

		if includeDeleted {
			deleted, err := f.DB.SelectArchivedDOEsDeletedAt(ctx, timestamp)
			if err != nil {
				return nil, err
			}

			out = append(out, entitiesFromDOEs(deleted, true)...)
		}

		return out, nil

	case store.ResourceReading:
		live, err := f.DB.SelectReadingsChangedAt(ctx, timestamp)
		if err != nil {
			return nil, err
		}

		return entitiesFromReadings(live, false), nil

	case store.ResourceTariffGeneratedRate:
		live, err := f.DB.SelectRatesChangedAt(ctx, timestamp)
		if err != nil {
			return nil, err
		}

		return entitiesFromRates(live, false), nil

	default:
		return nil, fmt.Errorf("subscription: unsupported resource %d", resource)
	}
}
