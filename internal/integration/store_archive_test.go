//go:build integration

package integration

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/gridedge/der-utility-server/internal/archive"
	"github.com/gridedge/der-utility-server/internal/store"
)

// newTestStore starts a Postgres container, applies the schema subset
// exercised by these tests, and returns both the typed store and the raw
// pool (for asserting directly against archive tables, the way a
// notification/audit reader would).
func newTestStore(t *testing.T) (*store.DB, *pgxpool.Pool) {
	t.Helper()

	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("integration_test"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		tcpostgres.WithWaitStrategy(wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = pool.Exec(ctx, schemaDDL)
	require.NoError(t, err)

	return store.New(pool), pool
}

const schemaDDL = `
CREATE TABLE site (
	site_id bigserial primary key, lfdi text unique not null, sfdi bigint not null,
	aggregator_id bigint not null, device_category bigint not null default 0,
	timezone_id text not null default '', nmi text not null default '',
	registration_pin int not null, changed_time timestamptz not null
);
CREATE TABLE archive_site (LIKE site INCLUDING ALL, archive_id bigserial, archive_time timestamptz, deleted_time timestamptz);
CREATE TABLE dynamic_operating_envelope (
	dynamic_operating_envelope_id bigserial primary key, site_id bigint not null,
	start_time timestamptz not null, duration_seconds bigint not null, end_time timestamptz not null,
	import_limit_watts bigint, export_limit_watts bigint, generation_limit_watts bigint, load_limit_watts bigint,
	ramp_rate_seconds bigint, superseded boolean not null default false, changed_time timestamptz not null,
	unique (site_id, start_time)
);
CREATE TABLE archive_dynamic_operating_envelope (LIKE dynamic_operating_envelope INCLUDING ALL, archive_id bigserial, archive_time timestamptz, deleted_time timestamptz);
ALTER TABLE archive_dynamic_operating_envelope DROP CONSTRAINT archive_dynamic_operating_envelope_site_id_start_time_key;
CREATE TABLE site_der_rating (site_der_rating_id bigserial primary key, site_id bigint, changed_time timestamptz);
CREATE TABLE archive_site_der_rating (LIKE site_der_rating INCLUDING ALL, archive_id bigserial, archive_time timestamptz, deleted_time timestamptz);
CREATE TABLE site_der_setting (site_der_setting_id bigserial primary key, site_id bigint, changed_time timestamptz);
CREATE TABLE archive_site_der_setting (LIKE site_der_setting INCLUDING ALL, archive_id bigserial, archive_time timestamptz, deleted_time timestamptz);
CREATE TABLE site_der_availability (site_der_availability_id bigserial primary key, site_id bigint, changed_time timestamptz);
CREATE TABLE archive_site_der_availability (LIKE site_der_availability INCLUDING ALL, archive_id bigserial, archive_time timestamptz, deleted_time timestamptz);
CREATE TABLE site_der_status (site_der_status_id bigserial primary key, site_id bigint, changed_time timestamptz);
CREATE TABLE archive_site_der_status (LIKE site_der_status INCLUDING ALL, archive_id bigserial, archive_time timestamptz, deleted_time timestamptz);
CREATE TABLE site_reading_type (site_reading_type_id bigserial primary key, site_id bigint, changed_time timestamptz);
CREATE TABLE archive_site_reading_type (LIKE site_reading_type INCLUDING ALL, archive_id bigserial, archive_time timestamptz, deleted_time timestamptz);
CREATE TABLE site_reading (site_reading_id bigserial primary key, site_reading_type_id bigint, changed_time timestamptz);
CREATE TABLE archive_site_reading (LIKE site_reading INCLUDING ALL, archive_id bigserial, archive_time timestamptz, deleted_time timestamptz);
CREATE TABLE tariff_generated_rate (tariff_generated_rate_id bigserial primary key, site_id bigint, tariff_id bigint, start_time timestamptz, changed_time timestamptz);
CREATE TABLE archive_tariff_generated_rate (LIKE tariff_generated_rate INCLUDING ALL, archive_id bigserial, archive_time timestamptz, deleted_time timestamptz);
CREATE TABLE subscription (subscription_id bigserial primary key, aggregator_id bigint, scoped_site_id bigint, changed_time timestamptz);
CREATE TABLE archive_subscription (LIKE subscription INCLUDING ALL, archive_id bigserial, archive_time timestamptz, deleted_time timestamptz);
CREATE TABLE site_log_event (site_log_event_id bigserial primary key, site_id bigint, changed_time timestamptz);
CREATE TABLE archive_site_log_event (LIKE site_log_event INCLUDING ALL, archive_id bigserial, archive_time timestamptz, deleted_time timestamptz);
`

// TestArchiveBeforeMutate_DOEUpdate covers spec.md §8's archive-before-mutate
// property: a second UpsertDOEs call at the same (site_id, start_time)
// archives exactly one row carrying the pre-image, while the live row
// reflects the new value.
func TestArchiveBeforeMutate_DOEUpdate(t *testing.T) {
	db, pool := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	siteID, err := db.RegisterSite(ctx, 1, store.RegisterSiteRequest{LFDI: "archive-doe-site", SFDI: 1}, now)
	require.NoError(t, err)

	start := now.Add(-time.Hour)
	before := now.Add(-time.Minute)
	after := now.Add(time.Minute)

	oldLimit := int64(5000)
	require.NoError(t, db.UpsertDOEs(ctx, []store.UpsertDOERequest{{
		SiteID: siteID, StartTime: start, DurationSeconds: 3600, ImportLimitWatts: &oldLimit,
	}}, before))

	count, err := archive.CountForPeriod(ctx, pool, "archive_dynamic_operating_envelope",
		archive.Period{Start: before.Add(-time.Second), End: after})
	require.NoError(t, err)
	require.Equal(t, int64(0), count, "no archive row should exist before the first update is superseded")

	newLimit := int64(7500)
	require.NoError(t, db.UpsertDOEs(ctx, []store.UpsertDOERequest{{
		SiteID: siteID, StartTime: start, DurationSeconds: 3600, ImportLimitWatts: &newLimit,
	}}, after))

	count, err = archive.CountForPeriod(ctx, pool, "archive_dynamic_operating_envelope",
		archive.Period{Start: before.Add(-time.Second), End: after.Add(time.Second)})
	require.NoError(t, err)
	require.Equal(t, int64(1), count, "exactly one archive row should exist after the update")

	var archivedImportLimit int64
	require.NoError(t, pool.QueryRow(ctx,
		"SELECT import_limit_watts FROM archive_dynamic_operating_envelope WHERE site_id = $1", siteID,
	).Scan(&archivedImportLimit))
	require.Equal(t, oldLimit, archivedImportLimit, "archive row must carry the pre-image, not the new value")

	doe, found, err := db.GetDOE(ctx, doeIDFor(ctx, t, pool, siteID))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, newLimit, *doe.ImportLimitWatts, "live row must reflect the new value")
}

func doeIDFor(ctx context.Context, t *testing.T, pool *pgxpool.Pool, siteID int64) int64 {
	t.Helper()

	var id int64
	require.NoError(t, pool.QueryRow(ctx,
		"SELECT dynamic_operating_envelope_id FROM dynamic_operating_envelope WHERE site_id = $1", siteID,
	).Scan(&id))

	return id
}

// TestRegisterSite_IdempotentAcrossAndWithinAggregator covers spec.md §8's
// idempotent-registration property end to end: a repeated registration
// under the same aggregator returns the same site id and inserts no
// duplicate row, while the same LFDI under a different aggregator is a
// Conflict.
func TestRegisterSite_IdempotentAcrossAndWithinAggregator(t *testing.T) {
	db, pool := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	req := store.RegisterSiteRequest{LFDI: "idempotent-site", SFDI: 42}

	first, err := db.RegisterSite(ctx, 1, req, now)
	require.NoError(t, err)

	second, err := db.RegisterSite(ctx, 1, req, now.Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, first, second, "repeated registration under the same aggregator must be idempotent")

	var rowCount int64
	require.NoError(t, pool.QueryRow(ctx, "SELECT count(*) FROM site WHERE lfdi = $1", req.LFDI).Scan(&rowCount))
	require.Equal(t, int64(1), rowCount, "idempotent registration must not duplicate the site row")

	_, err = db.RegisterSite(ctx, 2, req, now)
	require.Error(t, err, "the same LFDI under a different aggregator must conflict")
}

// TestArchiveAwareFetch_AfterSiteDelete covers spec.md §8's archive-aware
// fetch property: deleting a site moves it into archive_site with
// deleted_time set, and FetchWithArchiveByID still resolves the last-known
// state for a now-missing live row.
func TestArchiveAwareFetch_AfterSiteDelete(t *testing.T) {
	db, pool := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	siteID, err := db.RegisterSite(ctx, 1, store.RegisterSiteRequest{LFDI: "deleted-site", SFDI: 7}, now)
	require.NoError(t, err)

	deletedAt := now.Add(time.Minute)
	require.NoError(t, db.DeleteSite(ctx, siteID, deletedAt))

	_, err = db.GetSiteForScope(ctx, 1, siteID)
	require.Error(t, err, "GetSiteForScope must not see a deleted site")

	var lfdis []string
	var deletedTimes []time.Time

	liveColumns := []string{"site_id", "lfdi"}
	archiveColumns := []string{"site_id", "lfdi", "deleted_time"}

	missing, err := archive.FetchWithArchiveByID(ctx, pool,
		"site", "archive_site", liveColumns, archiveColumns,
		"site_id", "site_id", []int64{siteID},
		func(rows pgx.Rows) (int64, error) {
			var id int64
			var lfdi string
			if err := rows.Scan(&id, &lfdi); err != nil {
				return 0, err
			}

			return id, nil
		},
		func(rows pgx.Rows) error {
			var id int64
			var lfdi string
			var deletedTime time.Time
			if err := rows.Scan(&id, &lfdi, &deletedTime); err != nil {
				return err
			}

			lfdis = append(lfdis, lfdi)
			deletedTimes = append(deletedTimes, deletedTime)

			return nil
		},
	)
	require.NoError(t, err)
	require.Equal(t, []int64{siteID}, missing, "a deleted site must be reported missing from the live table")
	require.Equal(t, []string{"deleted-site"}, lfdis, "the archive fetch must carry the last-known LFDI")
	require.Len(t, deletedTimes, 1)
	require.True(t, deletedTimes[0].Equal(deletedAt), "the archived row must carry the delete's deleted_time")
}
