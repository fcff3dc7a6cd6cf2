//go:build integration

package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()

	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("store_test"),
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

	return New(pool)
}

const schemaDDL = `
CREATE TABLE site (
	site_id bigserial primary key, lfdi text unique not null, sfdi bigint not null,
	aggregator_id bigint not null, device_category bigint not null default 0,
	timezone_id text not null default '', nmi text not null default '',
	registration_pin int not null, changed_time timestamptz not null
);
CREATE TABLE archive_site (LIKE site INCLUDING ALL, archive_id bigserial, archive_time timestamptz, deleted_time timestamptz);
CREATE TABLE site_der_rating (site_der_rating_id bigserial primary key, site_id bigint, changed_time timestamptz);
CREATE TABLE archive_site_der_rating (LIKE site_der_rating INCLUDING ALL, archive_id bigserial, archive_time timestamptz, deleted_time timestamptz);
CREATE TABLE site_der_setting (site_der_setting_id bigserial primary key, site_id bigint, changed_time timestamptz);
CREATE TABLE archive_site_der_setting (LIKE site_der_setting INCLUDING ALL, archive_id bigserial, archive_time timestamptz, deleted_time timestamptz);
CREATE TABLE site_der_availability (site_der_availability_id bigserial primary key, site_id bigint, changed_time timestamptz);
CREATE TABLE archive_site_der_availability (LIKE site_der_availability INCLUDING ALL, archive_id bigserial, archive_time timestamptz, deleted_time timestamptz);
CREATE TABLE site_der_status (site_der_status_id bigserial primary key, site_id bigint, changed_time timestamptz);
CREATE TABLE archive_site_der_status (LIKE site_der_status INCLUDING ALL, archive_id bigserial, archive_time timestamptz, deleted_time timestamptz);
CREATE TABLE site_reading_type (
	site_reading_type_id bigserial primary key, aggregator_id bigint not null, site_id bigint not null,
	device_lfdi text not null default '', uom int not null default 0, kind int not null default 0,
	phase int not null default 0, flow_direction int not null default 0, data_qualifier int not null default 0,
	accumulation_behaviour int not null default 0, power_of_ten_multiplier int not null default 0,
	default_interval_seconds int not null default 0, changed_time timestamptz not null,
	unique (aggregator_id, site_id, uom, kind, phase, flow_direction, data_qualifier, accumulation_behaviour)
);
CREATE TABLE archive_site_reading_type (LIKE site_reading_type INCLUDING ALL, archive_id bigserial, archive_time timestamptz, deleted_time timestamptz);
ALTER TABLE archive_site_reading_type DROP CONSTRAINT IF EXISTS archive_site_reading_type_aggregator_id_site_id_uom_kind_ph_key;
CREATE TABLE certificate (certificate_id bigserial primary key, lfdi text unique not null, expiry timestamptz);
CREATE TABLE certificate_assignment (certificate_id bigint primary key references certificate(certificate_id), aggregator_id bigint not null);
CREATE TABLE response (
	response_id bigserial primary key, site_id bigint not null, response_set_type int not null,
	response_type int not null, doe_id_snapshot bigint, rate_id_snapshot bigint, created_time timestamptz not null
);
CREATE TABLE site_reading (site_reading_id bigserial primary key, site_reading_type_id bigint, changed_time timestamptz);
CREATE TABLE archive_site_reading (LIKE site_reading INCLUDING ALL, archive_id bigserial, archive_time timestamptz, deleted_time timestamptz);
CREATE TABLE tariff_generated_rate (tariff_generated_rate_id bigserial primary key, site_id bigint, tariff_id bigint, start_time timestamptz, changed_time timestamptz);
CREATE TABLE archive_tariff_generated_rate (LIKE tariff_generated_rate INCLUDING ALL, archive_id bigserial, archive_time timestamptz, deleted_time timestamptz);
CREATE TABLE dynamic_operating_envelope (
	dynamic_operating_envelope_id bigserial primary key, site_id bigint not null,
	start_time timestamptz not null, duration_seconds bigint not null, end_time timestamptz not null,
	import_limit_watts bigint, export_limit_watts bigint, generation_limit_watts bigint, load_limit_watts bigint,
	ramp_rate_seconds bigint, superseded boolean not null default false, changed_time timestamptz not null,
	unique (site_id, start_time)
);
CREATE TABLE archive_dynamic_operating_envelope (LIKE dynamic_operating_envelope INCLUDING ALL, archive_id bigserial, archive_time timestamptz, deleted_time timestamptz);
ALTER TABLE archive_dynamic_operating_envelope DROP CONSTRAINT archive_dynamic_operating_envelope_site_id_start_time_key;
CREATE TABLE subscription (subscription_id bigserial primary key, aggregator_id bigint, scoped_site_id bigint, changed_time timestamptz);
CREATE TABLE archive_subscription (LIKE subscription INCLUDING ALL, archive_id bigserial, archive_time timestamptz, deleted_time timestamptz);
CREATE TABLE site_log_event (site_log_event_id bigserial primary key, site_id bigint, changed_time timestamptz);
CREATE TABLE archive_site_log_event (LIKE site_log_event INCLUDING ALL, archive_id bigserial, archive_time timestamptz, deleted_time timestamptz);
`

func TestRegisterSite_IdempotentUnderSameAggregator(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	req := RegisterSiteRequest{LFDI: "abc123", SFDI: 999, TimezoneID: "Australia/Sydney"}

	first, err := db.RegisterSite(ctx, 7, req, now)
	require.NoError(t, err)

	second, err := db.RegisterSite(ctx, 7, req, now)
	require.NoError(t, err)

	require.Equal(t, first, second)
}

func TestRegisterSite_ConflictAcrossAggregators(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	req := RegisterSiteRequest{LFDI: "def456", SFDI: 111, TimezoneID: "Australia/Sydney"}

	_, err := db.RegisterSite(ctx, 7, req, now)
	require.NoError(t, err)

	_, err = db.RegisterSite(ctx, 8, req, now)
	require.Error(t, err)
}

func TestUpsertDOEs_ThenSelectActive(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	siteID, err := db.RegisterSite(ctx, 1, RegisterSiteRequest{LFDI: "site-a", SFDI: 1}, now)
	require.NoError(t, err)

	start := now.Add(-time.Minute)
	imp := int64(5000)

	err = db.UpsertDOEs(ctx, []UpsertDOERequest{{
		SiteID: siteID, StartTime: start, DurationSeconds: 3600, ImportLimitWatts: &imp,
	}}, now)
	require.NoError(t, err)

	does, err := db.SelectActiveDOEsIncludeDeleted(ctx, siteID, now, now.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, does, 1)
	require.Equal(t, int64(5000), *does[0].ImportLimitWatts)
}

func TestDeleteSite_CascadesDOEs(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	siteID, err := db.RegisterSite(ctx, 1, RegisterSiteRequest{LFDI: "site-b", SFDI: 2}, now)
	require.NoError(t, err)

	err = db.UpsertDOEs(ctx, []UpsertDOERequest{{SiteID: siteID, StartTime: now, DurationSeconds: 60}}, now)
	require.NoError(t, err)

	require.NoError(t, db.DeleteSite(ctx, siteID, now))

	_, err = db.GetSiteForScope(ctx, 1, siteID)
	require.Error(t, err)

	var count int
	require.NoError(t, db.Pool.QueryRow(ctx, "SELECT count(*) FROM dynamic_operating_envelope WHERE site_id = $1", siteID).Scan(&count))
	require.Equal(t, 0, count)
}
