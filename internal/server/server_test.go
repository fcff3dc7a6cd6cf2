//go:build integration

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/gridedge/der-utility-server/internal/config"
	"github.com/gridedge/der-utility-server/internal/scope"
	"github.com/gridedge/der-utility-server/internal/store"
)

const testSchemaDDL = `
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
CREATE TABLE site_control_group (
	site_control_group_id bigserial primary key, site_id bigint not null, name text not null default '',
	primacy int not null default 0, version bigint not null default 0,
	default_import_limit_watts bigint, default_export_limit_watts bigint,
	default_generation_limit_watts bigint, default_load_limit_watts bigint, default_ramp_rate_seconds bigint,
	changed_time timestamptz not null default now()
);
CREATE TABLE default_site_control (
	site_id bigint primary key, default_import_limit_watts bigint, default_export_limit_watts bigint,
	default_generation_limit_watts bigint, default_load_limit_watts bigint, default_ramp_rate_seconds bigint
);
CREATE TABLE subscription (subscription_id bigserial primary key, aggregator_id bigint, scoped_site_id bigint, changed_time timestamptz);
CREATE TABLE archive_subscription (LIKE subscription INCLUDING ALL, archive_id bigserial, archive_time timestamptz, deleted_time timestamptz);
CREATE TABLE site_log_event (site_log_event_id bigserial primary key, site_id bigint, changed_time timestamptz);
CREATE TABLE archive_site_log_event (LIKE site_log_event INCLUDING ALL, archive_id bigserial, archive_time timestamptz, deleted_time timestamptz);
`

// testAggregatorLFDI is a syntactically valid 64-char hex SHA-256
// fingerprint; LFDIFromFingerprint takes its first 40 chars as the LFDI.
const testAggregatorLFDI = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaabbbbbbbbbbbbbbbbbbbbbbbb"

func newTestApp(t *testing.T) (*App, *store.DB) {
	t.Helper()

	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("server_test"),
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

	_, err = pool.Exec(ctx, testSchemaDDL)
	require.NoError(t, err)

	db := store.New(pool)

	resolver := &scope.Resolver{
		CertHeader:              "x-forwarded-client-cert",
		AllowDeviceRegistration: true,
		HrefPrefix:              "",
		PEN:                     57057,
		AggregatorLookup: func(ctx context.Context, lfdi string) (scope.ClientIdentity, bool, error) {
			if lfdi == testAggregatorLFDI[:40] {
				return scope.ClientIdentity{LFDI: lfdi, AggregatorID: 1}, true, nil
			}

			return scope.ClientIdentity{}, false, nil
		},
		DeviceLookup: func(ctx context.Context, sfdi uint64, aggregatorID int64) (int64, bool, error) {
			return 0, false, nil
		},
	}

	opts := &config.Options{
		CertHeader:              "x-forwarded-client-cert",
		AllowDeviceRegistration: true,
		IANAPEN:                 57057,
		EnableNotifications:     false,
	}

	return NewApp(opts, db, resolver, nil), db
}

func doRequest(t *testing.T, app *App, method, path string, body any) *http.Response {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-forwarded-client-cert", testAggregatorLFDI)

	resp, err := app.fiber.Test(req, -1)
	require.NoError(t, err)

	return resp
}

func TestDcapHandler_ReportsCounts(t *testing.T) {
	app, _ := newTestApp(t)

	resp := doRequest(t, app, http.MethodGet, "/dcap", nil)
	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got dcapResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.Equal(t, int64(0), got.EndDeviceListLink.All)
}

func TestEndDeviceLifecycle_CreateGetDelete(t *testing.T) {
	app, _ := newTestApp(t)

	createResp := doRequest(t, app, http.MethodPost, "/edev", createEndDeviceRequest{
		LFDI:           testAggregatorLFDI[:40],
		DeviceCategory: 0,
		TimezoneID:     "Australia/Sydney",
	})
	defer func() { _ = createResp.Body.Close() }()
	require.Equal(t, http.StatusCreated, createResp.StatusCode)

	location := createResp.Header.Get(http.CanonicalHeaderKey("Location"))
	require.NotEmpty(t, location)

	listResp := doRequest(t, app, http.MethodGet, "/edev", nil)
	defer func() { _ = listResp.Body.Close() }()
	require.Equal(t, http.StatusOK, listResp.StatusCode)

	var list struct {
		EndDevice []endDeviceView `json:"EndDevice"`
	}
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&list))
	require.Len(t, list.EndDevice, 1)

	siteID := list.EndDevice[0].ID

	getResp := doRequest(t, app, http.MethodGet, "/edev/"+formatInt64(siteID), nil)
	defer func() { _ = getResp.Body.Close() }()
	require.Equal(t, http.StatusOK, getResp.StatusCode)

	delResp := doRequest(t, app, http.MethodDelete, "/edev/"+formatInt64(siteID), nil)
	defer func() { _ = delResp.Body.Close() }()
	require.Equal(t, http.StatusNoContent, delResp.StatusCode)

	missingResp := doRequest(t, app, http.MethodGet, "/edev/"+formatInt64(siteID), nil)
	defer func() { _ = missingResp.Body.Close() }()
	require.Equal(t, http.StatusNotFound, missingResp.StatusCode)
}

func TestFSAHandler_ImplicitSingleResource(t *testing.T) {
	app, _ := newTestApp(t)

	createResp := doRequest(t, app, http.MethodPost, "/edev", createEndDeviceRequest{
		LFDI: testAggregatorLFDI[:40],
	})
	defer func() { _ = createResp.Body.Close() }()
	require.Equal(t, http.StatusCreated, createResp.StatusCode)

	listResp := doRequest(t, app, http.MethodGet, "/edev", nil)
	defer func() { _ = listResp.Body.Close() }()

	var list struct {
		EndDevice []endDeviceView `json:"EndDevice"`
	}
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&list))
	siteID := list.EndDevice[0].ID

	okResp := doRequest(t, app, http.MethodGet, "/edev/"+formatInt64(siteID)+"/fsa/1", nil)
	defer func() { _ = okResp.Body.Close() }()
	require.Equal(t, http.StatusOK, okResp.StatusCode)

	missingResp := doRequest(t, app, http.MethodGet, "/edev/"+formatInt64(siteID)+"/fsa/2", nil)
	defer func() { _ = missingResp.Body.Close() }()
	require.Equal(t, http.StatusNotFound, missingResp.StatusCode)
}
