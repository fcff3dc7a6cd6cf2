//go:build integration

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gridedge/der-utility-server/internal/store"
)

func TestControlGroupAndDOELifecycle(t *testing.T) {
	app, db := newTestApp(t)
	ctx := context.Background()

	createResp := doRequest(t, app, http.MethodPost, "/edev", createEndDeviceRequest{LFDI: testAggregatorLFDI[:40]})
	defer func() { _ = createResp.Body.Close() }()
	require.Equal(t, http.StatusCreated, createResp.StatusCode)

	listResp := doRequest(t, app, http.MethodGet, "/edev", nil)
	defer func() { _ = listResp.Body.Close() }()

	var list struct {
		EndDevice []endDeviceView `json:"EndDevice"`
	}
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&list))
	siteID := list.EndDevice[0].ID

	var groupID int64
	require.NoError(t, db.Pool.QueryRow(ctx,
		`INSERT INTO site_control_group (site_id, name, primacy) VALUES ($1, $2, $3) RETURNING site_control_group_id`,
		siteID, "program-a", 0).Scan(&groupID))

	listGroupsResp := doRequest(t, app, http.MethodGet, "/edev/"+formatInt64(siteID)+"/derp", nil)
	defer func() { _ = listGroupsResp.Body.Close() }()
	require.Equal(t, http.StatusOK, listGroupsResp.StatusCode)

	var groups struct {
		DERProgram []derProgramView `json:"DERProgram"`
	}
	require.NoError(t, json.NewDecoder(listGroupsResp.Body).Decode(&groups))
	require.Len(t, groups.DERProgram, 1)
	require.Equal(t, "program-a", groups.DERProgram[0].Name)

	getGroupResp := doRequest(t, app, http.MethodGet,
		"/edev/"+formatInt64(siteID)+"/derp/"+formatInt64(groupID), nil)
	defer func() { _ = getGroupResp.Body.Close() }()
	require.Equal(t, http.StatusOK, getGroupResp.StatusCode)

	missingGroupResp := doRequest(t, app, http.MethodGet,
		"/edev/"+formatInt64(siteID)+"/derp/"+formatInt64(groupID+1000), nil)
	defer func() { _ = missingGroupResp.Body.Close() }()
	require.Equal(t, http.StatusNotFound, missingGroupResp.StatusCode)

	now := time.Now().UTC().Truncate(time.Second)
	imp := int64(7000)
	require.NoError(t, db.UpsertDOEs(ctx, []store.UpsertDOERequest{{
		SiteID: siteID, StartTime: now.Add(-time.Minute), DurationSeconds: 3600, ImportLimitWatts: &imp,
	}}, now))

	doeListResp := doRequest(t, app, http.MethodGet,
		"/edev/"+formatInt64(siteID)+"/derp/"+formatInt64(groupID)+"/derc", nil)
	defer func() { _ = doeListResp.Body.Close() }()
	require.Equal(t, http.StatusOK, doeListResp.StatusCode)

	var does struct {
		DERControl []doeView `json:"DERControl"`
	}
	require.NoError(t, json.NewDecoder(doeListResp.Body).Decode(&does))
	require.Len(t, does.DERControl, 1)
	require.Equal(t, imp, *does.DERControl[0].ImportLimitWatts)

	activeResp := doRequest(t, app, http.MethodGet,
		"/edev/"+formatInt64(siteID)+"/derp/"+formatInt64(groupID)+"/derc/active", nil)
	defer func() { _ = activeResp.Body.Close() }()
	require.Equal(t, http.StatusOK, activeResp.StatusCode)
}

func TestDefaultControlHandler_MergesSiteAndGlobal(t *testing.T) {
	app, db := newTestApp(t)
	ctx := context.Background()

	createResp := doRequest(t, app, http.MethodPost, "/edev", createEndDeviceRequest{LFDI: testAggregatorLFDI[:40]})
	defer func() { _ = createResp.Body.Close() }()
	require.Equal(t, http.StatusCreated, createResp.StatusCode)

	listResp := doRequest(t, app, http.MethodGet, "/edev", nil)
	defer func() { _ = listResp.Body.Close() }()

	var list struct {
		EndDevice []endDeviceView `json:"EndDevice"`
	}
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&list))
	siteID := list.EndDevice[0].ID

	noDefaultResp := doRequest(t, app, http.MethodGet,
		"/edev/"+formatInt64(siteID)+"/derp/1/dderc", nil)
	defer func() { _ = noDefaultResp.Body.Close() }()
	require.Equal(t, http.StatusNotFound, noDefaultResp.StatusCode)

	siteImport := int64(4200)
	_, err := db.Pool.Exec(ctx,
		"INSERT INTO default_site_control (site_id, default_import_limit_watts) VALUES ($1, $2)",
		siteID, siteImport)
	require.NoError(t, err)

	app.opts.DefaultDOEExportActiveWatts = int64Ptr(9000)

	okResp := doRequest(t, app, http.MethodGet, "/edev/"+formatInt64(siteID)+"/derp/1/dderc", nil)
	defer func() { _ = okResp.Body.Close() }()
	require.Equal(t, http.StatusOK, okResp.StatusCode)

	var got defaultControlView
	require.NoError(t, json.NewDecoder(okResp.Body).Decode(&got))
	require.Equal(t, siteImport, *got.ImportLimitWatts)
	require.Equal(t, int64(9000), *got.ExportLimitWatts)
}

func int64Ptr(v int64) *int64 { return &v }
