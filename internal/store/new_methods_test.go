//go:build integration

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestListSitesForAggregator_OnlyOwnSites(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	_, err := db.RegisterSite(ctx, 1, RegisterSiteRequest{LFDI: "owned-a", SFDI: 1}, now)
	require.NoError(t, err)
	_, err = db.RegisterSite(ctx, 1, RegisterSiteRequest{LFDI: "owned-b", SFDI: 2}, now)
	require.NoError(t, err)
	_, err = db.RegisterSite(ctx, 2, RegisterSiteRequest{LFDI: "other", SFDI: 3}, now)
	require.NoError(t, err)

	sites, err := db.ListSitesForAggregator(ctx, 1)
	require.NoError(t, err)
	require.Len(t, sites, 2)
}

func TestUpdateSiteConnectionPoint(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	siteID, err := db.RegisterSite(ctx, 1, RegisterSiteRequest{LFDI: "cp-site", SFDI: 1}, now)
	require.NoError(t, err)

	require.NoError(t, db.UpdateSiteConnectionPoint(ctx, 1, siteID, "4123456789", now.Add(time.Minute)))

	s, err := db.GetSiteForScope(ctx, 1, siteID)
	require.NoError(t, err)
	require.Equal(t, "4123456789", s.NMI)
}

func TestUpdateSiteConnectionPoint_WrongAggregatorNotFound(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	siteID, err := db.RegisterSite(ctx, 1, RegisterSiteRequest{LFDI: "cp-site-2", SFDI: 2}, now)
	require.NoError(t, err)

	err = db.UpdateSiteConnectionPoint(ctx, 99, siteID, "4123456789", now.Add(time.Minute))
	require.Error(t, err)
}

func TestCountSitesForAggregator(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	count, err := db.CountSitesForAggregator(ctx, 5)
	require.NoError(t, err)
	require.Equal(t, int64(0), count)

	_, err = db.RegisterSite(ctx, 5, RegisterSiteRequest{LFDI: "count-a", SFDI: 1}, now)
	require.NoError(t, err)

	count, err = db.CountSitesForAggregator(ctx, 5)
	require.NoError(t, err)
	require.Equal(t, int64(1), count)
}

func TestGetSiteBySFDI(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	siteID, err := db.RegisterSite(ctx, 3, RegisterSiteRequest{LFDI: "sfdi-site", SFDI: 424242}, now)
	require.NoError(t, err)

	found, ok, err := db.GetSiteBySFDI(ctx, 424242, 3)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, siteID, found)

	_, ok, err = db.GetSiteBySFDI(ctx, 424242, 4)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCountReadingTypesForAggregator(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	siteID, err := db.RegisterSite(ctx, 1, RegisterSiteRequest{LFDI: "mup-site", SFDI: 1}, time.Now().UTC())
	require.NoError(t, err)

	count, err := db.CountReadingTypesForAggregator(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, int64(0), count)

	_, err = db.UpsertReadingType(ctx, UpsertReadingTypeRequest{
		AggregatorID: 1, SiteID: siteID, DeviceLFDI: "mup-site", UOM: 38, Kind: 0,
	}, "mup-site", true)
	require.NoError(t, err)

	count, err = db.CountReadingTypesForAggregator(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, int64(1), count)
}

func TestGetResponse(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	siteID, err := db.RegisterSite(ctx, 1, RegisterSiteRequest{LFDI: "rsp-site", SFDI: 1}, time.Now().UTC())
	require.NoError(t, err)

	doeID := int64(7)

	id, err := db.InsertResponse(ctx, siteID, ResponseSetDynamicOperatingEnvelopes, 1, &doeID, nil)
	require.NoError(t, err)

	r, err := db.GetResponse(ctx, siteID, id)
	require.NoError(t, err)
	require.Equal(t, siteID, r.SiteID)
	require.Equal(t, ResponseSetDynamicOperatingEnvelopes, r.ResponseSetType)
	require.Equal(t, doeID, *r.DOEIDSnapshot)

	_, err = db.GetResponse(ctx, siteID, id+1000)
	require.Error(t, err)
}

func TestSelectAllClientIdentities(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	var certID int64
	require.NoError(t, db.Pool.QueryRow(ctx,
		"INSERT INTO certificate (lfdi, expiry) VALUES ($1, $2) RETURNING certificate_id",
		"agg-cert-lfdi", time.Now().UTC().Add(time.Hour)).Scan(&certID))

	_, err := db.Pool.Exec(ctx,
		"INSERT INTO certificate_assignment (certificate_id, aggregator_id) VALUES ($1, $2)", certID, 9)
	require.NoError(t, err)

	identities, err := db.SelectAllClientIdentities(ctx)
	require.NoError(t, err)
	require.Len(t, identities, 1)
	require.Equal(t, "agg-cert-lfdi", identities[0].LFDI)
	require.Equal(t, int64(9), identities[0].AggregatorID)
}
