package server

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/gridedge/der-utility-server/internal/mrid"
	"github.com/gridedge/der-utility-server/internal/store"
)

// epoch is the "after" watermark a GET /derc list with no pagination
// cursor passes, surfacing every archived deletion alongside live rows.
var epoch = time.Unix(0, 0).UTC()

type derProgramView struct {
	MRID    string `json:"mRID"`
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	Primacy int    `json:"primacy"`
}

func (a *App) derProgramView(g store.SiteControlGroup) derProgramView {
	return derProgramView{
		MRID:    mrid.EncodeDERProgram(a.opts.IANAPEN, g.SiteID),
		ID:      g.ID,
		Name:    g.Name,
		Primacy: g.Primacy,
	}
}

// listControlGroupsHandler implements GET /edev/{id}/derp.
func (a *App) listControlGroupsHandler(c *fiber.Ctx) error {
	siteScope, _, err := a.siteScopeFromPath(c)
	if err != nil {
		return err
	}

	groups, err := a.db.ListControlGroupsForSite(c.Context(), siteScope.TargetSiteID)
	if err != nil {
		return err
	}

	views := make([]derProgramView, 0, len(groups))
	for _, g := range groups {
		views = append(views, a.derProgramView(g))
	}

	return c.JSON(fiber.Map{"DERProgram": views})
}

// getControlGroupHandler implements GET /edev/{id}/derp/{derpId}.
func (a *App) getControlGroupHandler(c *fiber.Ctx) error {
	siteScope, _, err := a.siteScopeFromPath(c)
	if err != nil {
		return err
	}

	groupID, err := pathInt64(c, "derpId")
	if err != nil {
		return err
	}

	g, err := a.db.GetControlGroup(c.Context(), siteScope.TargetSiteID, groupID)
	if err != nil {
		return err
	}

	return c.JSON(a.derProgramView(g))
}

type doeView struct {
	MRID             string `json:"mRID"`
	StartTime        int64  `json:"startTime"`
	DurationSeconds  int64  `json:"duration"`
	ImportLimitWatts *int64 `json:"opModImpLimW,omitempty"`
	ExportLimitWatts *int64 `json:"opModExpLimW,omitempty"`
	Superseded       bool   `json:"-"`
}

func (a *App) doeView(d store.DOE) doeView {
	return doeView{
		MRID:             mrid.EncodeDOE(a.opts.IANAPEN, d.ID),
		StartTime:        d.StartTime.Unix(),
		DurationSeconds:  d.DurationSeconds,
		ImportLimitWatts: d.ImportLimitWatts,
		ExportLimitWatts: d.ExportLimitWatts,
		Superseded:       d.Superseded,
	}
}

// listControlGroupDOEsHandler implements GET /edev/{id}/derp/{derpId}/derc:
// the site's live DOEs active now, plus every archived DOE deletion since
// the epoch.
func (a *App) listControlGroupDOEsHandler(c *fiber.Ctx) error {
	siteScope, _, err := a.siteScopeFromPath(c)
	if err != nil {
		return err
	}

	if _, err := pathInt64(c, "derpId"); err != nil {
		return err
	}

	now := nowUTC()

	does, err := a.db.SelectActiveDOEsIncludeDeleted(c.Context(), siteScope.TargetSiteID, now, epoch)
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{"DERControl": doeViews(a, does)})
}

// listActiveControlGroupDOEsHandler implements
// GET /edev/{id}/derp/{derpId}/derc/active: DOEs whose interval currently
// contains now.
func (a *App) listActiveControlGroupDOEsHandler(c *fiber.Ctx) error {
	siteScope, _, err := a.siteScopeFromPath(c)
	if err != nil {
		return err
	}

	if _, err := pathInt64(c, "derpId"); err != nil {
		return err
	}

	now := nowUTC()

	does, err := a.db.SelectActiveDOEsIncludeDeleted(c.Context(), siteScope.TargetSiteID, now, now)
	if err != nil {
		return err
	}

	active := make([]store.DOE, 0, len(does))
	for _, d := range does {
		if !d.Superseded && !d.StartTime.After(now) && d.EndTime.After(now) {
			active = append(active, d)
		}
	}

	return c.JSON(fiber.Map{"DERControl": doeViews(a, active)})
}

func doeViews(a *App, does []store.DOE) []doeView {
	views := make([]doeView, 0, len(does))
	for _, d := range does {
		views = append(views, a.doeView(d))
	}

	return views
}

type defaultControlView struct {
	ImportLimitWatts *int64 `json:"opModImpLimW,omitempty"`
	ExportLimitWatts *int64 `json:"opModExpLimW,omitempty"`
	GenerationLimit  *int64 `json:"opModGenLimW,omitempty"`
	LoadLimit        *int64 `json:"opModLoadLimW,omitempty"`
	RampRateSeconds  *int64 `json:"rampTms,omitempty"`
}

func viewFromDefaultControl(d store.DefaultControl) defaultControlView {
	return defaultControlView{
		ImportLimitWatts: d.ImportLimitWatts,
		ExportLimitWatts: d.ExportLimitWatts,
		GenerationLimit:  d.GenerationLimit,
		LoadLimit:        d.LoadLimit,
		RampRateSeconds:  d.RampRateSeconds,
	}
}

func (a *App) globalDefaultControl() store.DefaultControl {
	return store.DefaultControl{
		ImportLimitWatts: a.opts.DefaultDOEImportActiveWatts,
		ExportLimitWatts: a.opts.DefaultDOEExportActiveWatts,
	}
}

// getDefaultControlHandler implements GET /edev/{id}/derp/{derpId}/dderc,
// merging the site's DefaultSiteControl with the deployment-wide default.
func (a *App) getDefaultControlHandler(c *fiber.Ctx) error {
	siteScope, _, err := a.siteScopeFromPath(c)
	if err != nil {
		return err
	}

	if _, err := pathInt64(c, "derpId"); err != nil {
		return err
	}

	merged, err := a.db.ResolveDefaultSiteControl(c.Context(), siteScope.TargetSiteID, a.globalDefaultControl())
	if err != nil {
		return err
	}

	return c.JSON(viewFromDefaultControl(merged))
}
