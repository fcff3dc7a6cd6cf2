package server

import (
	"github.com/gofiber/fiber/v2"

	"github.com/gridedge/der-utility-server/internal/apperr"
	"github.com/gridedge/der-utility-server/internal/scope"
	"github.com/gridedge/der-utility-server/internal/store"
)

type mirrorUsagePointView struct {
	ID                   int64  `json:"id"`
	SiteID               int64  `json:"-"`
	DeviceLFDI           string `json:"deviceLFDI"`
	UOM                  int    `json:"uom"`
	Kind                 int    `json:"kind"`
	Phase                int    `json:"phase"`
	FlowDirection        int    `json:"flowDirection"`
	DataQualifier        int    `json:"dataQualifier"`
	AccumulationBehavior int    `json:"accumulationBehaviour"`
	PowerOfTenMultiplier int    `json:"powerOfTenMultiplier"`
	DefaultIntervalSecs  int    `json:"intervalLength"`
}

func viewFromReadingType(t store.SiteReadingType) mirrorUsagePointView {
	return mirrorUsagePointView{
		ID:                   t.ID,
		SiteID:               t.SiteID,
		DeviceLFDI:           t.DeviceLFDI,
		UOM:                  t.UOM,
		Kind:                 t.Kind,
		Phase:                t.Phase,
		FlowDirection:        t.FlowDirection,
		DataQualifier:        t.DataQualifier,
		AccumulationBehavior: t.AccumulationBehavior,
		PowerOfTenMultiplier: t.PowerOfTenMultiplier,
		DefaultIntervalSecs:  t.DefaultIntervalSecs,
	}
}

// listMirrorUsagePointsHandler implements GET /mup.
func (a *App) listMirrorUsagePointsHandler(c *fiber.Ctx) error {
	s, err := requestScope(c)
	if err != nil {
		return err
	}

	types, err := a.db.ListReadingTypesForAggregator(c.Context(), s.AggregatorID)
	if err != nil {
		return err
	}

	views := make([]mirrorUsagePointView, 0, len(types))
	for _, t := range types {
		views = append(views, viewFromReadingType(t))
	}

	return c.JSON(fiber.Map{"MirrorUsagePoint": views})
}

type createMirrorUsagePointRequest struct {
	SiteID               int64  `json:"siteID"`
	DeviceLFDI           string `json:"deviceLFDI"`
	UOM                  int    `json:"uom"`
	Kind                 int    `json:"kind"`
	Phase                int    `json:"phase"`
	FlowDirection        int    `json:"flowDirection"`
	DataQualifier        int    `json:"dataQualifier"`
	AccumulationBehavior int    `json:"accumulationBehaviour"`
	PowerOfTenMultiplier int    `json:"powerOfTenMultiplier"`
	DefaultIntervalSecs  int    `json:"intervalLength"`
}

// createMirrorUsagePointHandler implements POST /mup.
func (a *App) createMirrorUsagePointHandler(c *fiber.Ctx) error {
	s, err := requestScope(c)
	if err != nil {
		return err
	}

	var req createMirrorUsagePointRequest
	if err := c.BodyParser(&req); err != nil {
		return apperr.BadRequest("malformed MirrorUsagePoint body: %v", err)
	}

	id, err := a.db.UpsertReadingType(c.Context(), store.UpsertReadingTypeRequest{
		AggregatorID:         s.AggregatorID,
		SiteID:               req.SiteID,
		DeviceLFDI:           req.DeviceLFDI,
		UOM:                  req.UOM,
		Kind:                 req.Kind,
		Phase:                req.Phase,
		FlowDirection:        req.FlowDirection,
		DataQualifier:        req.DataQualifier,
		AccumulationBehavior: req.AccumulationBehavior,
		PowerOfTenMultiplier: req.PowerOfTenMultiplier,
		DefaultIntervalSecs:  req.DefaultIntervalSecs,
	}, s.LFDI, s.Source == scope.DeviceCert)
	if err != nil {
		return err
	}

	c.Set(fiber.HeaderLocation, s.HrefPrefix+"/mup/"+formatInt64(id))
	c.Status(fiber.StatusCreated)

	return nil
}

// getMirrorUsagePointHandler implements GET /mup/{id}.
func (a *App) getMirrorUsagePointHandler(c *fiber.Ctx) error {
	s, err := requestScope(c)
	if err != nil {
		return err
	}

	id, err := pathInt64(c, "id")
	if err != nil {
		return err
	}

	t, err := a.db.GetReadingType(c.Context(), s.AggregatorID, id)
	if err != nil {
		return err
	}

	return c.JSON(viewFromReadingType(t))
}

type mirrorMeterReadingRequest struct {
	Readings []struct {
		TimePeriodStart int64 `json:"timePeriodStart"`
		DurationSeconds int64 `json:"duration"`
		Value           int64 `json:"value"`
		LocalID         int64 `json:"localID"`
		QualityFlags    int   `json:"qualityFlags"`
	} `json:"MirrorMeterReading"`
}

// postMirrorUsagePointReadingsHandler implements POST /mup/{id}: ingests a
// MirrorMeterReading batch for the MirrorUsagePoint at {id}.
func (a *App) postMirrorUsagePointReadingsHandler(c *fiber.Ctx) error {
	s, err := requestScope(c)
	if err != nil {
		return err
	}

	id, err := pathInt64(c, "id")
	if err != nil {
		return err
	}

	if _, err := a.db.GetReadingType(c.Context(), s.AggregatorID, id); err != nil {
		return err
	}

	var req mirrorMeterReadingRequest
	if err := c.BodyParser(&req); err != nil {
		return apperr.BadRequest("malformed MirrorMeterReading body: %v", err)
	}

	now := nowUTC()

	readings := make([]store.SiteReading, 0, len(req.Readings))
	for _, r := range req.Readings {
		readings = append(readings, store.SiteReading{
			ReadingTypeID:   id,
			TimePeriodStart: timeFromUnix(r.TimePeriodStart),
			DurationSeconds: r.DurationSeconds,
			Value:           r.Value,
			LocalID:         r.LocalID,
			QualityFlags:    r.QualityFlags,
		})
	}

	if err := a.db.IngestReadings(c.Context(), readings, now); err != nil {
		return err
	}

	a.notifyChanged(store.ResourceReading, now, false)

	return c.SendStatus(fiber.StatusNoContent)
}

// deleteMirrorUsagePointHandler implements DELETE /mup/{id}.
func (a *App) deleteMirrorUsagePointHandler(c *fiber.Ctx) error {
	s, err := requestScope(c)
	if err != nil {
		return err
	}

	id, err := pathInt64(c, "id")
	if err != nil {
		return err
	}

	if err := a.db.DeleteReadingType(c.Context(), s.AggregatorID, id); err != nil {
		return err
	}

	return c.SendStatus(fiber.StatusNoContent)
}
