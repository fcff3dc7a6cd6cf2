package server

import (
	"github.com/gofiber/fiber/v2"

	"github.com/gridedge/der-utility-server/internal/apperr"
	"github.com/gridedge/der-utility-server/internal/store"
)

type logEventView struct {
	ID            int64  `json:"id"`
	FunctionSetID int    `json:"functionSet"`
	Code          int    `json:"logEventCode"`
	PEN           uint32 `json:"logEventPEN"`
	ProfileID     int    `json:"profileID"`
	Details       string `json:"details"`
}

func viewFromLogEvent(e store.SiteLogEvent) logEventView {
	return logEventView{
		ID:            e.ID,
		FunctionSetID: e.FunctionSetID,
		Code:          e.Code,
		PEN:           e.PEN,
		ProfileID:     e.ProfileID,
		Details:       e.Details,
	}
}

// listLogEventsHandler implements GET /edev/{id}/log.
func (a *App) listLogEventsHandler(c *fiber.Ctx) error {
	siteScope, _, err := a.siteScopeFromPath(c)
	if err != nil {
		return err
	}

	events, err := a.db.ListLogEvents(c.Context(), siteScope.TargetSiteID)
	if err != nil {
		return err
	}

	views := make([]logEventView, 0, len(events))
	for _, e := range events {
		views = append(views, viewFromLogEvent(e))
	}

	return c.JSON(fiber.Map{"LogEvent": views})
}

// createLogEventHandler implements POST /edev/{id}/log.
func (a *App) createLogEventHandler(c *fiber.Ctx) error {
	siteScope, _, err := a.siteScopeFromPath(c)
	if err != nil {
		return err
	}

	var req logEventView
	if err := c.BodyParser(&req); err != nil {
		return apperr.BadRequest("malformed LogEvent body: %v", err)
	}

	id, err := a.db.InsertLogEvent(c.Context(), store.SiteLogEvent{
		SiteID:        siteScope.TargetSiteID,
		FunctionSetID: req.FunctionSetID,
		Code:          req.Code,
		PEN:           req.PEN,
		ProfileID:     req.ProfileID,
		Details:       req.Details,
	}, nowUTC())
	if err != nil {
		return err
	}

	c.Set(fiber.HeaderLocation, siteScope.HrefPrefix+"/edev/"+formatInt64(siteScope.TargetSiteID)+"/log/"+formatInt64(id))
	c.Status(fiber.StatusCreated)

	return nil
}

// getLogEventHandler implements GET /edev/{id}/log/{logId}.
func (a *App) getLogEventHandler(c *fiber.Ctx) error {
	siteScope, _, err := a.siteScopeFromPath(c)
	if err != nil {
		return err
	}

	logID, err := pathInt64(c, "logId")
	if err != nil {
		return err
	}

	e, err := a.db.GetLogEvent(c.Context(), siteScope.TargetSiteID, logID)
	if err != nil {
		return err
	}

	return c.JSON(viewFromLogEvent(e))
}
