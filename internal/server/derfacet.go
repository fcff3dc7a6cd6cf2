package server

import (
	"encoding/json"

	"github.com/gofiber/fiber/v2"

	"github.com/gridedge/der-utility-server/internal/apperr"
	"github.com/gridedge/der-utility-server/internal/store"
)

// getDERFacetHandler implements GET /edev/{id}/der/{derIdx}/{facet}. Only
// a single DER (derIdx 1) is modeled per site, per §3; any other index is
// NotFound. The facet body itself is an opaque JSON payload — see
// store.SiteDER's doc comment and DESIGN.md.
func (a *App) getDERFacetHandler(c *fiber.Ctx) error {
	siteScope, _, err := a.siteScopeFromPath(c)
	if err != nil {
		return err
	}

	derIdx, err := pathInt64(c, "derIdx")
	if err != nil {
		return err
	}

	if derIdx != 1 {
		return apperr.NotFound("DER index %d not found", derIdx)
	}

	facet := store.DERFacet(c.Params("facet"))

	der, err := a.db.GetSiteDER(c.Context(), facet, siteScope.TargetSiteID)
	if err != nil {
		return err
	}

	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)

	return c.Send(der.Payload)
}

// putDERFacetHandler implements PUT /edev/{id}/der/{derIdx}/{facet}.
func (a *App) putDERFacetHandler(c *fiber.Ctx) error {
	siteScope, _, err := a.siteScopeFromPath(c)
	if err != nil {
		return err
	}

	derIdx, err := pathInt64(c, "derIdx")
	if err != nil {
		return err
	}

	if derIdx != 1 {
		return apperr.NotFound("DER index %d not found", derIdx)
	}

	facet := store.DERFacet(c.Params("facet"))

	body := append([]byte(nil), c.Body()...)
	if !json.Valid(body) {
		return apperr.BadRequest("malformed %s body: not valid JSON", facet)
	}

	now := nowUTC()

	if err := a.db.UpsertSiteDER(c.Context(), facet, siteScope.TargetSiteID, json.RawMessage(body), now); err != nil {
		return err
	}

	return c.SendStatus(fiber.StatusNoContent)
}
