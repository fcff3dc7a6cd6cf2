package server

import (
	"github.com/gofiber/fiber/v2"

	"github.com/gridedge/der-utility-server/internal/apperr"
	"github.com/gridedge/der-utility-server/internal/response"
	"github.com/gridedge/der-utility-server/internal/store"
)

type responseView struct {
	ID             int64  `json:"id"`
	ResponseType   int    `json:"status"`
	DOEIDSnapshot  *int64 `json:"-"`
	RateIDSnapshot *int64 `json:"-"`
}

func viewFromResponse(r store.Response) responseView {
	return responseView{
		ID:             r.ID,
		ResponseType:   r.ResponseType,
		DOEIDSnapshot:  r.DOEIDSnapshot,
		RateIDSnapshot: r.RateIDSnapshot,
	}
}

// listResponsesHandler implements GET /edev/{id}/rsps/{list}.
func (a *App) listResponsesHandler(c *fiber.Ctx) error {
	siteScope, _, err := a.siteScopeFromPath(c)
	if err != nil {
		return err
	}

	setType, err := response.ResolveListSlug(c.Params("list"))
	if err != nil {
		return err
	}

	responses, err := a.response.List(c.Context(), siteScope, setType)
	if err != nil {
		return err
	}

	views := make([]responseView, 0, len(responses))
	for _, r := range responses {
		views = append(views, viewFromResponse(r))
	}

	return c.JSON(fiber.Map{"Response": views})
}

type createResponseRequest struct {
	Subject      string `json:"subject"`
	ResponseType int    `json:"status"`
}

// createResponseHandler implements POST /edev/{id}/rsps/{list}.
func (a *App) createResponseHandler(c *fiber.Ctx) error {
	siteScope, _, err := a.siteScopeFromPath(c)
	if err != nil {
		return err
	}

	setType, err := response.ResolveListSlug(c.Params("list"))
	if err != nil {
		return err
	}

	var req createResponseRequest
	if err := c.BodyParser(&req); err != nil {
		return apperr.BadRequest("malformed Response body: %v", err)
	}

	id, err := a.response.Create(c.Context(), siteScope, setType, response.CreateRequest{
		Subject:      req.Subject,
		ResponseType: req.ResponseType,
	})
	if err != nil {
		return err
	}

	c.Set(fiber.HeaderLocation,
		siteScope.HrefPrefix+"/edev/"+formatInt64(siteScope.TargetSiteID)+"/rsps/"+c.Params("list")+"/rsp/"+formatInt64(id))
	c.Status(fiber.StatusCreated)

	return nil
}

// getResponseHandler implements GET /edev/{id}/rsps/{list}/rsp/{rspId}.
func (a *App) getResponseHandler(c *fiber.Ctx) error {
	siteScope, _, err := a.siteScopeFromPath(c)
	if err != nil {
		return err
	}

	if _, err := response.ResolveListSlug(c.Params("list")); err != nil {
		return err
	}

	rspID, err := pathInt64(c, "rspId")
	if err != nil {
		return err
	}

	r, err := a.response.Get(c.Context(), siteScope, rspID)
	if err != nil {
		return err
	}

	return c.JSON(viewFromResponse(r))
}
