package server

import (
	"github.com/gofiber/fiber/v2"

	"github.com/gridedge/der-utility-server/internal/apperr"
	"github.com/gridedge/der-utility-server/internal/nmi"
	"github.com/gridedge/der-utility-server/internal/scope"
	"github.com/gridedge/der-utility-server/internal/store"
)

// endDeviceView is the wire shape of a Site as an sep2 EndDevice.
type endDeviceView struct {
	ID              int64  `json:"id"`
	LFDI            string `json:"lFDI"`
	SFDI            uint64 `json:"sFDI"`
	DeviceCategory  int64  `json:"deviceCategory"`
	RegistrationPIN int    `json:"-"`
}

func viewFromSite(s store.Site) endDeviceView {
	return endDeviceView{
		ID:              s.ID,
		LFDI:            s.LFDI,
		SFDI:            s.SFDI,
		DeviceCategory:  s.DeviceCategory,
		RegistrationPIN: s.RegistrationPIN,
	}
}

// listEndDevicesHandler implements GET /edev.
func (a *App) listEndDevicesHandler(c *fiber.Ctx) error {
	s, err := requestScope(c)
	if err != nil {
		return err
	}

	sites, err := a.db.ListSitesForAggregator(c.Context(), s.AggregatorID)
	if err != nil {
		return err
	}

	views := make([]endDeviceView, 0, len(sites))
	for _, site := range sites {
		views = append(views, viewFromSite(site))
	}

	return c.JSON(fiber.Map{"EndDevice": views})
}

type createEndDeviceRequest struct {
	LFDI           string `json:"lFDI"`
	SFDI           uint64 `json:"sFDI"`
	DeviceCategory int64  `json:"deviceCategory"`
	TimezoneID     string `json:"timezoneID"`
	NMI            string `json:"-"`
}

// createEndDeviceHandler implements POST /edev, enforcing the
// device-cert-LFDI-match registration rule of §4.6 before delegating to
// store.RegisterSite.
func (a *App) createEndDeviceHandler(c *fiber.Ctx) error {
	s, err := requestScope(c)
	if err != nil {
		return err
	}

	var req createEndDeviceRequest
	if err := c.BodyParser(&req); err != nil {
		return apperr.BadRequest("malformed EndDevice body: %v", err)
	}

	if req.LFDI == "" {
		return apperr.BadRequest("lFDI is required")
	}

	if s.Source == scope.DeviceCert && req.LFDI != s.LFDI {
		return apperr.Forbidden("request.lFDI must match the authenticating client certificate")
	}

	now := nowUTC()

	siteID, err := a.db.RegisterSite(c.Context(), s.AggregatorID, store.RegisterSiteRequest{
		LFDI:           req.LFDI,
		SFDI:           req.SFDI,
		DeviceCategory: req.DeviceCategory,
		TimezoneID:     req.TimezoneID,
		NMI:            req.NMI,
	}, now)
	if err != nil {
		return err
	}

	a.notifyChanged(store.ResourceSite, now, false)

	c.Set(fiber.HeaderLocation, s.HrefPrefix+"/edev/"+formatInt64(siteID))
	c.Status(fiber.StatusCreated)

	return nil
}

// getEndDeviceHandler implements GET /edev/{id}.
func (a *App) getEndDeviceHandler(c *fiber.Ctx) error {
	_, site, err := a.siteScopeFromPath(c)
	if err != nil {
		return err
	}

	return c.JSON(viewFromSite(site))
}

// deleteEndDeviceHandler implements DELETE /edev/{id}, running the
// transactional cascade and firing notifications for every touched
// resource family.
func (a *App) deleteEndDeviceHandler(c *fiber.Ctx) error {
	siteScope, _, err := a.siteScopeFromPath(c)
	if err != nil {
		return err
	}

	now := nowUTC()

	if err := a.db.DeleteSite(c.Context(), siteScope.TargetSiteID, now); err != nil {
		return err
	}

	for _, resource := range []store.ResourceType{
		store.ResourceSite, store.ResourceDynamicOperatingEnvelope, store.ResourceReading, store.ResourceTariffGeneratedRate,
	} {
		a.notifyChanged(resource, now, true)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

type registrationView struct {
	PIN int `json:"pIN"`
}

// getRegistrationHandler implements GET /edev/{id}/reg.
func (a *App) getRegistrationHandler(c *fiber.Ctx) error {
	_, site, err := a.siteScopeFromPath(c)
	if err != nil {
		return err
	}

	return c.JSON(registrationView{PIN: site.RegistrationPIN})
}

type connectionPointView struct {
	NMI string `json:"nmi"`
}

// getConnectionPointHandler implements GET /edev/{id}/cp.
func (a *App) getConnectionPointHandler(c *fiber.Ctx) error {
	_, site, err := a.siteScopeFromPath(c)
	if err != nil {
		return err
	}

	return c.JSON(connectionPointView{NMI: site.NMI})
}

// putConnectionPointHandler implements POST/PUT /edev/{id}/cp, validating
// the NMI's Luhn-10 checksum when nmi validation is enabled.
func (a *App) putConnectionPointHandler(c *fiber.Ctx) error {
	siteScope, _, err := a.siteScopeFromPath(c)
	if err != nil {
		return err
	}

	var req connectionPointView
	if err := c.BodyParser(&req); err != nil {
		return apperr.BadRequest("malformed ConnectionPoint body: %v", err)
	}

	if a.opts.NMIValidationEnabled {
		if !nmi.New(a.opts.NMIValidationParticipantID).Validate(req.NMI) {
			return apperr.BadRequest("invalid NMI %q", req.NMI)
		}
	}

	now := nowUTC()

	if err := a.db.UpdateSiteConnectionPoint(c.Context(), siteScope.AggregatorID, siteScope.TargetSiteID, req.NMI, now); err != nil {
		return err
	}

	a.notifyChanged(store.ResourceSite, now, false)

	return c.JSON(req)
}
