package server

import (
	"github.com/gofiber/fiber/v2"

	"github.com/gridedge/der-utility-server/internal/apperr"
	"github.com/gridedge/der-utility-server/internal/mrid"
)

// fsaView is a FunctionSetAssignments resource. spec.md names only the
// FUNCTION_SET_ASSIGNMENT MRID tag's payload shape ({site_id, fsa_id}); it
// does not model a distinct stored FSA entity. A site's function-set
// assignment is therefore represented as the single implicit resource
// (fsa_id 1) rather than a persisted row — see DESIGN.md. It links to the
// site's own DERProgram list; its TariffProfileListLink points at the
// site's price Response list (/rsps/price), as no TariffProfile list is
// served.
type fsaView struct {
	MRID             string `json:"mRID"`
	DERProgramLink   link   `json:"DERProgramListLink"`
	TariffProfileLink link  `json:"TariffProfileListLink"`
}

const implicitFSAID = 1

// listFSAHandler implements GET /edev/{id}/fsa.
func (a *App) listFSAHandler(c *fiber.Ctx) error {
	siteScope, _, err := a.siteScopeFromPath(c)
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{"FunctionSetAssignments": []fsaView{a.fsaView(siteScope.TargetSiteID)}})
}

// getFSAHandler implements GET /edev/{id}/fsa/{fsaId}.
func (a *App) getFSAHandler(c *fiber.Ctx) error {
	siteScope, _, err := a.siteScopeFromPath(c)
	if err != nil {
		return err
	}

	fsaID, err := pathInt64(c, "fsaId")
	if err != nil {
		return err
	}

	if fsaID != implicitFSAID {
		return apperr.NotFound("function set assignment %d not found", fsaID)
	}

	return c.JSON(a.fsaView(siteScope.TargetSiteID))
}

func (a *App) fsaView(siteID int64) fsaView {
	prefix := a.opts.HrefPrefix + "/edev/" + formatInt64(siteID)

	return fsaView{
		MRID:               mrid.EncodeFunctionSetAssignment(a.opts.IANAPEN, siteID, implicitFSAID),
		DERProgramLink:     link{Href: prefix + "/derp"},
		TariffProfileLink:  link{Href: prefix + "/rsps/price"},
	}
}
