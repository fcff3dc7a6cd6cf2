// Package response implements POST /edev/{id}/rsps/{list}: validating
// a client-posted sep2 Response subject against the MRID scheme, locating
// the entity it acknowledges, and persisting the acknowledgement.
//
// Grounded on the reference server's server/manager/response.py
// (ResponseManager) for the resolve-then-persist shape.
package response

import (
	"context"
	"fmt"

	"github.com/gridedge/der-utility-server/internal/apperr"
	"github.com/gridedge/der-utility-server/internal/mrid"
	"github.com/gridedge/der-utility-server/internal/scope"
	"github.com/gridedge/der-utility-server/internal/store"
)

// ListSlug maps the {list} path segment to a ResponseSetType, per §4.9's
// fixed slug map.
var ListSlug = map[string]store.ResponseSetType{
	"price": store.ResponseSetTariffGeneratedRates,
	"doe":   store.ResponseSetDynamicOperatingEnvelopes,
}

// ResolveListSlug resolves a {list} path segment, returning NotFound for
// an unrecognized slug.
func ResolveListSlug(slug string) (store.ResponseSetType, error) {
	t, ok := ListSlug[slug]
	if !ok {
		return 0, apperr.NotFound("unrecognised response list %q", slug)
	}

	return t, nil
}

// CreateRequest is the mapped content of a POST /edev/{id}/rsps/{list} body.
type CreateRequest struct {
	Subject      string // encoded MRID
	ResponseType int
}

// Handler implements Create/List for the Response resource.
type Handler struct {
	DB  *store.DB
	PEN uint32
}

// expectedTag maps a ResponseSetType to the MridType its subject must
// decode to. A DOE response names a specific DynamicOperatingEnvelope row;
// a price response names a specific TariffGeneratedRate row, which is the
// TimeTariffInterval payload shape (tariff_generated_rate_id,
// pricing_reading_type), not the coarser per-Tariff MRID.
func expectedTag(setType store.ResponseSetType) mrid.MridType {
	if setType == store.ResponseSetDynamicOperatingEnvelopes {
		return mrid.DynamicOperatingEnvelope
	}

	return mrid.TimeTariffInterval
}

// Create implements the four steps of §4.9:
//  1. (the caller has already resolved {list} via ResolveListSlug)
//  2. decode subject, validating PEN and tag consistency with setType
//  3. re-fetch the referenced DOE or TariffGeneratedRate in scope
//  4. persist a Response row with *_id_snapshot, site_id, response_type
func (h *Handler) Create(ctx context.Context, site scope.SiteScope, setType store.ResponseSetType, req CreateRequest) (int64, error) {
	tag, err := mrid.DecodeAndValidateType(req.Subject, h.PEN)
	if err != nil {
		return 0, apperr.BadRequest("malformed response subject: %v", err)
	}

	if tag != expectedTag(setType) {
		return 0, apperr.BadRequest("response subject does not match the %v response list", setType)
	}

	var doeSnapshot, rateSnapshot *int64

	switch setType {
	case store.ResponseSetDynamicOperatingEnvelopes:
		doeID, err := mrid.DecodeDOE(req.Subject, h.PEN)
		if err != nil {
			return 0, apperr.BadRequest("malformed DOE subject: %v", err)
		}

		doe, found, err := h.DB.GetDOE(ctx, doeID)
		if err != nil {
			return 0, apperr.Internal(err, "fetching DOE %d", doeID)
		}

		if !found || doe.SiteID != site.TargetSiteID {
			return 0, apperr.BadRequest("response subject does not resolve to a DOE in scope")
		}

		doeSnapshot = &doeID

	case store.ResponseSetTariffGeneratedRates:
		rateID, _, err := mrid.DecodeTimeTariffInterval(req.Subject, h.PEN)
		if err != nil {
			return 0, apperr.BadRequest("malformed tariff subject: %v", err)
		}

		rate, found, err := h.DB.GetTariffGeneratedRate(ctx, rateID)
		if err != nil {
			return 0, apperr.Internal(err, "fetching tariff generated rate %d", rateID)
		}

		if !found || rate.SiteID != site.TargetSiteID {
			return 0, apperr.BadRequest("response subject does not resolve to a tariff rate in scope")
		}

		rateSnapshot = &rateID

	default:
		return 0, apperr.BadRequest("unsupported response set type")
	}

	id, err := h.DB.InsertResponse(ctx, site.TargetSiteID, setType, req.ResponseType, doeSnapshot, rateSnapshot)
	if err != nil {
		return 0, fmt.Errorf("response: insert: %w", err)
	}

	return id, nil
}

// Get fetches a single Response by id, enforcing site ownership.
func (h *Handler) Get(ctx context.Context, site scope.SiteScope, responseID int64) (store.Response, error) {
	r, err := h.DB.GetResponse(ctx, site.TargetSiteID, responseID)
	if err != nil {
		return store.Response{}, err
	}

	return r, nil
}

// List returns every Response persisted for a site's given response list.
func (h *Handler) List(ctx context.Context, site scope.SiteScope, setType store.ResponseSetType) ([]store.Response, error) {
	responses, err := h.DB.ListResponses(ctx, site.TargetSiteID, setType)
	if err != nil {
		return nil, fmt.Errorf("response: list: %w", err)
	}

	return responses, nil
}
