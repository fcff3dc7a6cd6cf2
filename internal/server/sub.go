package server

import (
	"github.com/gofiber/fiber/v2"

	"github.com/gridedge/der-utility-server/internal/apperr"
	"github.com/gridedge/der-utility-server/internal/store"
)

type subscriptionConditionView struct {
	Attribute  string `json:"attribute"`
	LowerBound int64  `json:"lowerBound"`
	UpperBound int64  `json:"upperBound"`
}

type subscriptionView struct {
	ID              int64                       `json:"id"`
	ResourceType    int                          `json:"resourceType"`
	ResourceID      *int64                       `json:"resourceID,omitempty"`
	NotificationURI string                       `json:"subscribedResourceURI"`
	EntityLimit     int                          `json:"limit"`
	Conditions      []subscriptionConditionView `json:"conditions,omitempty"`
}

func viewFromSubscription(s store.Subscription) subscriptionView {
	conditions := make([]subscriptionConditionView, 0, len(s.Conditions))
	for _, c := range s.Conditions {
		conditions = append(conditions, subscriptionConditionView{
			Attribute:  c.Attribute,
			LowerBound: c.LowerBound,
			UpperBound: c.UpperBound,
		})
	}

	return subscriptionView{
		ID:              s.ID,
		ResourceType:    int(s.ResourceType),
		ResourceID:      s.ResourceID,
		NotificationURI: s.NotificationURI,
		EntityLimit:     s.EntityLimit,
		Conditions:      conditions,
	}
}

// listSubscriptionsHandler implements GET /edev/{id}/sub.
func (a *App) listSubscriptionsHandler(c *fiber.Ctx) error {
	siteScope, _, err := a.siteScopeFromPath(c)
	if err != nil {
		return err
	}

	subs, err := a.db.ListSubscriptionsForSite(c.Context(), siteScope.AggregatorID, siteScope.TargetSiteID)
	if err != nil {
		return err
	}

	views := make([]subscriptionView, 0, len(subs))
	for _, s := range subs {
		views = append(views, viewFromSubscription(s))
	}

	return c.JSON(fiber.Map{"Subscription": views})
}

type createSubscriptionRequest struct {
	ResourceType    int                         `json:"resourceType"`
	ResourceID      *int64                      `json:"resourceID,omitempty"`
	NotificationURI string                      `json:"subscribedResourceURI"`
	EntityLimit     int                         `json:"limit"`
	Conditions      []subscriptionConditionView `json:"conditions,omitempty"`
}

// createSubscriptionHandler implements POST /edev/{id}/sub.
func (a *App) createSubscriptionHandler(c *fiber.Ctx) error {
	siteScope, _, err := a.siteScopeFromPath(c)
	if err != nil {
		return err
	}

	var req createSubscriptionRequest
	if err := c.BodyParser(&req); err != nil {
		return apperr.BadRequest("malformed Subscription body: %v", err)
	}

	if req.NotificationURI == "" {
		return apperr.BadRequest("subscribedResourceURI is required")
	}

	conditions := make([]store.SubscriptionCondition, 0, len(req.Conditions))
	for _, cond := range req.Conditions {
		conditions = append(conditions, store.SubscriptionCondition{
			Attribute:  cond.Attribute,
			LowerBound: cond.LowerBound,
			UpperBound: cond.UpperBound,
		})
	}

	targetSiteID := siteScope.TargetSiteID

	id, err := a.db.CreateSubscription(c.Context(), siteScope.AggregatorID, store.CreateSubscriptionRequest{
		ResourceType:    store.ResourceType(req.ResourceType),
		ResourceID:      req.ResourceID,
		ScopedSiteID:    &targetSiteID,
		NotificationURI: req.NotificationURI,
		EntityLimit:     req.EntityLimit,
		Conditions:      conditions,
	}, nowUTC())
	if err != nil {
		return err
	}

	c.Set(fiber.HeaderLocation, siteScope.HrefPrefix+"/edev/"+formatInt64(targetSiteID)+"/sub/"+formatInt64(id))
	c.Status(fiber.StatusCreated)

	return nil
}

// getSubscriptionHandler implements GET /edev/{id}/sub/{subId}.
func (a *App) getSubscriptionHandler(c *fiber.Ctx) error {
	siteScope, _, err := a.siteScopeFromPath(c)
	if err != nil {
		return err
	}

	subID, err := pathInt64(c, "subId")
	if err != nil {
		return err
	}

	s, err := a.db.GetSubscription(c.Context(), siteScope.AggregatorID, siteScope.TargetSiteID, subID)
	if err != nil {
		return err
	}

	return c.JSON(viewFromSubscription(s))
}

// deleteSubscriptionHandler implements DELETE /edev/{id}/sub/{subId}.
func (a *App) deleteSubscriptionHandler(c *fiber.Ctx) error {
	siteScope, _, err := a.siteScopeFromPath(c)
	if err != nil {
		return err
	}

	subID, err := pathInt64(c, "subId")
	if err != nil {
		return err
	}

	if err := a.db.DeleteSubscription(c.Context(), siteScope.AggregatorID, siteScope.TargetSiteID, subID); err != nil {
		return err
	}

	return c.SendStatus(fiber.StatusNoContent)
}
