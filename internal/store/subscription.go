package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/gridedge/der-utility-server/internal/apperr"
)

// ResourceType identifies the sep2 resource family a Subscription,
// notification batch, or change event concerns.
type ResourceType int

const (
	ResourceSite ResourceType = iota
	ResourceDynamicOperatingEnvelope
	ResourceReading
	ResourceTariffGeneratedRate
)

// SubscriptionCondition narrows a subscription to a closed-interval
// inclusion on one attribute.
type SubscriptionCondition struct {
	Attribute string
	LowerBound int64
	UpperBound int64
}

// Subscription is a client's registered interest in changes to a
// resource family, optionally scoped to one resource or one site.
type Subscription struct {
	ID              int64
	AggregatorID    int64
	ResourceType    ResourceType
	ResourceID      *int64
	ScopedSiteID    *int64
	NotificationURI string
	EntityLimit     int
	Conditions      []SubscriptionCondition
	ChangedTime     time.Time
}

// SelectSubscriptionsForBatch fetches every Subscription matching
// aggregatorID/resourceType whose resource_id is NULL or equals
// filterResourceID — the candidate set SubscriptionMatcher then narrows
// further by evaluating each subscription's conditions.
func (db *DB) SelectSubscriptionsForBatch(ctx context.Context, aggregatorID int64, resourceType ResourceType, filterResourceID int64) ([]Subscription, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT subscription_id, aggregator_id, resource_type, resource_id, scoped_site_id,
		       notification_uri, entity_limit, changed_time
		FROM subscription
		WHERE aggregator_id = $1 AND resource_type = $2 AND (resource_id IS NULL OR resource_id = $3)
	`, aggregatorID, int(resourceType), filterResourceID)
	if err != nil {
		return nil, fmt.Errorf("store: select subscriptions: %w", err)
	}
	defer rows.Close()

	var out []Subscription
	for rows.Next() {
		var s Subscription
		var rt int
		if err := rows.Scan(&s.ID, &s.AggregatorID, &rt, &s.ResourceID, &s.ScopedSiteID, &s.NotificationURI, &s.EntityLimit, &s.ChangedTime); err != nil {
			return nil, fmt.Errorf("store: scan subscription: %w", err)
		}

		s.ResourceType = ResourceType(rt)

		conditions, err := db.selectConditions(ctx, s.ID)
		if err != nil {
			return nil, err
		}

		s.Conditions = conditions
		out = append(out, s)
	}

	return out, rows.Err()
}

// CreateSubscriptionRequest is the mapped content of a POST
// /edev/{id}/sub body.
type CreateSubscriptionRequest struct {
	ResourceType    ResourceType
	ResourceID      *int64
	ScopedSiteID    *int64
	NotificationURI string
	EntityLimit     int
	Conditions      []SubscriptionCondition
}

// CreateSubscription persists a Subscription and its conditions,
// stamping changed_time with now.
func (db *DB) CreateSubscription(ctx context.Context, aggregatorID int64, req CreateSubscriptionRequest, now time.Time) (int64, error) {
	var id int64

	err := db.WithTx(ctx, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, `
			INSERT INTO subscription
				(aggregator_id, resource_type, resource_id, scoped_site_id, notification_uri, entity_limit, changed_time)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING subscription_id
		`, aggregatorID, int(req.ResourceType), req.ResourceID, req.ScopedSiteID, req.NotificationURI, req.EntityLimit, now).Scan(&id); err != nil {
			return fmt.Errorf("store: insert subscription: %w", err)
		}

		for _, c := range req.Conditions {
			if _, err := tx.Exec(ctx, `
				INSERT INTO subscription_condition (subscription_id, attribute, lower_bound, upper_bound)
				VALUES ($1, $2, $3, $4)
			`, id, c.Attribute, c.LowerBound, c.UpperBound); err != nil {
				return fmt.Errorf("store: insert subscription condition: %w", err)
			}
		}

		return nil
	})

	return id, err
}

// GetSubscription fetches a single Subscription scoped to siteID (via
// scoped_site_id), enforcing aggregator ownership.
func (db *DB) GetSubscription(ctx context.Context, aggregatorID, siteID, subscriptionID int64) (Subscription, error) {
	var s Subscription
	var rt int

	err := db.Pool.QueryRow(ctx, `
		SELECT subscription_id, aggregator_id, resource_type, resource_id, scoped_site_id,
		       notification_uri, entity_limit, changed_time
		FROM subscription
		WHERE subscription_id = $1 AND aggregator_id = $2 AND scoped_site_id = $3
	`, subscriptionID, aggregatorID, siteID).Scan(&s.ID, &s.AggregatorID, &rt, &s.ResourceID, &s.ScopedSiteID, &s.NotificationURI, &s.EntityLimit, &s.ChangedTime)
	if err != nil {
		if isNoRows(err) {
			return Subscription{}, apperr.NotFound("subscription %d not found", subscriptionID)
		}

		return Subscription{}, fmt.Errorf("store: get subscription: %w", err)
	}

	s.ResourceType = ResourceType(rt)

	conditions, err := db.selectConditions(ctx, s.ID)
	if err != nil {
		return Subscription{}, err
	}

	s.Conditions = conditions

	return s, nil
}

// ListSubscriptionsForSite lists every Subscription scoped to siteID
// under aggregatorID.
func (db *DB) ListSubscriptionsForSite(ctx context.Context, aggregatorID, siteID int64) ([]Subscription, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT subscription_id, aggregator_id, resource_type, resource_id, scoped_site_id,
		       notification_uri, entity_limit, changed_time
		FROM subscription WHERE aggregator_id = $1 AND scoped_site_id = $2
		ORDER BY subscription_id ASC
	`, aggregatorID, siteID)
	if err != nil {
		return nil, fmt.Errorf("store: list subscriptions: %w", err)
	}
	defer rows.Close()

	var out []Subscription
	for rows.Next() {
		var s Subscription
		var rt int
		if err := rows.Scan(&s.ID, &s.AggregatorID, &rt, &s.ResourceID, &s.ScopedSiteID, &s.NotificationURI, &s.EntityLimit, &s.ChangedTime); err != nil {
			return nil, fmt.Errorf("store: scan subscription: %w", err)
		}

		s.ResourceType = ResourceType(rt)

		conditions, err := db.selectConditions(ctx, s.ID)
		if err != nil {
			return nil, err
		}

		s.Conditions = conditions
		out = append(out, s)
	}

	return out, rows.Err()
}

// DeleteSubscription removes a Subscription (and its conditions via
// ON DELETE CASCADE), enforcing aggregator/site ownership. Subscriptions
// are not archived: per §4.7 they are configuration, not telemetry.
func (db *DB) DeleteSubscription(ctx context.Context, aggregatorID, siteID, subscriptionID int64) error {
	tag, err := db.Pool.Exec(ctx,
		"DELETE FROM subscription WHERE subscription_id = $1 AND aggregator_id = $2 AND scoped_site_id = $3",
		subscriptionID, aggregatorID, siteID)
	if err != nil {
		return fmt.Errorf("store: delete subscription: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return apperr.NotFound("subscription %d not found", subscriptionID)
	}

	return nil
}

func (db *DB) selectConditions(ctx context.Context, subscriptionID int64) ([]SubscriptionCondition, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT attribute, lower_bound, upper_bound FROM subscription_condition WHERE subscription_id = $1", subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("store: select subscription conditions: %w", err)
	}
	defer rows.Close()

	var out []SubscriptionCondition
	for rows.Next() {
		var c SubscriptionCondition
		if err := rows.Scan(&c.Attribute, &c.LowerBound, &c.UpperBound); err != nil {
			return nil, fmt.Errorf("store: scan subscription condition: %w", err)
		}

		out = append(out, c)
	}

	return out, rows.Err()
}
