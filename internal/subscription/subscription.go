// Package subscription implements the sep2 grouping rules that decide
// which client Subscriptions fire when a resource changes: entities
// sharing a resource-specific tuple are grouped into one notification,
// then each group is checked against the Subscriptions that could plausibly
// match it.
//
// Grounded on the reference server's notification/crud/batch.py
// (get_batch_key/get_subscription_filter_id/AggregatorBatchedEntities);
// the batch key is reified here as a comparable Go struct rather than a
// Python tuple, since Go map keys must be comparable — not a semantic
// change from the source.
package subscription

import (
	"context"
	"fmt"

	"github.com/gridedge/der-utility-server/internal/store"
)

// BatchKey groups changed entities into the single sep2 resource a
// Notification is sent under. The first element is always
// AggregatorID, per §4.7; unused fields stay zero for a given Resource.
type BatchKey struct {
	AggregatorID  int64
	SiteID        int64
	TariffID      int64
	ReadingTypeID int64
	Day           string // YYYY-MM-DD, TariffGeneratedRate only
}

// ChangedEntity is one row observed to have changed (or been archived as
// deleted) at a particular instant, reduced to exactly what the matcher
// needs: its batch key, the id a Subscription.resource_id filters
// against, and the attribute values SubscriptionConditions evaluate.
type ChangedEntity struct {
	Resource   store.ResourceType
	EntityID   int64
	BatchKey   BatchKey
	FilterID   int64
	Attributes map[string]int64
	Deleted    bool
}

// Batch is every ChangedEntity sharing one BatchKey — exactly the set of
// entities a single outbound Notification may carry.
type Batch struct {
	Key      BatchKey
	Entities []ChangedEntity
}

// BatchByKey partitions entities by BatchKey, preserving first-seen
// ordering of keys for deterministic iteration.
func BatchByKey(entities []ChangedEntity) []Batch {
	order := make([]BatchKey, 0, len(entities))
	byKey := make(map[BatchKey][]ChangedEntity, len(entities))

	for _, e := range entities {
		if _, seen := byKey[e.BatchKey]; !seen {
			order = append(order, e.BatchKey)
		}

		byKey[e.BatchKey] = append(byKey[e.BatchKey], e)
	}

	batches := make([]Batch, 0, len(order))
	for _, k := range order {
		batches = append(batches, Batch{Key: k, Entities: byKey[k]})
	}

	return batches
}

// SubscriptionLookup fetches every Subscription that might match a change
// in resourceType for aggregatorID, narrowed to resource_id IS NULL or
// equal to filterResourceID — the candidate set MatchSubscriptions then
// narrows further by evaluating conditions.
type SubscriptionLookup func(ctx context.Context, aggregatorID int64, resourceType store.ResourceType, filterResourceID int64) ([]store.Subscription, error)

// Match pairs one matched Subscription with the batch of entities it
// fires on.
type Match struct {
	Subscription store.Subscription
	Entities     []ChangedEntity
}

// Matcher evaluates batches of changed entities against registered
// Subscriptions.
type Matcher struct {
	Lookup SubscriptionLookup
}

// MatchSubscriptions evaluates every batch against its candidate
// Subscriptions, keeping only (subscription, batch) pairs where every
// SubscriptionCondition holds as a closed-interval inclusion on its
// configured attribute.
func (m *Matcher) MatchSubscriptions(ctx context.Context, resource store.ResourceType, batches []Batch) ([]Match, error) {
	var matches []Match

	for _, b := range batches {
		subs, err := m.Lookup(ctx, b.Key.AggregatorID, resource, filterIDFor(b))
		if err != nil {
			return nil, fmt.Errorf("subscription: lookup for batch %+v: %w", b.Key, err)
		}

		for _, sub := range subs {
			if sub.ScopedSiteID != nil && *sub.ScopedSiteID != b.Key.SiteID {
				continue
			}

			entities := b.Entities
			if sub.ResourceID != nil {
				entities = filterByFilterID(entities, *sub.ResourceID)
			}

			if len(entities) == 0 {
				continue
			}

			matched := matchConditions(sub, entities)
			if len(matched) == 0 {
				continue
			}

			matches = append(matches, Match{Subscription: sub, Entities: matched})
		}
	}

	return matches, nil
}

// filterIDFor picks the representative resource_id filter value for a
// batch's lookup — every entity in a batch shares the same FilterID for
// SITE/DOE/READING batches; for TARIFF_GENERATED_RATE it's the tariff_id
// already folded into the key.
func filterIDFor(b Batch) int64 {
	if len(b.Entities) == 0 {
		return 0
	}

	return b.Entities[0].FilterID
}

func filterByFilterID(entities []ChangedEntity, filterID int64) []ChangedEntity {
	var out []ChangedEntity

	for _, e := range entities {
		if e.FilterID == filterID {
			out = append(out, e)
		}
	}

	return out
}

// matchConditions keeps only entities satisfying every one of the
// subscription's conditions as a closed-interval inclusion.
func matchConditions(sub store.Subscription, entities []ChangedEntity) []ChangedEntity {
	if len(sub.Conditions) == 0 {
		return entities
	}

	var out []ChangedEntity

	for _, e := range entities {
		ok := true

		for _, c := range sub.Conditions {
			v, present := e.Attributes[c.Attribute]
			if !present || v < c.LowerBound || v > c.UpperBound {
				ok = false

				break
			}
		}

		if ok {
			out = append(out, e)
		}
	}

	return out
}
