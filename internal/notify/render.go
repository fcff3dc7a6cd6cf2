package notify

import (
	"encoding/json"
	"fmt"

	"github.com/gridedge/der-utility-server/internal/store"
	"github.com/gridedge/der-utility-server/internal/subscription"
)

// notificationEntity is the wire shape of one changed entity inside a
// Notification body.
type notificationEntity struct {
	ID         int64            `json:"id"`
	Attributes map[string]int64 `json:"attributes,omitempty"`
	Deleted    bool             `json:"deleted"`
}

// notificationBody is the wire shape of a Notification: the resource
// family, the subscription it fired under, and up to EntityLimit
// entities.
type notificationBody struct {
	ResourceType int                  `json:"resourceType"`
	SubscribedResourceURI string      `json:"subscribedResourceURI"`
	Entity       []notificationEntity `json:"entity"`
}

// JSONRenderer renders a Notification body as JSON, per this core's
// documented interpretation of spec.md §1's XML-bindings Non-goal (see
// internal/server's package doc): the sep2 wire format this deployment
// speaks is JSON, not XML, so Renderer's seam is filled with a JSON
// encoder rather than a hand-rolled XML binding layer.
func JSONRenderer(sub store.Subscription, entities []subscription.ChangedEntity, deleted bool) ([]byte, error) {
	body := notificationBody{
		ResourceType:          int(sub.ResourceType),
		SubscribedResourceURI: sub.NotificationURI,
		Entity:                make([]notificationEntity, 0, len(entities)),
	}

	for _, e := range entities {
		body.Entity = append(body.Entity, notificationEntity{
			ID:         e.EntityID,
			Attributes: e.Attributes,
			Deleted:    e.Deleted || deleted,
		})
	}

	out, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("notify: render notification: %w", err)
	}

	return out, nil
}
