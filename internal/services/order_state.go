package services

import (
	"time"

	"github.com/example/fulfillment/internal/courier"
	"github.com/example/fulfillment/internal/models"
)

var statusRank = map[models.OrderStatus]int{
	models.OrderStatusPending:        0,
	models.OrderStatusConfirmed:      1,
	models.OrderStatusProcessing:     2,
	models.OrderStatusShipped:        3,
	models.OrderStatusOutForDelivery: 4,
	models.OrderStatusCompleted:      5,
}

// courierTransitions maps normalized courier statuses onto order statuses.
var courierTransitions = map[courier.Status]models.OrderStatus{
	courier.StatusPending:        models.OrderStatusProcessing,
	courier.StatusPickedUp:       models.OrderStatusShipped,
	courier.StatusInTransit:      models.OrderStatusShipped,
	courier.StatusOutForDelivery: models.OrderStatusOutForDelivery,
	courier.StatusDelivered:      models.OrderStatusCompleted,
	courier.StatusCancelled:      models.OrderStatusCancelled,
	courier.StatusFailed:         models.OrderStatusCancelled,
}

// canTransition reports whether from may move to to. Forward moves must
// strictly increase rank; cancelled and failed are reachable from any
// non-terminal state.
func canTransition(from, to models.OrderStatus) bool {
	if from.IsTerminal() || from == to {
		return false
	}
	if to == models.OrderStatusCancelled || to == models.OrderStatusFailed {
		return true
	}
	fromRank, ok := statusRank[from]
	if !ok {
		return false
	}
	toRank, ok := statusRank[to]
	return ok && toRank > fromRank
}

// stampTransition sets the lifecycle timestamp belonging to status.
func stampTransition(order *models.Order, status models.OrderStatus, now func() time.Time) {
	t := now()
	switch status {
	case models.OrderStatusConfirmed:
		if order.ConfirmedAt == nil {
			order.ConfirmedAt = &t
		}
	case models.OrderStatusShipped, models.OrderStatusOutForDelivery:
		if order.ShippedAt == nil {
			order.ShippedAt = &t
		}
	case models.OrderStatusCompleted:
		order.DeliveredAt = &t
	case models.OrderStatusCancelled, models.OrderStatusFailed:
		order.CancelledAt = &t
	}
	order.Status = status
}

// notificationFor returns the customer message triggered by entering status.
func notificationFor(status models.OrderStatus) (NotificationEvent, bool) {
	switch status {
	case models.OrderStatusConfirmed:
		return EventConfirmed, true
	case models.OrderStatusOutForDelivery:
		return EventOutForDelivery, true
	case models.OrderStatusCompleted:
		return EventDelivered, true
	case models.OrderStatusCancelled:
		return EventCancelled, true
	}
	return "", false
}
