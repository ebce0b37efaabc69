package models

import "strings"

type OrderStatus string

const (
	StatusPending        OrderStatus = "pending"
	StatusConfirmed      OrderStatus = "confirmed"
	StatusPreparing      OrderStatus = "preparing"
	StatusReadyForPickup OrderStatus = "ready_for_pickup"
	StatusOutForDelivery OrderStatus = "out_for_delivery"
	StatusDelivered      OrderStatus = "delivered"
	StatusCancelled      OrderStatus = "cancelled"
)

// forward order of the happy path; cancelled sits outside it.
var statusSteps = map[OrderStatus]int{
	StatusPending:        0,
	StatusConfirmed:      1,
	StatusPreparing:      2,
	StatusReadyForPickup: 3,
	StatusOutForDelivery: 4,
	StatusDelivered:      5,
}

var statusLabels = map[OrderStatus]string{
	StatusPending:        "Waiting for the restaurant to confirm",
	StatusConfirmed:      "Order confirmed",
	StatusPreparing:      "Preparing your food",
	StatusReadyForPickup: "Ready for pickup",
	StatusOutForDelivery: "On the way",
	StatusDelivered:      "Delivered",
	StatusCancelled:      "Cancelled",
}

// ParseStatus normalizes a wire status ("Out-For-Delivery", "canceled", ...).
func ParseStatus(s string) (OrderStatus, bool) {
	v := strings.ToLower(strings.TrimSpace(s))
	v = strings.NewReplacer("-", "_", " ", "_").Replace(v)
	if v == "canceled" {
		v = string(StatusCancelled)
	}
	st := OrderStatus(v)
	if st.Valid() {
		return st, true
	}
	return "", false
}

func (s OrderStatus) Valid() bool {
	if s == StatusCancelled {
		return true
	}
	_, ok := statusSteps[s]
	return ok
}

func (s OrderStatus) Terminal() bool { return s == StatusDelivered || s == StatusCancelled }

// Step is the position on the happy path, -1 for cancelled or unknown.
func (s OrderStatus) Step() int {
	if v, ok := statusSteps[s]; ok {
		return v
	}
	return -1
}

func (s OrderStatus) Label() string {
	if l, ok := statusLabels[s]; ok {
		return l
	}
	return "Unknown"
}

// CanTransition reports whether a tracked order may move from -> to.
// Forward skips are allowed because pushes can be missed; backward moves and
// anything out of a terminal state are not.
func CanTransition(from, to OrderStatus) bool {
	if !to.Valid() || from.Terminal() {
		return false
	}
	if from == "" {
		return true
	}
	if to == StatusCancelled {
		return true
	}
	return to.Step() > from.Step()
}
