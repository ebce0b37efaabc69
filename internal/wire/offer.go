package wire

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/order-tracking/internal/eta"
	"github.com/example/order-tracking/internal/models"
)

var ErrMissingOrderID = errors.New("offer without order id")

// OrderRequest is the order-request push delivered to drivers.
type OrderRequest struct {
	ID                ID      `json:"id"`
	OfferID           string  `json:"offerId"`
	OrderID           ID      `json:"orderId"`
	CustomerName      string  `json:"customerName"`
	CustomerPhone     string  `json:"customerPhone"`
	RestaurantName    string  `json:"restaurantName"`
	PickupLocation    *Point  `json:"pickupLocation"`
	Destination       *Point  `json:"destination"`
	DeliveryAddress   *Point  `json:"deliveryAddress"`
	EstimatedDuration *Number `json:"estimatedDuration"`
	Duration          *Number `json:"duration"`
	EstimatedDistance *Number `json:"estimatedDistance"`
	Distance          *Number `json:"distance"`
	PaymentMethod     string  `json:"paymentMethod"`
	Total             *Number `json:"total"`
	Amount            *Number `json:"amount"`
	Currency          string  `json:"currency"`
	OrderTime         string  `json:"orderTime"`
	Notes             string  `json:"notes"`
}

// OfferDefaults supplies what the wire may omit.
type OfferDefaults struct {
	Currency  string
	Estimator eta.Estimator
	NewID     func() string
}

// NormalizeOffer maps an order-request into a DeliveryOffer.
//
//	id            offerId, else id, else a fresh uuid
//	orderId       required
//	customerName  "Customer" when blank (the server may anonymize)
//	destination   destination, else deliveryAddress
//	duration      estimatedDuration, else duration, else straight-line ETA
//	distance      estimatedDistance, else distance, else straight-line km
//	amount        total, else amount, else 0
//	currency      currency, else the configured default
//	paymentMethod lower-cased, "cash" when blank
//	orderTime     parsed time, else the receive time
func NormalizeOffer(r OrderRequest, now time.Time, d OfferDefaults) (models.DeliveryOffer, error) {
	if r.OrderID == 0 {
		return models.DeliveryOffer{}, ErrMissingOrderID
	}
	newID := d.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	o := models.DeliveryOffer{
		OrderID:        int64(r.OrderID),
		CustomerName:   firstString(r.CustomerName, "Customer"),
		CustomerPhone:  strings.TrimSpace(r.CustomerPhone),
		RestaurantName: strings.TrimSpace(r.RestaurantName),
		PaymentMethod:  strings.ToLower(firstString(r.PaymentMethod, "cash")),
		Currency:       strings.ToUpper(firstString(r.Currency, d.Currency)),
		Notes:          strings.TrimSpace(r.Notes),
		ReceivedAt:     now,
		OrderTime:      now,
		Fresh:          true,
	}

	switch {
	case strings.TrimSpace(r.OfferID) != "":
		o.ID = strings.TrimSpace(r.OfferID)
	case r.ID != 0:
		o.ID = r.ID.String()
	default:
		o.ID = newID()
	}

	if r.PickupLocation != nil {
		o.Pickup = r.PickupLocation.Place
	}
	if dst := firstPoint(r.Destination, r.DeliveryAddress); dst != nil {
		o.Destination = dst.Place
	}

	if v := firstNumber(r.EstimatedDuration, r.Duration); v != nil {
		o.DurationMin = float64(*v)
	} else {
		o.DurationMin = d.Estimator.DurationMin(o.Pickup.Location, o.Destination.Location)
	}
	if v := firstNumber(r.EstimatedDistance, r.Distance); v != nil {
		o.DistanceKm = float64(*v)
	} else {
		o.DistanceKm = d.Estimator.DistanceKm(o.Pickup.Location, o.Destination.Location)
	}
	if v := firstNumber(r.Total, r.Amount); v != nil {
		o.Amount = float64(*v)
	}
	if t, ok := parseTime(r.OrderTime); ok {
		o.OrderTime = t
	}
	return o, nil
}

func (i ID) String() string { return strconv.FormatInt(int64(i), 10) }

func firstPoint(vals ...*Point) *Point {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}
