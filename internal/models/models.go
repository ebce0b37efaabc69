package models

import "time"

// Role selects which namespace and event set a session uses.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleDriver   Role = "driver"
)

// WireRole is the value carried in the connection handshake.
func (r Role) WireRole() string {
	if r == RoleDriver {
		return "driver"
	}
	return "user"
}

func (r Role) Valid() bool { return r == RoleCustomer || r == RoleDriver }

type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
)

type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Place is a location with an optional human readable address.
type Place struct {
	Location
	Address string `json:"address,omitempty"`
}

type Vehicle struct {
	Type  string `json:"type,omitempty"`
	Plate string `json:"plate,omitempty"`
	Model string `json:"model,omitempty"`
	Color string `json:"color,omitempty"`
}

type Driver struct {
	ID      int64   `json:"id"`
	Name    string  `json:"name,omitempty"`
	Phone   string  `json:"phone,omitempty"`
	Vehicle Vehicle `json:"vehicle"`
}

type OrderItem struct {
	ProductID int64   `json:"productId"`
	Quantity  int     `json:"quantity"`
	Price     float64 `json:"price"`
	Notes     string  `json:"notes,omitempty"`
}

// CreateOrderRequest is the body of the REST order creation call.
type CreateOrderRequest struct {
	UserID        int64       `json:"userId"`
	RestaurantID  int64       `json:"restaurantId"`
	AddressID     int64       `json:"addressId"`
	OrderItems    []OrderItem `json:"orderItems"`
	Subtotal      float64     `json:"subtotal"`
	DeliveryFee   float64     `json:"deliveryFee"`
	Discount      *float64    `json:"discount,omitempty"`
	Total         float64     `json:"total"`
	CouponID      *int64      `json:"couponId,omitempty"`
	PaymentMethod string      `json:"paymentMethod"`
	Notes         string      `json:"notes,omitempty"`
}

type Order struct {
	ID             int64       `json:"id"`
	Status         OrderStatus `json:"status"`
	UserID         int64       `json:"userId,omitempty"`
	RestaurantID   int64       `json:"restaurantId,omitempty"`
	RestaurantName string      `json:"restaurantName,omitempty"`
	AddressID      int64       `json:"addressId,omitempty"`
	Subtotal       float64     `json:"subtotal,omitempty"`
	DeliveryFee    float64     `json:"deliveryFee,omitempty"`
	Discount       float64     `json:"discount,omitempty"`
	Total          float64     `json:"total,omitempty"`
	PaymentMethod  string      `json:"paymentMethod,omitempty"`
	Notes          string      `json:"notes,omitempty"`
	CreatedAt      time.Time   `json:"createdAt,omitempty"`
}

// OrderSnapshot is the consumer-visible view of one tracked order.
type OrderSnapshot struct {
	OrderID        int64       `json:"orderId"`
	Status         OrderStatus `json:"status"`
	Order          *Order      `json:"order,omitempty"`
	Driver         *Driver     `json:"driver,omitempty"`
	DriverLocation *Location   `json:"driverLocation,omitempty"`

	Label     string `json:"label"`
	Step      int    `json:"step"`
	Searching bool   `json:"searching"`

	// Stale is set while the channel is down; the data is kept.
	Stale     bool      `json:"stale"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Derive refreshes the display fields from status and driver.
func (s *OrderSnapshot) Derive() {
	s.Label = s.Status.Label()
	s.Step = s.Status.Step()
	s.Searching = s.Driver == nil && !s.Status.Terminal() && s.Status.Step() < StatusOutForDelivery.Step()
}

// Clone returns a deep copy safe to hand to consumers.
func (s OrderSnapshot) Clone() OrderSnapshot {
	out := s
	if s.Order != nil {
		o := *s.Order
		out.Order = &o
	}
	if s.Driver != nil {
		d := *s.Driver
		out.Driver = &d
	}
	if s.DriverLocation != nil {
		l := *s.DriverLocation
		out.DriverLocation = &l
	}
	return out
}

// DeliveryOffer is an inbound dispatch proposal awaiting accept or decline.
type DeliveryOffer struct {
	ID             string    `json:"id"`
	OrderID        int64     `json:"orderId"`
	CustomerName   string    `json:"customerName"`
	CustomerPhone  string    `json:"customerPhone,omitempty"`
	RestaurantName string    `json:"restaurantName,omitempty"`
	Pickup         Place     `json:"pickupLocation"`
	Destination    Place     `json:"destination"`
	DistanceKm     float64   `json:"estimatedDistance"`
	DurationMin    float64   `json:"estimatedDuration"`
	PaymentMethod  string    `json:"paymentMethod"`
	Amount         float64   `json:"amount"`
	Currency       string    `json:"currency"`
	Notes          string    `json:"notes,omitempty"`
	OrderTime      time.Time `json:"orderTime"`
	ReceivedAt     time.Time `json:"receivedAt"`
	Fresh          bool      `json:"fresh"`
}

// Sample is one driver position reading.
type Sample struct {
	Location
	Accuracy  float64   `json:"accuracy,omitempty"`
	Speed     float64   `json:"speed,omitempty"`
	Heading   float64   `json:"heading,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
