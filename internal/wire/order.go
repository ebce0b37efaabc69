package wire

import (
	"encoding/json"
	"time"

	"github.com/example/order-tracking/internal/models"
)

// DriverPayload is the driver reference embedded in assignment pushes.
type DriverPayload struct {
	ID           ID              `json:"id"`
	UserID       ID              `json:"userId"`
	Name         string          `json:"name"`
	FullName     string          `json:"fullName"`
	Phone        string          `json:"phone"`
	PhoneNumber  string          `json:"phoneNumber"`
	Vehicle      *models.Vehicle `json:"vehicle"`
	VehicleType  string          `json:"vehicleType"`
	VehiclePlate string          `json:"vehiclePlate"`
	LicensePlate string          `json:"licensePlate"`
	VehicleModel string          `json:"vehicleModel"`
	VehicleColor string          `json:"vehicleColor"`
}

// Driver maps the payload; id falls back to userId, name to fullName,
// phone to phoneNumber, plate to licensePlate.
func (d DriverPayload) Driver() models.Driver {
	out := models.Driver{
		ID:    firstID(d.ID, d.UserID),
		Name:  firstString(d.Name, d.FullName),
		Phone: firstString(d.Phone, d.PhoneNumber),
	}
	if d.Vehicle != nil {
		out.Vehicle = *d.Vehicle
	}
	out.Vehicle.Type = firstString(out.Vehicle.Type, d.VehicleType)
	out.Vehicle.Plate = firstString(out.Vehicle.Plate, d.VehiclePlate, d.LicensePlate)
	out.Vehicle.Model = firstString(out.Vehicle.Model, d.VehicleModel)
	out.Vehicle.Color = firstString(out.Vehicle.Color, d.VehicleColor)
	return out
}

type restaurantRef struct {
	ID   ID     `json:"id"`
	Name string `json:"name"`
}

// OrderPayload is an order resource as the REST API and new-order push send it.
type OrderPayload struct {
	ID             ID             `json:"id"`
	OrderID        ID             `json:"orderId"`
	Status         string         `json:"status"`
	UserID         ID             `json:"userId"`
	RestaurantID   ID             `json:"restaurantId"`
	RestaurantName string         `json:"restaurantName"`
	Restaurant     *restaurantRef `json:"restaurant"`
	AddressID      ID             `json:"addressId"`
	Subtotal       Number         `json:"subtotal"`
	DeliveryFee    Number         `json:"deliveryFee"`
	Discount       Number         `json:"discount"`
	Total          Number         `json:"total"`
	PaymentMethod  string         `json:"paymentMethod"`
	Notes          string         `json:"notes"`
	CreatedAt      string         `json:"createdAt"`

	Driver      *DriverPayload `json:"driver"`
	DriverID    ID             `json:"driverId"`
	DriverName  string         `json:"driverName"`
	DriverPhone string         `json:"driverPhone"`
}

// Key is the order id; "id" wins over "orderId".
func (o OrderPayload) Key() int64 { return firstID(o.ID, o.OrderID) }

// Order maps the payload. An unknown status is left empty so callers can
// tell "not reported" from a real status.
func (o OrderPayload) Order() models.Order {
	out := models.Order{
		ID:            o.Key(),
		UserID:        int64(o.UserID),
		RestaurantID:  int64(o.RestaurantID),
		AddressID:     int64(o.AddressID),
		Subtotal:      float64(o.Subtotal),
		DeliveryFee:   float64(o.DeliveryFee),
		Discount:      float64(o.Discount),
		Total:         float64(o.Total),
		PaymentMethod: o.PaymentMethod,
		Notes:         o.Notes,
	}
	if st, ok := models.ParseStatus(o.Status); ok {
		out.Status = st
	}
	out.RestaurantName = o.RestaurantName
	if o.Restaurant != nil {
		out.RestaurantName = firstString(out.RestaurantName, o.Restaurant.Name)
		if out.RestaurantID == 0 {
			out.RestaurantID = int64(o.Restaurant.ID)
		}
	}
	if t, ok := parseTime(o.CreatedAt); ok {
		out.CreatedAt = t
	}
	return out
}

// AssignedDriver returns the nested driver object, or one assembled from the
// flat driverId/driverName/driverPhone fields, or nil.
func (o OrderPayload) AssignedDriver() *models.Driver {
	if o.Driver != nil {
		d := o.Driver.Driver()
		if d.ID == 0 {
			d.ID = int64(o.DriverID)
		}
		return &d
	}
	if o.DriverID == 0 && o.DriverName == "" {
		return nil
	}
	return &models.Driver{ID: int64(o.DriverID), Name: o.DriverName, Phone: o.DriverPhone}
}

// OrderEnvelope accepts an order either bare or wrapped in "order"/"data".
type OrderEnvelope struct {
	OrderPayload
	Wrapped *OrderPayload `json:"order"`
	Data    *OrderPayload `json:"data"`
}

func (e OrderEnvelope) Resolve() OrderPayload {
	switch {
	case e.Wrapped != nil:
		return *e.Wrapped
	case e.Data != nil:
		return *e.Data
	default:
		return e.OrderPayload
	}
}

// DecodeOrder parses an order body in any of the accepted shapes.
func DecodeOrder(b []byte) (OrderPayload, error) {
	var env OrderEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return OrderPayload{}, err
	}
	return env.Resolve(), nil
}

type StatusUpdate struct {
	OrderID  ID     `json:"orderId"`
	ID       ID     `json:"id"`
	Status   string `json:"status"`
	Location *Point `json:"location"`
}

func (s StatusUpdate) Key() int64 { return firstID(s.OrderID, s.ID) }

type DriverAssigned struct {
	Order    *OrderPayload  `json:"order"`
	OrderID  ID             `json:"orderId"`
	Driver   *DriverPayload `json:"driver"`
	Location *Point         `json:"location"`
}

// Key is order.id, falling back to the flat orderId.
func (d DriverAssigned) Key() int64 {
	if d.Order != nil {
		if id := d.Order.Key(); id != 0 {
			return id
		}
	}
	return int64(d.OrderID)
}

// AssignedDriver prefers the top-level driver object over the order's.
func (d DriverAssigned) AssignedDriver() *models.Driver {
	if d.Driver != nil {
		drv := d.Driver.Driver()
		return &drv
	}
	if d.Order != nil {
		return d.Order.AssignedDriver()
	}
	return nil
}

type OrderCancelled struct {
	OrderID ID     `json:"orderId"`
	ID      ID     `json:"id"`
	Reason  string `json:"reason"`
}

func (c OrderCancelled) Key() int64 { return firstID(c.OrderID, c.ID) }

// LocationUpdate carries the driver position either nested under
// "location" or flat on the payload.
type LocationUpdate struct {
	OrderID   ID      `json:"orderId"`
	DriverID  ID      `json:"driverId"`
	Location  *Point  `json:"location"`
	Latitude  *Number `json:"latitude"`
	Longitude *Number `json:"longitude"`
}

func (l LocationUpdate) Point() *models.Location {
	if p := l.Location.LocationPtr(); p != nil {
		return p
	}
	if l.Latitude != nil && l.Longitude != nil {
		return &models.Location{Latitude: float64(*l.Latitude), Longitude: float64(*l.Longitude)}
	}
	return nil
}

type JoinedRoom struct {
	OrderID ID `json:"orderId"`
}

// ServerError is the body of connect_error and error frames.
type ServerError struct {
	Message string `json:"message"`
}

func parseTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
