package eta

import (
	"github.com/example/order-tracking/internal/geo"
	"github.com/example/order-tracking/internal/models"
)

// DefaultSpeedMps is ~28.8 km/h, a city speed for a motorbike courier.
const DefaultSpeedMps = 8.0

// Estimator fills in trip estimates the server left out of an offer.
type Estimator struct {
	SpeedMps float64
}

// EstimateSeconds is a naive straight-line ETA: distance / speed.
func EstimateSeconds(from, to models.Location, speedMps float64) float64 {
	if speedMps <= 0 {
		speedMps = DefaultSpeedMps
	}
	return geo.Distance(from, to) / speedMps
}

// DistanceKm returns the straight-line distance, 0 when either end is unknown.
func (e Estimator) DistanceKm(from, to models.Location) float64 {
	if !geo.Valid(from) || !geo.Valid(to) {
		return 0
	}
	return geo.Distance(from, to) / 1000
}

// DurationMin returns the ETA in minutes, 0 when either end is unknown.
func (e Estimator) DurationMin(from, to models.Location) float64 {
	if !geo.Valid(from) || !geo.Valid(to) {
		return 0
	}
	return EstimateSeconds(from, to, e.SpeedMps) / 60
}
