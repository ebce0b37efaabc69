package geo

import (
	"context"
	"math"
	"sync"

	"github.com/example/order-tracking/internal/models"
)

// PositionStore keeps the last known position of each driver.
type PositionStore interface {
	Upsert(ctx context.Context, driverID int64, s models.Sample) error
	Position(ctx context.Context, driverID int64) (models.Sample, bool, error)
}

// Index is the in-memory PositionStore.
type Index struct {
	mu      sync.RWMutex
	drivers map[int64]models.Sample
}

func NewIndex() *Index {
	return &Index{drivers: make(map[int64]models.Sample)}
}

func (g *Index) Upsert(_ context.Context, driverID int64, s models.Sample) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	// older samples never overwrite newer ones
	if cur, ok := g.drivers[driverID]; ok && s.Timestamp.Before(cur.Timestamp) {
		return nil
	}
	g.drivers[driverID] = s
	return nil
}

func (g *Index) Position(_ context.Context, driverID int64) (models.Sample, bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s, ok := g.drivers[driverID]
	return s, ok, nil
}

// Distance between two locations in meters.
func Distance(a, b models.Location) float64 {
	return Haversine(a.Latitude, a.Longitude, b.Latitude, b.Longitude)
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

// Valid rejects the zero point and out-of-range coordinates, which the
// server sends for "unknown".
func Valid(l models.Location) bool {
	if l.Latitude == 0 && l.Longitude == 0 {
		return false
	}
	return l.Latitude >= -90 && l.Latitude <= 90 && l.Longitude >= -180 && l.Longitude <= 180
}
