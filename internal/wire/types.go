// Package wire holds the loosely shaped JSON payloads the server pushes and
// maps them onto the typed models. Every fallback between alternative field
// names lives here so protocol code never has to guess.
package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/example/order-tracking/internal/models"
)

var null = []byte("null")

// ID accepts 42, "42" and 42.0.
type ID int64

func (i *ID) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(bytes.TrimSpace(b)), `"`)
	if s == "" || s == "null" {
		*i = 0
		return nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		*i = ID(n)
		return nil
	}
	// 7.0 and 1e3 are ids; 7.9 and anything past int64 are not.
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxInt64 {
		return fmt.Errorf("invalid id %q", s)
	}
	*i = ID(int64(f))
	return nil
}

// Number accepts 120, "120" and "120.50".
type Number float64

func (n *Number) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(bytes.TrimSpace(b)), `"`)
	if s == "" || s == "null" {
		*n = 0
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid number %q", s)
	}
	*n = Number(f)
	return nil
}

// Point is a location that may arrive as {latitude,longitude},
// {lat,lng|lon}, {coords:{...}} or only an address string.
type Point struct {
	models.Place
	Known bool
}

func (p *Point) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, null) {
		return nil
	}
	if b[0] == '"' {
		return json.Unmarshal(b, &p.Address)
	}
	type coords struct {
		Latitude  *Number `json:"latitude"`
		Longitude *Number `json:"longitude"`
	}
	var raw struct {
		Latitude  *Number `json:"latitude"`
		Longitude *Number `json:"longitude"`
		Lat       *Number `json:"lat"`
		Lng       *Number `json:"lng"`
		Lon       *Number `json:"lon"`
		Coords    *coords `json:"coords"`
		Address   string  `json:"address"`
		Name      string  `json:"name"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	lat := firstNumber(raw.Latitude, raw.Lat)
	lng := firstNumber(raw.Longitude, raw.Lng, raw.Lon)
	if raw.Coords != nil {
		lat = firstNumber(lat, raw.Coords.Latitude)
		lng = firstNumber(lng, raw.Coords.Longitude)
	}
	if lat != nil && lng != nil {
		p.Latitude = float64(*lat)
		p.Longitude = float64(*lng)
		p.Known = true
	}
	p.Address = firstString(raw.Address, raw.Name)
	return nil
}

// LocationPtr returns the coordinates when they were present on the wire.
func (p *Point) LocationPtr() *models.Location {
	if p == nil || !p.Known {
		return nil
	}
	l := p.Location
	return &l
}

func firstNumber(vals ...*Number) *Number {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}

func firstString(vals ...string) string {
	for _, v := range vals {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

func firstID(vals ...ID) int64 {
	for _, v := range vals {
		if v != 0 {
			return int64(v)
		}
	}
	return 0
}
