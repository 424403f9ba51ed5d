package geo

import (
	"math"
	"time"
)

// LatLng is a WGS84 coordinate pair.
type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Bounds is a rectangular latitude/longitude window.
type Bounds struct {
	South float64 `json:"south"`
	West  float64 `json:"west"`
	North float64 `json:"north"`
	East  float64 `json:"east"`
}

// Center returns the midpoint of the window.
func (b Bounds) Center() LatLng {
	return LatLng{
		Lat: (b.South + b.North) / 2,
		Lng: (b.West + b.East) / 2,
	}
}

// Contains reports whether the point falls inside the window.
func (b Bounds) Contains(p LatLng) bool {
	return p.Lat >= b.South && p.Lat <= b.North && p.Lng >= b.West && p.Lng <= b.East
}

// BoundsAround builds a window of roughly radiusKm around a center point.
// One degree of latitude is ~111km; longitude shrinks with cos(lat).
func BoundsAround(center LatLng, radiusKm float64) Bounds {
	latDelta := radiusKm / 111
	lngDelta := radiusKm / (111 * math.Cos(center.Lat*math.Pi/180))
	return Bounds{
		South: center.Lat - latDelta,
		North: center.Lat + latDelta,
		West:  center.Lng - lngDelta,
		East:  center.Lng + lngDelta,
	}
}

// Availability is a carrier's upserted availability record: at most one row
// per trucker, overwritten on every update and never deleted. A record with no
// position can still toggle availability but never appears in spatial query
// results.
type Availability struct {
	TruckerID          string
	IsAvailable        bool
	Current            *LatLng
	CurrentAddress     *string
	Destination        *LatLng
	DestinationAddress *string
	AvailablePallets   int
	VehicleType        *string
	AvailableFrom      *time.Time
	AvailableUntil     *time.Time
	UpdatedAt          time.Time
}

// Snapshot is the transient, viewer-held combination of an availability record
// with its distance from the viewport center and a freshness timestamp. It is
// superseded by newer broadcasts and never persisted.
type Snapshot struct {
	Availability
	DistanceKM float64
	ObservedAt time.Time
}

// Broadcast is one ephemeral position tick from a tracking carrier. Delivery
// is best effort, at most once per tick: a missed broadcast is superseded by
// the next one, so this is never a source of truth.
type Broadcast struct {
	TruckerID string   `json:"trucker_id"`
	Lat       float64  `json:"lat"`
	Lng       float64  `json:"lng"`
	Heading   *float64 `json:"heading"`
	Speed     *float64 `json:"speed"`
}

// Position returns the broadcast coordinate as a LatLng.
func (b Broadcast) Position() LatLng {
	return LatLng{Lat: b.Lat, Lng: b.Lng}
}
