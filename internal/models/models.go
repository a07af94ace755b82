package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether the coordinate lies within |lat| <= 90 and |lon| <= 180.
func (c Coord) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

type VehicleClass string

const (
	VehicleAuto VehicleClass = "auto"
	VehicleCar  VehicleClass = "car"
	VehicleMoto VehicleClass = "moto"
)

func (v VehicleClass) Valid() bool {
	switch v {
	case VehicleAuto, VehicleCar, VehicleMoto:
		return true
	}
	return false
}

type RideRequest struct {
	RiderID      string       `json:"rider_id"`
	Pickup       Coord        `json:"pickup"`
	Destination  Coord        `json:"destination"`
	VehicleClass VehicleClass `json:"vehicle_class"`
}

// RideOffer is the payload pushed to a candidate captain.
type RideOffer struct {
	RideID       string       `json:"ride_id"`
	Pickup       Coord        `json:"pickup"`
	Destination  Coord        `json:"destination"`
	VehicleClass VehicleClass `json:"vehicle_class"`
	DistanceKm   float64      `json:"distance_km"`
	FareCents    int64        `json:"fare_cents,omitempty"`
	ExpiresAt    time.Time    `json:"expires_at"`
}

// RideNotice is the payload for lifecycle notices (taken, expired, cancelled, confirmed).
type RideNotice struct {
	RideID    string `json:"ride_id"`
	CaptainID string `json:"captain_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Ride is the checkpointed history row for one ride request.
type Ride struct {
	ID           string
	RiderID      string
	CaptainID    string
	Pickup       Coord
	Destination  Coord
	VehicleClass VehicleClass
	FareCents    int64
	Status       string // searching, matched, expired, cancelled, completed
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
