package models

import "time"

// Position is a single location report from a tracker device. Optional
// readings are pointers: a missing value stays null all the way to the API,
// it is never coerced to zero.
type Position struct {
	ID         int64     `json:"-"`
	DeviceID   string    `json:"id"`
	DeviceName string    `json:"devicename"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Timestamp  int64     `json:"timestamp"` // milliseconds since epoch
	Speed      *float64  `json:"speed"`
	Bearing    *float64  `json:"bearing"`
	Altitude   *float64  `json:"altitude"`
	Accuracy   *float64  `json:"accuracy"`
	Battery    *float64  `json:"battery"`
	Charging   *bool     `json:"charge"`
	ReceivedAt time.Time `json:"lastUpdate"`
}

// Time returns the device-reported timestamp as a time.Time.
func (p *Position) Time() time.Time {
	return time.UnixMilli(p.Timestamp)
}

// Age is the elapsed time between the device-reported timestamp and now.
func (p *Position) Age(now time.Time) time.Duration {
	return now.Sub(p.Time())
}

// LiveDevice is the ephemeral roster view of a device: its most recent
// position plus the computed inactivity flag.
type LiveDevice struct {
	Position
	Inactive bool `json:"inactive"`
}

// Classify builds the roster view for a position. A device is inactive once
// its last report is older than the threshold; it is still listed.
func Classify(p *Position, now time.Time, inactiveAfter time.Duration) LiveDevice {
	return LiveDevice{
		Position: *p,
		Inactive: p.Age(now) > inactiveAfter,
	}
}

// EventType discriminates fan-out events.
type EventType string

const (
	EventUpdated EventType = "update"
	EventRemoved EventType = "remove"
)

// Event is a single fan-out notification. Position is set for updates,
// DeviceID alone for removals.
type Event struct {
	Type     EventType
	DeviceID string
	Position *Position
}
