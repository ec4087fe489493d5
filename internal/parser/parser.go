package parser

import (
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"

	"geotracker/internal/models"
)

// RejectionError describes why a report was refused. Fields holds the names
// of the missing or malformed parameters, in the order they were checked.
type RejectionError struct {
	Fields []string
	reason string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("%s: %s", e.reason, strings.Join(e.Fields, ", "))
}

func missingFields(fields ...string) *RejectionError {
	return &RejectionError{Fields: fields, reason: "missing required parameters"}
}

func malformedFields(fields ...string) *RejectionError {
	return &RejectionError{Fields: fields, reason: "malformed parameters"}
}

// Decode converts raw report fields (query string or form body) into a
// Position. It is a pure function: now supplies the substitute timestamp and
// nothing else is touched.
//
// id, lat and lon are required; lat/lon must parse as finite floats. Every
// other field is optional and an unparseable optional value is treated as
// absent rather than an error.
func Decode(fields url.Values, now time.Time) (*models.Position, error) {
	id := strings.TrimSpace(fields.Get("id"))

	var missing []string
	if id == "" {
		missing = append(missing, "id")
	}
	if fields.Get("lat") == "" {
		missing = append(missing, "lat")
	}
	if fields.Get("lon") == "" {
		missing = append(missing, "lon")
	}
	if len(missing) > 0 {
		return nil, missingFields(missing...)
	}

	lat, latErr := parseFinite(fields.Get("lat"))
	lon, lonErr := parseFinite(fields.Get("lon"))

	var malformed []string
	if latErr != nil {
		malformed = append(malformed, "lat")
	}
	if lonErr != nil {
		malformed = append(malformed, "lon")
	}
	if len(malformed) > 0 {
		return nil, malformedFields(malformed...)
	}

	name := strings.TrimSpace(fields.Get("devicename"))
	if name == "" {
		name = "Tracker " + id
	}

	p := &models.Position{
		DeviceID:   id,
		DeviceName: name,
		Latitude:   lat,
		Longitude:  lon,
		Timestamp:  decodeTimestamp(fields.Get("timestamp"), now),
		Speed:      optionalFloat(fields.Get("speed")),
		Bearing:    optionalFloat(fields.Get("bearing")),
		Altitude:   optionalFloat(fields.Get("altitude")),
		Accuracy:   optionalFloat(fields.Get("accuracy")),
		Battery:    optionalFloat(fields.Get("batt")),
		Charging:   decodeCharge(fields, "charge"),
	}
	return p, nil
}

func parseFinite(s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("not finite: %s", s)
	}
	return v, nil
}

func optionalFloat(s string) *float64 {
	if s == "" {
		return nil
	}
	v, err := parseFinite(s)
	if err != nil {
		return nil
	}
	return &v
}

// decodeTimestamp interprets the device timestamp as whole seconds since
// epoch and converts to milliseconds. Absent or unparseable falls back to
// the ingestion time.
func decodeTimestamp(s string, now time.Time) int64 {
	if s == "" {
		return now.UnixMilli()
	}
	secs, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return now.UnixMilli()
	}
	return secs * 1000
}

// decodeCharge implements the tri-state charge flag: "true"/"1" is charging,
// an absent field is unknown, any other value is not charging.
func decodeCharge(fields url.Values, key string) *bool {
	if !fields.Has(key) {
		return nil
	}
	v := strings.TrimSpace(fields.Get(key)) == "true" || strings.TrimSpace(fields.Get(key)) == "1"
	return &v
}
