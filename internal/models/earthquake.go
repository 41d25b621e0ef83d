package models

import (
	"cmp"
	"slices"
	"time"
)

// Severity is a coarse magnitude bucket used for map markers.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityModerate Severity = "moderate"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// SeverityFor buckets a magnitude: <2.5 low, <4.5 moderate, <6.0 high, else critical.
func SeverityFor(magnitude float64) Severity {
	switch {
	case magnitude >= 6.0:
		return SeverityCritical
	case magnitude >= 4.5:
		return SeverityHigh
	case magnitude >= 2.5:
		return SeverityModerate
	default:
		return SeverityLow
	}
}

// Record is one normalized seismic event. ID is derived from the event's date, time and
// coordinates so re-fetching the same event always yields the same ID.
type Record struct {
	ID        string    `json:"id" validate:"required,hexadecimal,len=16"`
	Timestamp time.Time `json:"timestamp"`
	Magnitude float64   `json:"magnitude" validate:"gte=0,lte=10"`
	Depth     float64   `json:"depth" validate:"gte=0,lte=800"`
	Latitude  float64   `json:"latitude" validate:"gte=-90,lte=90"`
	Longitude float64   `json:"longitude" validate:"gte=-180,lte=180"`
	Address   string    `json:"address" validate:"max=512"`
	Country   string    `json:"country" validate:"max=128"`
	Severity  Severity  `json:"severity,omitempty"`
}

// Snapshot is a published, point-in-time view of all records. Records are sorted by
// timestamp descending. A Snapshot is never mutated after it is published; readers
// share it without locking.
type Snapshot struct {
	Records     []Record  `json:"records"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// EmptySnapshot returns a snapshot with no records and a zero LastUpdated.
func EmptySnapshot() *Snapshot {
	return &Snapshot{Records: []Record{}}
}

// Len returns the number of records, treating a nil snapshot as empty.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Records)
}

// IsZero reports whether the snapshot has never been populated.
func (s *Snapshot) IsZero() bool {
	return s == nil || (len(s.Records) == 0 && s.LastUpdated.IsZero())
}

// SortByTimeDesc orders records newest first. Ties are broken by ID so the order is
// deterministic across loads.
func SortByTimeDesc(records []Record) {
	slices.SortFunc(records, func(a, b Record) int {
		if c := b.Timestamp.Compare(a.Timestamp); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

// UniqueNewest returns records with one entry per ID, keeping the copy with the latest
// timestamp, sorted newest first. The input slice is not modified.
func UniqueNewest(records []Record) []Record {
	byID := make(map[string]Record, len(records))
	for _, r := range records {
		if prev, ok := byID[r.ID]; ok && prev.Timestamp.After(r.Timestamp) {
			continue
		}
		byID[r.ID] = r
	}
	out := make([]Record, 0, len(byID))
	for _, r := range byID {
		out = append(out, r)
	}
	SortByTimeDesc(out)
	return out
}

// Stats summarizes a snapshot.
type Stats struct {
	Count        int       `json:"count"`
	MaxMagnitude float64   `json:"maxMagnitude"`
	MinMagnitude float64   `json:"minMagnitude"`
	AvgMagnitude float64   `json:"avgMagnitude"`
	MostRecent   *Record   `json:"mostRecent"`
	LastUpdated  time.Time `json:"lastUpdated"`
}

// Coordinate is the compact marker form used by the map view.
type Coordinate struct {
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Magnitude float64   `json:"magnitude"`
	Location  string    `json:"location"`
	Time      time.Time `json:"time"`
	Depth     float64   `json:"depth"`
}

// Bounds is an inclusive latitude/longitude box.
type Bounds struct {
	MinLat float64
	MaxLat float64
	MinLng float64
	MaxLng float64
}

// Contains reports whether the point lies inside the box (edges included).
func (b Bounds) Contains(lat, lng float64) bool {
	return lat >= b.MinLat && lat <= b.MaxLat && lng >= b.MinLng && lng <= b.MaxLng
}
