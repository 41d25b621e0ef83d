package validation

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/kjstillabower/sismos-service/internal/models"
)

const (
	DefaultRecentLimit = 10
	MaxRecentLimit     = 50
	MaxMagnitude       = 10.0
)

// ErrInvalidLimit is returned when limit is not an integer in [1, max].
var ErrInvalidLimit = errors.New("invalid limit")

// ErrInvalidMagnitude is returned when a magnitude threshold is not a number in [0, 10].
var ErrInvalidMagnitude = errors.New("invalid magnitude")

// ErrInvalidBounds is returned when a bounding box is missing a side, out of range or inverted.
var ErrInvalidBounds = errors.New("invalid bounds")

// ParseLimit parses the recent-records limit. Empty input means DefaultRecentLimit.
func ParseLimit(raw string) (int, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return DefaultRecentLimit, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not an integer", ErrInvalidLimit, raw)
	}
	if n < 1 || n > MaxRecentLimit {
		return 0, fmt.Errorf("%w: must be between 1 and %d", ErrInvalidLimit, MaxRecentLimit)
	}
	return n, nil
}

// ParseMagnitude parses a minimum magnitude threshold.
func ParseMagnitude(raw string) (float64, error) {
	v, err := parseFinite(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a number", ErrInvalidMagnitude, raw)
	}
	if v < 0 || v > MaxMagnitude {
		return 0, fmt.Errorf("%w: must be between 0 and %g", ErrInvalidMagnitude, MaxMagnitude)
	}
	return v, nil
}

// ParseBounds parses all four sides of a bounding box. Every side is required.
func ParseBounds(minLat, maxLat, minLng, maxLng string) (models.Bounds, error) {
	var b models.Bounds
	sides := []struct {
		name string
		raw  string
		dst  *float64
		lim  float64
	}{
		{"minLat", minLat, &b.MinLat, 90},
		{"maxLat", maxLat, &b.MaxLat, 90},
		{"minLng", minLng, &b.MinLng, 180},
		{"maxLng", maxLng, &b.MaxLng, 180},
	}
	for _, s := range sides {
		v, err := parseFinite(s.raw)
		if err != nil {
			return models.Bounds{}, fmt.Errorf("%w: %s is required and must be a number", ErrInvalidBounds, s.name)
		}
		if v < -s.lim || v > s.lim {
			return models.Bounds{}, fmt.Errorf("%w: %s must be between %g and %g", ErrInvalidBounds, s.name, -s.lim, s.lim)
		}
		*s.dst = v
	}
	if b.MinLat > b.MaxLat {
		return models.Bounds{}, fmt.Errorf("%w: minLat greater than maxLat", ErrInvalidBounds)
	}
	if b.MinLng > b.MaxLng {
		return models.Bounds{}, fmt.Errorf("%w: minLng greater than maxLng", ErrInvalidBounds)
	}
	return b, nil
}

func parseFinite(raw string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, errors.New("not finite")
	}
	return v, nil
}
