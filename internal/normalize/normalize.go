package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/sismos-service/internal/models"
	"github.com/kjstillabower/sismos-service/internal/validation"
)

// Drop reasons, used as metric labels.
const (
	ReasonInvalidDate        = "invalid_date"
	ReasonInvalidMagnitude   = "invalid_magnitude"
	ReasonInvalidDepth       = "invalid_depth"
	ReasonInvalidCoordinates = "invalid_coordinates"
	ReasonInvalidField       = "invalid_field"
)

// Venezuela has been on UTC-4 without DST since 2016.
var venezuelaTime = time.FixedZone("VET", -4*60*60)

// LocalTime converts a stored UTC timestamp back to Venezuelan local time.
func LocalTime(t time.Time) time.Time {
	return t.In(venezuelaTime)
}

var leadingNumber = regexp.MustCompile(`^\s*(-?\d+(?:[.,]\d+)?)`)

// ValidationError explains why one upstream record was rejected. It never aborts a batch.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: field %s (%q): %v", e.Reason, e.Field, e.Value, e.Err)
	}
	return fmt.Sprintf("%s: field %s (%q)", e.Reason, e.Field, e.Value)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// BatchResult is the outcome of normalizing one fetch.
type BatchResult struct {
	Records    []models.Record
	Dropped    int
	Reasons    map[string]int
	Duplicates int
}

// Normalizer maps FUNVISIS features to records.
type Normalizer struct {
	loc    *time.Location
	logger *zap.Logger
}

// New returns a Normalizer interpreting upstream times as Venezuelan local time.
func New(logger *zap.Logger) *Normalizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Normalizer{loc: venezuelaTime, logger: logger}
}

// Normalize converts one feature or returns a *ValidationError.
func (n *Normalizer) Normalize(raw models.RawFeature) (models.Record, error) {
	p := raw.Properties

	ts, err := n.parseTimestamp(p.PostalCode, p.City)
	if err != nil {
		return models.Record{}, &ValidationError{Field: "date", Value: p.PostalCode + " " + p.City, Reason: ReasonInvalidDate, Err: err}
	}

	mag, err := parseDecimal(p.Phone)
	if err != nil {
		return models.Record{}, &ValidationError{Field: "magnitude", Value: p.Phone, Reason: ReasonInvalidMagnitude, Err: err}
	}

	depthRaw := p.PhoneFormatted
	if strings.TrimSpace(depthRaw) == "" {
		depthRaw = p.State
	}
	depth, err := parseDepth(depthRaw)
	if err != nil {
		return models.Record{}, &ValidationError{Field: "depth", Value: depthRaw, Reason: ReasonInvalidDepth, Err: err}
	}

	lat, lng, err := coordinates(raw)
	if err != nil {
		return models.Record{}, &ValidationError{Field: "coordinates", Value: p.Lat + "," + p.Long, Reason: ReasonInvalidCoordinates, Err: err}
	}

	rec := models.Record{
		ID:        RecordID(ts, lat, lng),
		Timestamp: ts,
		Magnitude: mag,
		Depth:     depth,
		Latitude:  lat,
		Longitude: lng,
		Address:   strings.TrimSpace(p.Address),
		Country:   strings.TrimSpace(p.Country),
		Severity:  models.SeverityFor(mag),
	}

	if err := validation.ValidateRecord(rec); err != nil {
		field, value := "record", ""
		var es validation.Errors
		if errors.As(err, &es) && len(es) > 0 {
			field = es[0].Field
			value = fmt.Sprint(es[0].Value)
		}
		return models.Record{}, &ValidationError{Field: field, Value: value, Reason: ReasonFor(field), Err: err}
	}
	return rec, nil
}

// NormalizeBatch normalizes every feature, dropping and counting the invalid ones.
// When two features share an ID the later one wins.
func (n *Normalizer) NormalizeBatch(raws []models.RawFeature) BatchResult {
	res := BatchResult{
		Records: make([]models.Record, 0, len(raws)),
		Reasons: make(map[string]int),
	}
	index := make(map[string]int, len(raws))

	for i, raw := range raws {
		rec, err := n.Normalize(raw)
		if err != nil {
			reason := ReasonInvalidField
			var ve *ValidationError
			if errors.As(err, &ve) {
				reason = ve.Reason
			}
			res.Dropped++
			res.Reasons[reason]++
			n.logger.Debug("Dropped upstream record",
				zap.Int("index", i),
				zap.String("reason", reason),
				zap.Error(err),
			)
			continue
		}
		if at, ok := index[rec.ID]; ok {
			res.Records[at] = rec
			res.Duplicates++
			continue
		}
		index[rec.ID] = len(res.Records)
		res.Records = append(res.Records, rec)
	}
	return res
}

// ReasonFor maps a record field name to its drop reason.
func ReasonFor(field string) string {
	switch field {
	case "timestamp", "date":
		return ReasonInvalidDate
	case "magnitude":
		return ReasonInvalidMagnitude
	case "depth":
		return ReasonInvalidDepth
	case "latitude", "longitude", "coordinates":
		return ReasonInvalidCoordinates
	default:
		return ReasonInvalidField
	}
}

// RecordID is the first 8 bytes, hex encoded, of sha256 over the UTC event time and the
// coordinates rounded to 4 decimals. Magnitude is left out so a revised magnitude
// replaces the stored event instead of duplicating it.
func RecordID(ts time.Time, lat, lng float64) string {
	key := fmt.Sprintf("%s|%s|%.4f|%.4f",
		ts.UTC().Format("2006-01-02"), ts.UTC().Format("15:04:05"), lat, lng)
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:8])
}

// parseTimestamp reads DD-MM-YYYY and HH:MM or HH:MM:SS in local time and returns UTC.
func (n *Normalizer) parseTimestamp(date, clock string) (time.Time, error) {
	date = strings.ReplaceAll(strings.TrimSpace(date), "/", "-")
	clock = strings.TrimSpace(clock)
	if date == "" || clock == "" {
		return time.Time{}, errors.New("date and time are required")
	}
	layout := "2-1-2006 15:4"
	if strings.Count(clock, ":") == 2 {
		layout = "2-1-2006 15:4:5"
	}
	t, err := time.ParseInLocation(layout, date+" "+clock, n.loc)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// coordinates prefers the lat/long properties and falls back to GeoJSON [lng, lat].
func coordinates(raw models.RawFeature) (float64, float64, error) {
	p := raw.Properties
	if strings.TrimSpace(p.Lat) != "" && strings.TrimSpace(p.Long) != "" {
		lat, errLat := parseDecimal(p.Lat)
		lng, errLng := parseDecimal(p.Long)
		if errLat == nil && errLng == nil {
			return lat, lng, nil
		}
	}
	if c := raw.Geometry.Coordinates; len(c) >= 2 {
		return c[1], c[0], nil
	}
	return 0, 0, errors.New("no usable coordinates")
}

func parseDecimal(s string) (float64, error) {
	s = strings.TrimSpace(strings.ReplaceAll(s, ",", "."))
	if s == "" {
		return 0, errors.New("empty value")
	}
	return strconv.ParseFloat(s, 64)
}

// parseDepth accepts values such as "12.4", "8,5 Km" or "10 km".
func parseDepth(s string) (float64, error) {
	m := leadingNumber.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("no number in %q", s)
	}
	return strconv.ParseFloat(strings.ReplaceAll(m[1], ",", "."), 64)
}
