package service

import (
	"context"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/sismos-service/internal/models"
)

// SnapshotSource hands out the currently published snapshot. The refresh coordinator
// implements it.
type SnapshotSource interface {
	Current() *models.Snapshot
}

// QueryService answers reads against whichever snapshot is published. It never
// blocks on a refresh. Every result is a fresh slice the caller may modify.
type QueryService struct {
	source SnapshotSource
}

// NewQueryService creates a QueryService over src.
func NewQueryService(src SnapshotSource) *QueryService {
	return &QueryService{source: src}
}

// View pins one snapshot so several reads (records plus lastUpdated, say) agree.
func (q *QueryService) View() View {
	snap := q.source.Current()
	if snap == nil {
		snap = models.EmptySnapshot()
	}
	return View{snap: snap}
}

// All returns every record, newest first.
func (q *QueryService) All(ctx context.Context) []models.Record {
	debug(ctx, "all")
	return q.View().All()
}

// FilterByMinMagnitude returns records with magnitude >= threshold, newest first.
func (q *QueryService) FilterByMinMagnitude(ctx context.Context, threshold float64) []models.Record {
	debug(ctx, "magnitude", zap.Float64("min", threshold))
	return q.View().FilterByMinMagnitude(threshold)
}

// Recent returns up to limit records, newest first.
func (q *QueryService) Recent(ctx context.Context, limit int) []models.Record {
	debug(ctx, "recent", zap.Int("limit", limit))
	return q.View().Recent(limit)
}

// Stats summarizes the whole snapshot.
func (q *QueryService) Stats(ctx context.Context) models.Stats {
	debug(ctx, "stats")
	return q.View().Stats()
}

// Coordinates returns the compact marker list for the map.
func (q *QueryService) Coordinates(ctx context.Context) []models.Coordinate {
	debug(ctx, "coordinates")
	return q.View().Coordinates()
}

// InBounds returns records inside b (edges included), newest first.
func (q *QueryService) InBounds(ctx context.Context, b models.Bounds) []models.Record {
	debug(ctx, "bounds")
	return q.View().InBounds(b)
}

// View is a read handle on one immutable snapshot.
type View struct {
	snap *models.Snapshot
}

// LastUpdated is when the pinned snapshot was produced; zero before the first refresh.
func (v View) LastUpdated() time.Time { return v.snap.LastUpdated }

// Len is the number of records in the pinned snapshot.
func (v View) Len() int { return v.snap.Len() }

func (v View) All() []models.Record {
	return slices.Clone(v.snap.Records)
}

func (v View) FilterByMinMagnitude(threshold float64) []models.Record {
	return v.filter(func(r models.Record) bool { return r.Magnitude >= threshold })
}

func (v View) InBounds(b models.Bounds) []models.Record {
	return v.filter(func(r models.Record) bool { return b.Contains(r.Latitude, r.Longitude) })
}

// Recent returns the first limit records. A non-positive limit returns none.
func (v View) Recent(limit int) []models.Record {
	if limit <= 0 {
		return []models.Record{}
	}
	n := min(limit, len(v.snap.Records))
	return slices.Clone(v.snap.Records[:n])
}

func (v View) Stats() models.Stats {
	st := models.Stats{LastUpdated: v.snap.LastUpdated}
	records := v.snap.Records
	if len(records) == 0 {
		return st
	}
	st.Count = len(records)
	st.MaxMagnitude = records[0].Magnitude
	st.MinMagnitude = records[0].Magnitude
	sum := 0.0
	for _, r := range records {
		st.MaxMagnitude = max(st.MaxMagnitude, r.Magnitude)
		st.MinMagnitude = min(st.MinMagnitude, r.Magnitude)
		sum += r.Magnitude
	}
	st.AvgMagnitude = sum / float64(len(records))
	mostRecent := records[0]
	st.MostRecent = &mostRecent
	return st
}

func (v View) Coordinates() []models.Coordinate {
	out := make([]models.Coordinate, 0, len(v.snap.Records))
	for _, r := range v.snap.Records {
		out = append(out, models.Coordinate{
			Lat:       r.Latitude,
			Lng:       r.Longitude,
			Magnitude: r.Magnitude,
			Location:  r.Address,
			Time:      r.Timestamp,
			Depth:     r.Depth,
		})
	}
	return out
}

func (v View) filter(keep func(models.Record) bool) []models.Record {
	out := make([]models.Record, 0)
	for _, r := range v.snap.Records {
		if keep(r) {
			out = append(out, r)
		}
	}
	return out
}

// loggerFromContext extracts a zap.Logger from request context if present.
// Returns nil if logger is not found or context is invalid.
func loggerFromContext(ctx context.Context) *zap.Logger {
	if v := ctx.Value("logger"); v != nil {
		if l, ok := v.(*zap.Logger); ok && l != nil {
			return l
		}
	}
	return nil
}

func debug(ctx context.Context, query string, fields ...zap.Field) {
	if logger := loggerFromContext(ctx); logger != nil {
		logger.Debug("sismos query", append(fields, zap.String("query", query))...)
	}
}
