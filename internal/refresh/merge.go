package refresh

import (
	"time"

	"github.com/kjstillabower/sismos-service/internal/models"
)

// MergeOptions bounds the merged snapshot. Zero values disable the rule.
type MergeOptions struct {
	Now        time.Time
	MaxAge     time.Duration
	MaxRecords int
}

// MergeResult is the merged record set, newest first, plus what happened to each record.
type MergeResult struct {
	Records   []models.Record
	Added     int
	Updated   int
	Unchanged int
	Retained  int
	Pruned    int
}

// Merge combines the stored records with a fresh fetch by ID. Incoming records replace
// stored ones with the same ID; stored records missing from the fetch are kept, since
// the feed is a rolling window and not a full history. Retention then drops records
// older than MaxAge and caps the set at the MaxRecords newest.
// Neither input slice is modified.
func Merge(old, incoming []models.Record, opts MergeOptions) MergeResult {
	type outcome int
	const (
		retained outcome = iota
		added
		updated
		unchanged
	)

	byID := make(map[string]models.Record, len(old)+len(incoming))
	kinds := make(map[string]outcome, len(old)+len(incoming))
	for _, r := range old {
		byID[r.ID] = r
		kinds[r.ID] = retained
	}
	for _, r := range incoming {
		prev, ok := byID[r.ID]
		switch {
		case !ok:
			kinds[r.ID] = added
		case kinds[r.ID] == added:
			// later duplicate of a new id is still new
		case sameRecord(prev, r):
			kinds[r.ID] = unchanged
		default:
			kinds[r.ID] = updated
		}
		byID[r.ID] = r
	}

	var res MergeResult
	records := make([]models.Record, 0, len(byID))
	var cutoff time.Time
	if opts.MaxAge > 0 && !opts.Now.IsZero() {
		cutoff = opts.Now.Add(-opts.MaxAge)
	}
	for _, r := range byID {
		if !cutoff.IsZero() && r.Timestamp.Before(cutoff) {
			res.Pruned++
			continue
		}
		records = append(records, r)
	}
	models.SortByTimeDesc(records)

	if opts.MaxRecords > 0 && len(records) > opts.MaxRecords {
		res.Pruned += len(records) - opts.MaxRecords
		records = records[:opts.MaxRecords:opts.MaxRecords]
	}

	// Outcomes are counted over the kept records only, so a pruned record is never
	// also reported as added or updated.
	for _, r := range records {
		switch kinds[r.ID] {
		case added:
			res.Added++
		case updated:
			res.Updated++
		case unchanged:
			res.Unchanged++
		default:
			res.Retained++
		}
	}
	res.Records = records
	return res
}

func sameRecord(a, b models.Record) bool {
	return a.ID == b.ID &&
		a.Timestamp.Equal(b.Timestamp) &&
		a.Magnitude == b.Magnitude &&
		a.Depth == b.Depth &&
		a.Latitude == b.Latitude &&
		a.Longitude == b.Longitude &&
		a.Address == b.Address &&
		a.Country == b.Country &&
		a.Severity == b.Severity
}
