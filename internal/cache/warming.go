package cache

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/sismos-service/internal/models"
	"github.com/kjstillabower/sismos-service/internal/validation"
)

// Warm picks the starting snapshot. When the local snapshot is empty (fresh volume)
// and the mirror holds one, the mirrored copy is used so the API serves data before
// the first refresh finishes. It reports whether the mirror copy was chosen.
// Mirror errors are logged and the local snapshot is kept.
func Warm(ctx context.Context, m Mirror, local *models.Snapshot, timeout time.Duration, logger *zap.Logger) (*models.Snapshot, bool) {
	if m == nil || local.Len() > 0 {
		return local, false
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	snap, ok, err := m.Get(ctx)
	if err != nil {
		logger.Warn("Snapshot mirror unavailable, starting from local snapshot", zap.String("mirror", m.Name()), zap.Error(err))
		return local, false
	}
	if !ok || snap.Len() == 0 {
		return local, false
	}
	valid := make([]models.Record, 0, len(snap.Records))
	for _, r := range snap.Records {
		if validation.ValidateRecord(r) == nil {
			valid = append(valid, r)
		}
	}
	if len(valid) == 0 {
		return local, false
	}
	fetched := len(snap.Records)
	snap.Records = models.UniqueNewest(valid)
	logger.Info("Warmed snapshot from mirror",
		zap.String("mirror", m.Name()),
		zap.Int("records", snap.Len()),
		zap.Int("dropped", fetched-snap.Len()),
		zap.Time("lastUpdated", snap.LastUpdated),
	)
	return snap, true
}
