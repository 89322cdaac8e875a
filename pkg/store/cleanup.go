package store

import (
	"context"
	"time"

	"github.com/bbblb/bbblb/pkg/models"
)

// CleanupStaleMeetings deletes meetings that never received an internal ID
// within maxAge. Those rows come from create calls that died between the
// local insert and the backend response. The poller would keep them forever,
// because liveness reconciliation skips rows without internal ID.
func (s *GORMStore) CleanupStaleMeetings(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	result := s.db.WithContext(ctx).
		Where("internal_id IS NULL AND created < ?", cutoff).
		Delete(&models.Meeting{})
	return result.RowsAffected, result.Error
}

// CleanupOldCallbacks deletes callbacks older than maxAge. REC callbacks of
// meetings whose recordings never arrive would otherwise accumulate without
// bound.
func (s *GORMStore) CleanupOldCallbacks(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	result := s.db.WithContext(ctx).
		Where("created < ?", cutoff).
		Delete(&models.Callback{})
	return result.RowsAffected, result.Error
}
