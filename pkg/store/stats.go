package store

import (
	"context"
	"time"

	"github.com/bbblb/bbblb/pkg/models"
)

// AppendMeetingStats stores one batch of per-meeting samples from a poll
// round.
func (s *GORMStore) AppendMeetingStats(ctx context.Context, samples []*models.MeetingStats) error {
	if len(samples) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Create(samples).Error
}

// MeetingStatsSince returns all samples taken at or after the given time,
// oldest first.
func (s *GORMStore) MeetingStatsSince(ctx context.Context, since time.Time) ([]*models.MeetingStats, error) {
	var samples []*models.MeetingStats
	err := s.db.WithContext(ctx).
		Where("ts >= ?", since).
		Order("ts").
		Find(&samples).Error
	if err != nil {
		return nil, err
	}
	return samples, nil
}

// PruneMeetingStats deletes samples older than the cutoff and returns how
// many rows were removed.
func (s *GORMStore) PruneMeetingStats(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("ts < ?", cutoff).
		Delete(&models.MeetingStats{})
	return result.RowsAffected, result.Error
}
