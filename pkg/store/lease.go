package store

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/bbblb/bbblb/pkg/models"
)

// TryAcquireLease attempts to take a named cluster-wide lease for this
// process. A lease whose timestamp is older than forceAfter is considered
// abandoned and taken over. Not re-entrant: acquiring a lease this process
// already holds fails.
func (s *GORMStore) TryAcquireLease(ctx context.Context, name string, forceAfter time.Duration) (bool, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if forceAfter > 0 {
			expired := time.Now().UTC().Add(-forceAfter)
			err := tx.
				Where("name = ? AND ts < ?", name, expired).
				Delete(&models.Lease{}).Error
			if err != nil {
				return err
			}
		}
		return tx.Create(&models.Lease{
			Name:  name,
			Owner: s.owner,
			TS:    time.Now().UTC(),
		}).Error
	})
	if err != nil {
		if isUniqueConstraintError(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// CheckLease refreshes the timestamp of a lease held by this process.
// Returns false when the lease was lost to another owner or released.
func (s *GORMStore) CheckLease(ctx context.Context, name string) (bool, error) {
	result := s.db.WithContext(ctx).Model(&models.Lease{}).
		Where("name = ? AND owner = ?", name, s.owner).
		Update("ts", time.Now().UTC())
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// ReleaseLease drops a lease if this process still owns it. Returns false
// when no such lease existed.
func (s *GORMStore) ReleaseLease(ctx context.Context, name string) (bool, error) {
	result := s.db.WithContext(ctx).
		Where("name = ? AND owner = ?", name, s.owner).
		Delete(&models.Lease{})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// LeaseOwner returns the owner identity leases are tagged with.
func (s *GORMStore) LeaseOwner() string {
	return s.owner
}

// SetLeaseOwner overrides the lease owner identity. Useful for tools and
// tests that act on behalf of another process.
func (s *GORMStore) SetLeaseOwner(owner string) {
	s.owner = owner
}
