package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/bbblb/bbblb/pkg/models"
)

// findMeeting looks up a meeting of a tenant by either its internal or
// external ID, matching what front-ends may send after a create round-trip.
func findMeeting(db *gorm.DB, tenantID, meetingID string) (*models.Meeting, error) {
	var meeting models.Meeting
	err := db.
		Preload("Server").Preload("Tenant").
		Where("tenant_id = ? AND (internal_id = ? OR external_id = ?)", tenantID, meetingID, meetingID).
		First(&meeting).Error
	if err != nil {
		return nil, convertNotFoundError(err, models.ErrMeetingNotFound)
	}
	return &meeting, nil
}

// FindMeeting retrieves a meeting of a tenant by internal or external ID.
func (s *GORMStore) FindMeeting(ctx context.Context, tenantID, meetingID string) (*models.Meeting, error) {
	return findMeeting(s.db.WithContext(ctx), tenantID, meetingID)
}

// GetMeetingByUUID retrieves a meeting by its balancer-minted uuid.
func (s *GORMStore) GetMeetingByUUID(ctx context.Context, id string) (*models.Meeting, error) {
	var meeting models.Meeting
	err := s.db.WithContext(ctx).
		Preload("Server").Preload("Tenant").
		Where("uuid = ?", id).
		First(&meeting).Error
	if err != nil {
		return nil, convertNotFoundError(err, models.ErrMeetingNotFound)
	}
	return &meeting, nil
}

// ListServerMeetings returns all meetings bound to a server.
func (s *GORMStore) ListServerMeetings(ctx context.Context, serverID string) ([]*models.Meeting, error) {
	var meetings []*models.Meeting
	err := s.db.WithContext(ctx).
		Where("server_id = ?", serverID).
		Find(&meetings).Error
	if err != nil {
		return nil, err
	}
	return meetings, nil
}

// ListTenantMeetings returns all meetings of a tenant, including their server
// bindings.
func (s *GORMStore) ListTenantMeetings(ctx context.Context, tenantID string) ([]*models.Meeting, error) {
	var meetings []*models.Meeting
	err := s.db.WithContext(ctx).
		Preload("Server").
		Where("tenant_id = ?", tenantID).
		Find(&meetings).Error
	if err != nil {
		return nil, err
	}
	return meetings, nil
}

// CountTenantMeetings returns the number of live meetings of a tenant.
func (s *GORMStore) CountTenantMeetings(ctx context.Context, tenantID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.Meeting{}).
		Where("tenant_id = ?", tenantID).
		Count(&count).Error
	return count, err
}

// AcquireMeeting returns the meeting bound to (tenantID, externalID),
// creating it on the least loaded available server if it does not exist yet.
// The chosen server's load is bumped by loadBump in the same transaction so
// concurrent creates spread out. Reports whether the meeting was created.
//
// Two processes racing on the same external ID serialize on the server row
// lock or the meetings unique constraint; the loser adopts the winner's row.
func (s *GORMStore) AcquireMeeting(ctx context.Context, tenantID, externalID string, loadBump float64) (*models.Meeting, bool, error) {
	if meeting, err := findMeetingByExternalID(s.db.WithContext(ctx), tenantID, externalID); err == nil {
		return meeting, false, nil
	} else if !errors.Is(err, models.ErrMeetingNotFound) {
		return nil, false, err
	}

	var meeting *models.Meeting
	created := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := findMeetingByExternalID(tx, tenantID, externalID)
		if err == nil {
			meeting = existing
			return nil
		}
		if !errors.Is(err, models.ErrMeetingNotFound) {
			return err
		}

		server, err := selectBestServer(tx)
		if err != nil {
			return err
		}
		if err := incrementServerLoad(tx, server.ID, loadBump); err != nil {
			return err
		}

		fresh := &models.Meeting{
			ID:         uuid.NewString(),
			UUID:       uuid.NewString(),
			ExternalID: externalID,
			TenantID:   tenantID,
			ServerID:   server.ID,
		}
		if err := tx.Create(fresh).Error; err != nil {
			return err
		}
		fresh.Server = server
		meeting = fresh
		created = true
		return nil
	})
	if err != nil {
		if isUniqueConstraintError(err) {
			meeting, err = findMeetingByExternalID(s.db.WithContext(ctx), tenantID, externalID)
			return meeting, false, err
		}
		return nil, false, err
	}
	return meeting, created, nil
}

func findMeetingByExternalID(db *gorm.DB, tenantID, externalID string) (*models.Meeting, error) {
	var meeting models.Meeting
	err := db.
		Preload("Server").Preload("Tenant").
		Where("tenant_id = ? AND external_id = ?", tenantID, externalID).
		First(&meeting).Error
	if err != nil {
		return nil, convertNotFoundError(err, models.ErrMeetingNotFound)
	}
	return &meeting, nil
}

// SetMeetingInternalID records the backend-assigned internal meeting ID once
// the create call succeeded.
func (s *GORMStore) SetMeetingInternalID(ctx context.Context, meetingID, internalID string) error {
	result := s.db.WithContext(ctx).Model(&models.Meeting{}).
		Where("id = ?", meetingID).
		Update("internal_id", internalID)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return models.ErrMeetingNotFound
	}
	return nil
}

// DeleteMeeting forgets a meeting. Callback rows of the meeting are left in
// place; pending recording callbacks still need to fire.
func (s *GORMStore) DeleteMeeting(ctx context.Context, id string) error {
	return deleteByField[models.Meeting](s.db, ctx, "id", id, models.ErrMeetingNotFound)
}

// DeleteMeetingWithCallbacks removes a freshly created meeting together with
// its callbacks after the backend rejected the create call.
func (s *GORMStore) DeleteMeetingWithCallbacks(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var meeting models.Meeting
		if err := tx.Where("id = ?", id).First(&meeting).Error; err != nil {
			return convertNotFoundError(err, models.ErrMeetingNotFound)
		}
		if err := tx.Where("uuid = ?", meeting.UUID).Delete(&models.Callback{}).Error; err != nil {
			return err
		}
		return tx.Delete(&meeting).Error
	})
}

// ReconcileServerMeetings deletes meetings bound to a server whose internal
// ID is known but no longer reported as running. Meetings still waiting for
// their internal ID are kept. Returns the number of forgotten meetings.
func (s *GORMStore) ReconcileServerMeetings(ctx context.Context, serverID string, runningInternalIDs []string) (int64, error) {
	q := s.db.WithContext(ctx).
		Where("server_id = ? AND internal_id IS NOT NULL", serverID)
	if len(runningInternalIDs) > 0 {
		q = q.Where("internal_id NOT IN ?", runningInternalIDs)
	}
	result := q.Delete(&models.Meeting{})
	return result.RowsAffected, result.Error
}
