package store

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/bbblb/bbblb/pkg/models"
)

// CreateCallbacks persists a batch of intercepted callbacks.
func (s *GORMStore) CreateCallbacks(ctx context.Context, callbacks []*models.Callback) error {
	if len(callbacks) == 0 {
		return nil
	}
	for _, cb := range callbacks {
		if cb.ID == "" {
			cb.ID = uuid.NewString()
		}
	}
	return s.db.WithContext(ctx).Create(callbacks).Error
}

// ListCallbacks returns all callbacks registered for a meeting uuid and type,
// with tenant and server loaded for secret lookup.
func (s *GORMStore) ListCallbacks(ctx context.Context, meetingUUID, callbackType string) ([]*models.Callback, error) {
	var callbacks []*models.Callback
	err := s.db.WithContext(ctx).
		Preload("Tenant").Preload("Server").
		Where("uuid = ? AND type = ?", meetingUUID, callbackType).
		Find(&callbacks).Error
	if err != nil {
		return nil, err
	}
	return callbacks, nil
}

// TakeEndCallback consumes the END callback of a meeting, if one exists.
// Returns ErrCallbackNotFound when the callback was never registered or was
// already consumed, so repeated end notifications fire the forward once.
func (s *GORMStore) TakeEndCallback(ctx context.Context, meetingUUID string) (*models.Callback, error) {
	var callback models.Callback
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.
			Where("uuid = ? AND type = ?", meetingUUID, models.CallbackTypeEnd).
			First(&callback).Error
		if err != nil {
			return convertNotFoundError(err, models.ErrCallbackNotFound)
		}
		return tx.Delete(&callback).Error
	})
	if err != nil {
		return nil, err
	}
	return &callback, nil
}

// DeleteCallback removes a callback after it fired.
func (s *GORMStore) DeleteCallback(ctx context.Context, id string) error {
	return deleteByField[models.Callback](s.db, ctx, "id", id, models.ErrCallbackNotFound)
}

// DeleteCallbacksByUUID removes all callbacks of a meeting.
func (s *GORMStore) DeleteCallbacksByUUID(ctx context.Context, meetingUUID string) error {
	return s.db.WithContext(ctx).
		Where("uuid = ?", meetingUUID).
		Delete(&models.Callback{}).Error
}
