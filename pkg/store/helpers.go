package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Generic GORM helpers shared by the store implementation files. They are
// package-internal and operate on the raw *gorm.DB so they compose with
// transactions. Each helper handles context propagation, preloading,
// not-found conversion and unique constraint detection.

// getByField retrieves a single record of type T by matching field=value,
// converting gorm.ErrRecordNotFound to notFoundErr.
func getByField[T any](db *gorm.DB, ctx context.Context, field string, value any, notFoundErr error, preloads ...string) (*T, error) {
	var result T
	q := db.WithContext(ctx)
	for _, p := range preloads {
		q = q.Preload(p)
	}
	if err := q.Where(field+" = ?", value).First(&result).Error; err != nil {
		return nil, convertNotFoundError(err, notFoundErr)
	}
	return &result, nil
}

// listAll retrieves all records of type T, applying optional Preload clauses.
func listAll[T any](db *gorm.DB, ctx context.Context, preloads ...string) ([]*T, error) {
	var results []*T
	q := db.WithContext(ctx)
	for _, p := range preloads {
		q = q.Preload(p)
	}
	if err := q.Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

// createWithID generates a UUID primary key for the entity if currentID is
// empty, then inserts it. Unique constraint violations become dupErr.
func createWithID[T any](db *gorm.DB, ctx context.Context, entity *T, idSetter func(*T, string), currentID string, dupErr error) (string, error) {
	id := currentID
	if id == "" {
		id = uuid.New().String()
		idSetter(entity, id)
	}
	if err := db.WithContext(ctx).Create(entity).Error; err != nil {
		if isUniqueConstraintError(err) {
			return "", dupErr
		}
		return "", err
	}
	return id, nil
}

// deleteByField deletes records of type T matching field=value, returning
// notFoundErr if no rows were affected.
func deleteByField[T any](db *gorm.DB, ctx context.Context, field string, value any, notFoundErr error) error {
	var zero T
	result := db.WithContext(ctx).Where(field+" = ?", value).Delete(&zero)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return notFoundErr
	}
	return nil
}

// getOrCreate fetches the record matched by query, inserting a fresh one via
// create on a miss. A unique violation during insert means another writer won
// the race; the record is re-read and must exist. The returned flag reports
// whether this call inserted the row.
func getOrCreate[T any](db *gorm.DB, ctx context.Context, query func(*gorm.DB) *gorm.DB, create func() *T) (*T, bool, error) {
	var result T
	err := query(db.WithContext(ctx)).First(&result).Error
	if err == nil {
		return &result, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, err
	}

	fresh := create()
	err = db.WithContext(ctx).Create(fresh).Error
	if err == nil {
		return fresh, true, nil
	}
	if !isUniqueConstraintError(err) {
		return nil, false, err
	}

	if err := query(db.WithContext(ctx)).First(&result).Error; err != nil {
		return nil, false, err
	}
	return &result, false, nil
}
