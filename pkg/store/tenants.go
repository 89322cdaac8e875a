package store

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/bbblb/bbblb/pkg/models"
)

// CreateTenant creates a new tenant and returns its generated ID.
func (s *GORMStore) CreateTenant(ctx context.Context, tenant *models.Tenant) (string, error) {
	if err := tenant.Validate(); err != nil {
		return "", fmt.Errorf("invalid tenant: %w", err)
	}
	return createWithID(s.db, ctx, tenant,
		func(t *models.Tenant, id string) { t.ID = id },
		tenant.ID, models.ErrDuplicateTenant)
}

// GetTenant retrieves a tenant by name.
func (s *GORMStore) GetTenant(ctx context.Context, name string) (*models.Tenant, error) {
	return getByField[models.Tenant](s.db, ctx, "name", name, models.ErrTenantNotFound)
}

// GetTenantByID retrieves a tenant by primary key.
func (s *GORMStore) GetTenantByID(ctx context.Context, id string) (*models.Tenant, error) {
	return getByField[models.Tenant](s.db, ctx, "id", id, models.ErrTenantNotFound)
}

// GetTenantByRealm retrieves an enabled tenant by its routing realm. Disabled
// tenants are treated as unknown so that soft-removed tenants stop serving.
func (s *GORMStore) GetTenantByRealm(ctx context.Context, realm string) (*models.Tenant, error) {
	var tenant models.Tenant
	err := s.db.WithContext(ctx).
		Where("realm = ? AND enabled = ?", realm, true).
		First(&tenant).Error
	if err != nil {
		return nil, convertNotFoundError(err, models.ErrTenantNotFound)
	}
	return &tenant, nil
}

// ListTenants returns all tenants ordered by name.
func (s *GORMStore) ListTenants(ctx context.Context) ([]*models.Tenant, error) {
	var tenants []*models.Tenant
	if err := s.db.WithContext(ctx).Order("name").Find(&tenants).Error; err != nil {
		return nil, err
	}
	return tenants, nil
}

// UpdateTenant persists changes to an existing tenant.
func (s *GORMStore) UpdateTenant(ctx context.Context, tenant *models.Tenant) error {
	if err := tenant.Validate(); err != nil {
		return fmt.Errorf("invalid tenant: %w", err)
	}
	result := s.db.WithContext(ctx).Model(&models.Tenant{}).
		Where("id = ?", tenant.ID).
		Updates(map[string]any{
			"name":      tenant.Name,
			"realm":     tenant.Realm,
			"secret":    tenant.Secret,
			"enabled":   tenant.Enabled,
			"overrides": tenant.Overrides,
		})
	if result.Error != nil {
		if isUniqueConstraintError(result.Error) {
			return models.ErrDuplicateTenant
		}
		return result.Error
	}
	if result.RowsAffected == 0 {
		return models.ErrTenantNotFound
	}
	return nil
}

// SetTenantEnabled flips the enabled flag of a tenant.
func (s *GORMStore) SetTenantEnabled(ctx context.Context, name string, enabled bool) error {
	result := s.db.WithContext(ctx).Model(&models.Tenant{}).
		Where("name = ?", name).
		Update("enabled", enabled)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return models.ErrTenantNotFound
	}
	return nil
}

// RemoveTenant deletes a tenant. A tenant with live meetings is soft-disabled
// instead and ErrTenantHasMeeting is returned, unless force is set, in which
// case the tenant and its meetings are removed.
func (s *GORMStore) RemoveTenant(ctx context.Context, name string, force bool) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var tenant models.Tenant
		if err := tx.Where("name = ?", name).First(&tenant).Error; err != nil {
			return convertNotFoundError(err, models.ErrTenantNotFound)
		}

		var meetings int64
		if err := tx.Model(&models.Meeting{}).Where("tenant_id = ?", tenant.ID).Count(&meetings).Error; err != nil {
			return err
		}
		if meetings > 0 && !force {
			if err := tx.Model(&tenant).Update("enabled", false).Error; err != nil {
				return err
			}
			return models.ErrTenantHasMeeting
		}

		if err := tx.Where("tenant_id = ?", tenant.ID).Delete(&models.Meeting{}).Error; err != nil {
			return err
		}
		if err := tx.Where("tenant_id = ?", tenant.ID).Delete(&models.Callback{}).Error; err != nil {
			return err
		}
		// Recordings and stats samples are soft-linked and become orphans.
		if err := tx.Model(&models.Recording{}).Where("tenant_id = ?", tenant.ID).
			Update("tenant_id", nil).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.MeetingStats{}).Where("tenant_id = ?", tenant.ID).
			Update("tenant_id", nil).Error; err != nil {
			return err
		}
		return tx.Delete(&tenant).Error
	})
}
