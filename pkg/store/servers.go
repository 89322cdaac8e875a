package store

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/bbblb/bbblb/pkg/models"
)

// CreateServer registers a new backend server and returns its generated ID.
func (s *GORMStore) CreateServer(ctx context.Context, server *models.Server) (string, error) {
	if err := server.Validate(); err != nil {
		return "", fmt.Errorf("invalid server: %w", err)
	}
	if server.Health == "" {
		server.Health = models.HealthOffline
	}
	return createWithID(s.db, ctx, server,
		func(sv *models.Server, id string) { sv.ID = id },
		server.ID, models.ErrDuplicateServer)
}

// GetServer retrieves a server by domain.
func (s *GORMStore) GetServer(ctx context.Context, domain string) (*models.Server, error) {
	return getByField[models.Server](s.db, ctx, "domain", domain, models.ErrServerNotFound)
}

// GetServerByID retrieves a server by primary key.
func (s *GORMStore) GetServerByID(ctx context.Context, id string) (*models.Server, error) {
	return getByField[models.Server](s.db, ctx, "id", id, models.ErrServerNotFound)
}

// ListServers returns all servers ordered by domain.
func (s *GORMStore) ListServers(ctx context.Context) ([]*models.Server, error) {
	var servers []*models.Server
	if err := s.db.WithContext(ctx).Order("domain").Find(&servers).Error; err != nil {
		return nil, err
	}
	return servers, nil
}

// ListEnabledServers returns all enabled servers regardless of health, so
// that offline servers keep getting polled and have a chance to recover.
func (s *GORMStore) ListEnabledServers(ctx context.Context) ([]*models.Server, error) {
	var servers []*models.Server
	err := s.db.WithContext(ctx).
		Where("enabled = ?", true).
		Order("domain").
		Find(&servers).Error
	if err != nil {
		return nil, err
	}
	return servers, nil
}

// UpdateServer persists configuration changes to an existing server: shared
// secret, enabled flag and label. Poll-driven fields are left alone.
func (s *GORMStore) UpdateServer(ctx context.Context, server *models.Server) error {
	if err := server.Validate(); err != nil {
		return fmt.Errorf("invalid server: %w", err)
	}
	result := s.db.WithContext(ctx).Model(&models.Server{}).
		Where("id = ?", server.ID).
		Updates(map[string]any{
			"secret":  server.Secret,
			"enabled": server.Enabled,
			"label":   server.Label,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return models.ErrServerNotFound
	}
	return nil
}

// SetServerEnabled flips the enabled flag of a server.
func (s *GORMStore) SetServerEnabled(ctx context.Context, domain string, enabled bool) error {
	result := s.db.WithContext(ctx).Model(&models.Server{}).
		Where("domain = ?", domain).
		Update("enabled", enabled)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return models.ErrServerNotFound
	}
	return nil
}

// RemoveServer deletes a server. A server that still hosts meetings is
// disabled instead unless force is set.
func (s *GORMStore) RemoveServer(ctx context.Context, domain string, force bool) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var server models.Server
		if err := tx.Where("domain = ?", domain).First(&server).Error; err != nil {
			return convertNotFoundError(err, models.ErrServerNotFound)
		}

		var meetings int64
		if err := tx.Model(&models.Meeting{}).Where("server_id = ?", server.ID).Count(&meetings).Error; err != nil {
			return err
		}
		if meetings > 0 && !force {
			if err := tx.Model(&server).Update("enabled", false).Error; err != nil {
				return err
			}
			return models.ErrServerHasMeeting
		}

		if err := tx.Where("server_id = ?", server.ID).Delete(&models.Meeting{}).Error; err != nil {
			return err
		}
		if err := tx.Where("server_id = ?", server.ID).Delete(&models.Callback{}).Error; err != nil {
			return err
		}
		return tx.Delete(&server).Error
	})
}

// selectBestServer picks the least loaded server that is enabled and
// available, locking the row for the duration of the transaction. Must run
// inside a transaction for the lock to have effect.
func selectBestServer(tx *gorm.DB) (*models.Server, error) {
	var server models.Server
	err := tx.
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("enabled = ? AND health = ?", true, models.HealthAvailable).
		Order("load ASC").
		First(&server).Error
	if err != nil {
		return nil, convertNotFoundError(err, models.ErrNoServerAvailable)
	}
	return &server, nil
}

// SelectBestServer returns the candidate server a new meeting would land on.
// It does not reserve load; use AcquireMeeting for the transactional path.
func (s *GORMStore) SelectBestServer(ctx context.Context) (*models.Server, error) {
	var server *models.Server
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		server, err = selectBestServer(tx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return server, nil
}

// incrementServerLoad bumps a server's load estimate with an expression-level
// update, so concurrent transactions never lose each other's bumps.
func incrementServerLoad(tx *gorm.DB, serverID string, delta float64) error {
	result := tx.Model(&models.Server{}).
		Where("id = ?", serverID).
		Update("load", gorm.Expr("load + ?", delta))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return models.ErrServerNotFound
	}
	return nil
}

// IncrementServerLoad adds delta to a server's load estimate. The estimate is
// coarse and gets recomputed on the next poll round.
func (s *GORMStore) IncrementServerLoad(ctx context.Context, serverID string, delta float64) error {
	return incrementServerLoad(s.db.WithContext(ctx), serverID, delta)
}

// UpdateServerState persists the poll outcome for a server: health state
// machine counters and the recomputed load.
func (s *GORMStore) UpdateServerState(ctx context.Context, server *models.Server) error {
	result := s.db.WithContext(ctx).Model(&models.Server{}).
		Where("id = ?", server.ID).
		Updates(map[string]any{
			"health":  server.Health,
			"errors":  server.Errors,
			"recover": server.Recover,
			"load":    server.Load,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return models.ErrServerNotFound
	}
	return nil
}

// UpdateServerSecret rotates the shared secret of a server.
func (s *GORMStore) UpdateServerSecret(ctx context.Context, domain, secret string) error {
	result := s.db.WithContext(ctx).Model(&models.Server{}).
		Where("domain = ?", domain).
		Update("secret", secret)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return models.ErrServerNotFound
	}
	return nil
}

// ServersWithTenantMeetings returns the distinct servers that currently host
// at least one meeting of the given tenant.
func (s *GORMStore) ServersWithTenantMeetings(ctx context.Context, tenantID string) ([]*models.Server, error) {
	var servers []*models.Server
	err := s.db.WithContext(ctx).
		Joins("JOIN meetings ON meetings.server_id = servers.id").
		Where("meetings.tenant_id = ?", tenantID).
		Distinct("servers.*").
		Find(&servers).Error
	if err != nil {
		return nil, err
	}
	return servers, nil
}
