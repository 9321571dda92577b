package storage

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jdziat/sniper/pkg/core"
)

// GetAuth returns the stored LinkedIn session, or nil if none exists.
func (s *GormStorage) GetAuth(ctx context.Context, userID, workspaceID string) (*core.LinkedInAuth, error) {
	var auth core.LinkedInAuth
	err := s.db.WithContext(ctx).
		First(&auth, "user_id = ? AND workspace_id = ?", userID, workspaceID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return &auth, err
}

// SaveAuth upserts the LinkedIn session for a user.
func (s *GormStorage) SaveAuth(ctx context.Context, auth *core.LinkedInAuth) error {
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "workspace_id"}},
			UpdateAll: true,
		}).
		Create(auth).Error
}

// SetAuthStatus flips the auth status, creating the row if needed.
func (s *GormStorage) SetAuthStatus(ctx context.Context, userID, workspaceID string, status core.AuthStatus) error {
	row := core.LinkedInAuth{UserID: userID, WorkspaceID: workspaceID, Status: status}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "workspace_id"}},
			DoUpdates: clause.Assignments(map[string]any{"status": status, "updated_at": now()}),
		}).
		Create(&row).Error
}

// CreateAuthSession records an embedded auth flow in progress.
func (s *GormStorage) CreateAuthSession(ctx context.Context, session *core.AuthSession) error {
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	if session.Status == "" {
		session.Status = core.AuthSessionActive
	}
	return s.db.WithContext(ctx).Create(session).Error
}

// GetAuthSession retrieves an auth session by ID.
func (s *GormStorage) GetAuthSession(ctx context.Context, id string) (*core.AuthSession, error) {
	var session core.AuthSession
	err := s.db.WithContext(ctx).First(&session, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return &session, err
}

// CloseAuthSession moves an active auth session to a final status.
func (s *GormStorage) CloseAuthSession(ctx context.Context, id string, status core.AuthSessionStatus) error {
	result := s.db.WithContext(ctx).
		Model(&core.AuthSession{}).
		Where("id = ? AND status = ?", id, core.AuthSessionActive).
		Update("status", status)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return errors.Wrapf(core.ErrNotFound, "active auth session %s", id)
	}
	return nil
}
