package database

import (
	"context"
	"fmt"

	"whatsapp-chatbot/internal/models"

	"gorm.io/gorm/clause"
)

// SaveSessionState upserts the persisted mirror of a WhatsApp session.
func (s *Store) SaveSessionState(ctx context.Context, st *models.WhatsAppSession) error {
	err := s.conn(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "business_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"device_jid", "status", "last_error", "updated_at"}),
	}).Create(st).Error
	if err != nil {
		return fmt.Errorf("save session state %s: %w", st.BusinessID, err)
	}
	return nil
}

func (s *Store) SessionState(ctx context.Context, businessID string) (*models.WhatsAppSession, error) {
	var st models.WhatsAppSession
	if err := s.conn(ctx).Where("business_id = ?", businessID).First(&st).Error; err != nil {
		return nil, notFound(err, ErrBusinessNotFound)
	}
	return &st, nil
}

// SessionsToRestore lists paired sessions whose last status is one of statuses.
func (s *Store) SessionsToRestore(ctx context.Context, statuses []string) ([]models.WhatsAppSession, error) {
	var list []models.WhatsAppSession
	err := s.conn(ctx).Where("device_jid <> '' AND status IN ?", statuses).Find(&list).Error
	if err != nil {
		return nil, fmt.Errorf("load sessions to restore: %w", err)
	}
	return list, nil
}
