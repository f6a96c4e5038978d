package database

import (
	"context"
	"fmt"
	"time"

	"whatsapp-chatbot/internal/models"

	"gorm.io/gorm"
)

// PersistMessage stores a conversation turn and bumps the contact statistics
// (total, last interaction, last sender) with an atomic column update.
// A user message also disarms the follow-up sequence.
func (s *Store) PersistMessage(ctx context.Context, m *models.Message) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	m.CreatedAt = m.CreatedAt.UTC()

	return s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(m).Error; err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		updates := map[string]interface{}{
			"total_messages":   gorm.Expr("total_messages + ?", 1),
			"last_interaction": m.CreatedAt,
			"last_sender":      m.Role,
		}
		if m.Role == models.RoleUser {
			updates["follow_up_active"] = false
			updates["follow_up_stage"] = 0
		}
		if err := tx.Model(&models.Contact{}).Where("id = ?", m.ContactID).Updates(updates).Error; err != nil {
			return fmt.Errorf("update contact stats: %w", err)
		}
		return nil
	})
}

// RecentMessages returns up to limit turns for the contact, oldest first.
func (s *Store) RecentMessages(ctx context.Context, contactID uint, limit int) ([]models.Message, error) {
	var list []models.Message
	err := s.conn(ctx).
		Where("contact_id = ?", contactID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&list).Error
	if err != nil {
		return nil, fmt.Errorf("recent messages for contact %d: %w", contactID, err)
	}
	for i, j := 0, len(list)-1; i < j; i, j = i+1, j-1 {
		list[i], list[j] = list[j], list[i]
	}
	return list, nil
}

func (s *Store) ListMessages(ctx context.Context, businessID string, limit int) ([]models.Message, error) {
	var list []models.Message
	err := s.conn(ctx).Where("business_id = ?", businessID).Order("created_at DESC").Limit(limit).Find(&list).Error
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return list, nil
}

// CountMessages returns the number of stored turns, optionally filtered by role.
func (s *Store) CountMessages(ctx context.Context, businessID, role string) (int64, error) {
	q := s.conn(ctx).Model(&models.Message{}).Where("business_id = ?", businessID)
	if role != "" {
		q = q.Where("role = ?", role)
	}
	var n int64
	if err := q.Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}
