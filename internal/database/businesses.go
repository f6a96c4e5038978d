package database

import (
	"context"
	"fmt"

	"whatsapp-chatbot/internal/models"
)

func (s *Store) Business(ctx context.Context, id string) (*models.Business, error) {
	if id == "" {
		return nil, ErrBusinessNotFound
	}
	var b models.Business
	if err := s.conn(ctx).Where("id = ?", id).First(&b).Error; err != nil {
		return nil, notFound(err, ErrBusinessNotFound)
	}
	return &b, nil
}

func (s *Store) SaveBusiness(ctx context.Context, b *models.Business) error {
	if err := s.conn(ctx).Save(b).Error; err != nil {
		return fmt.Errorf("save business %s: %w", b.ID, err)
	}
	return nil
}

func (s *Store) CreateBusiness(ctx context.Context, b *models.Business) error {
	if err := s.conn(ctx).Create(b).Error; err != nil {
		return fmt.Errorf("create business: %w", err)
	}
	return nil
}

func (s *Store) BusinessesByID(ctx context.Context, ids []string) (map[string]*models.Business, error) {
	out := make(map[string]*models.Business, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var list []models.Business
	if err := s.conn(ctx).Where("id IN ?", ids).Find(&list).Error; err != nil {
		return nil, fmt.Errorf("load businesses: %w", err)
	}
	for i := range list {
		out[list[i].ID] = &list[i]
	}
	return out, nil
}

// BusinessPage returns businesses ordered by id for batched scans.
func (s *Store) BusinessPage(ctx context.Context, offset, limit int) ([]models.Business, error) {
	var list []models.Business
	err := s.conn(ctx).Order("id").Offset(offset).Limit(limit).Find(&list).Error
	if err != nil {
		return nil, fmt.Errorf("page businesses: %w", err)
	}
	return list, nil
}
