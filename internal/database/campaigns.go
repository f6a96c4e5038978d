package database

import (
	"context"
	"fmt"
	"time"

	"whatsapp-chatbot/internal/models"

	"gorm.io/gorm"
)

func (s *Store) CreateCampaign(ctx context.Context, c *models.Campaign) error {
	if err := s.conn(ctx).Create(c).Error; err != nil {
		return fmt.Errorf("create campaign: %w", err)
	}
	return nil
}

func (s *Store) Campaign(ctx context.Context, id uint) (*models.Campaign, error) {
	var c models.Campaign
	if err := s.conn(ctx).First(&c, id).Error; err != nil {
		return nil, notFound(err, ErrCampaignNotFound)
	}
	return &c, nil
}

func (s *Store) ListCampaigns(ctx context.Context, businessID string) ([]models.Campaign, error) {
	var list []models.Campaign
	err := s.conn(ctx).Where("business_id = ?", businessID).Order("created_at DESC").Find(&list).Error
	if err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}
	return list, nil
}

// UpdateCampaignDefinition saves the user-editable fields; lease and run
// bookkeeping columns are never touched here.
func (s *Store) UpdateCampaignDefinition(ctx context.Context, c *models.Campaign) error {
	err := s.conn(ctx).Model(c).
		Select("name", "target_tags", "type", "trigger_type", "event_offset", "event_target_status",
			"schedule_frequency", "schedule_time", "schedule_days", "content_mode", "message",
			"delay_min", "delay_max", "is_active").
		Updates(c).Error
	if err != nil {
		return fmt.Errorf("update campaign %d: %w", c.ID, err)
	}
	return nil
}

func (s *Store) SetCampaignActive(ctx context.Context, id uint, active bool) error {
	res := s.conn(ctx).Model(&models.Campaign{}).Where("id = ?", id).Update("is_active", active)
	if res.Error != nil {
		return fmt.Errorf("toggle campaign %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrCampaignNotFound
	}
	return nil
}

// ActiveCampaigns returns active campaigns that are free to evaluate: not
// processing, or holding a lease taken before staleBefore.
func (s *Store) ActiveCampaigns(ctx context.Context, staleBefore time.Time) ([]models.Campaign, error) {
	var list []models.Campaign
	err := s.conn(ctx).
		Where("is_active = ?", true).
		Where("processing = ? OR processing_since IS NULL OR processing_since < ?", false, staleBefore.UTC()).
		Order("id").
		Find(&list).Error
	if err != nil {
		return nil, fmt.Errorf("load active campaigns: %w", err)
	}
	return list, nil
}

// ClaimCampaign takes the processing lease in one conditional UPDATE. It
// reports false when another evaluator holds a fresh lease.
func (s *Store) ClaimCampaign(ctx context.Context, id uint, now, staleBefore time.Time) (bool, error) {
	res := s.conn(ctx).Model(&models.Campaign{}).
		Where("id = ? AND is_active = ?", id, true).
		Where("processing = ? OR processing_since IS NULL OR processing_since < ?", false, staleBefore.UTC()).
		Updates(map[string]interface{}{
			"processing":       true,
			"processing_since": now.UTC(),
		})
	if res.Error != nil {
		return false, fmt.Errorf("claim campaign %d: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// CampaignRelease carries the bookkeeping written when a lease is dropped.
type CampaignRelease struct {
	LastRun    *time.Time
	NextRun    *time.Time
	Deactivate bool
}

func (s *Store) ReleaseCampaign(ctx context.Context, id uint, r CampaignRelease) error {
	updates := map[string]interface{}{
		"processing":       false,
		"processing_since": nil,
	}
	if r.LastRun != nil {
		updates["last_run"] = r.LastRun.UTC()
	}
	if r.NextRun != nil {
		updates["next_run"] = r.NextRun.UTC()
	}
	if r.Deactivate {
		updates["is_active"] = false
	}
	if err := s.conn(ctx).Model(&models.Campaign{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		return fmt.Errorf("release campaign %d: %w", id, err)
	}
	return nil
}

// ReleaseStaleLeases clears processing leases taken before the cutoff, or
// every lease when all is set.
func (s *Store) ReleaseStaleLeases(ctx context.Context, before time.Time, all bool) (int64, error) {
	q := s.conn(ctx).Model(&models.Campaign{}).Where("processing = ?", true)
	if !all {
		q = q.Where("processing_since IS NULL OR processing_since < ?", before.UTC())
	}
	res := q.Updates(map[string]interface{}{"processing": false, "processing_since": nil})
	if res.Error != nil {
		return 0, fmt.Errorf("release stale leases: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *Store) IncrementSentCount(ctx context.Context, id uint) error {
	err := s.conn(ctx).Model(&models.Campaign{}).Where("id = ?", id).
		UpdateColumn("sent_count", gorm.Expr("sent_count + ?", 1)).Error
	if err != nil {
		return fmt.Errorf("increment sent count for campaign %d: %w", id, err)
	}
	return nil
}

func (s *Store) CreateCampaignLog(ctx context.Context, l *models.CampaignLog) error {
	if l.SentAt.IsZero() {
		l.SentAt = time.Now()
	}
	l.SentAt = l.SentAt.UTC()
	if err := s.conn(ctx).Create(l).Error; err != nil {
		return fmt.Errorf("write campaign log: %w", err)
	}
	return nil
}

func (s *Store) CampaignLogs(ctx context.Context, campaignID uint, limit int) ([]models.CampaignLog, error) {
	var list []models.CampaignLog
	err := s.conn(ctx).Where("campaign_id = ?", campaignID).Order("sent_at DESC, id DESC").Limit(limit).Find(&list).Error
	if err != nil {
		return nil, fmt.Errorf("campaign logs: %w", err)
	}
	return list, nil
}

// LoggedContactIDs returns which of contactIDs already have a log for the
// campaign. since limits the lookup to logs at or after that instant; failed
// attempts are only counted when includeFailed is set.
func (s *Store) LoggedContactIDs(ctx context.Context, campaignID uint, contactIDs []uint, since *time.Time, includeFailed bool) (map[uint]bool, error) {
	out := make(map[uint]bool, len(contactIDs))
	if len(contactIDs) == 0 {
		return out, nil
	}
	q := s.conn(ctx).Model(&models.CampaignLog{}).
		Where("campaign_id = ? AND contact_id IN ?", campaignID, contactIDs)
	if since != nil {
		q = q.Where("sent_at >= ?", since.UTC())
	}
	if !includeFailed {
		q = q.Where("status = ?", models.LogSent)
	}
	var ids []uint
	if err := q.Distinct("contact_id").Pluck("contact_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("load campaign exclusions: %w", err)
	}
	for _, id := range ids {
		out[id] = true
	}
	return out, nil
}

// LoggedRelatedIDs returns which related ids (appointments) were already
// attempted by the campaign, whatever the outcome.
func (s *Store) LoggedRelatedIDs(ctx context.Context, campaignID uint, relatedIDs []string) (map[string]bool, error) {
	out := make(map[string]bool, len(relatedIDs))
	if len(relatedIDs) == 0 {
		return out, nil
	}
	var ids []string
	err := s.conn(ctx).Model(&models.CampaignLog{}).
		Where("campaign_id = ? AND related_id IN ?", campaignID, relatedIDs).
		Distinct("related_id").
		Pluck("related_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("load event exclusions: %w", err)
	}
	for _, id := range ids {
		out[id] = true
	}
	return out, nil
}
