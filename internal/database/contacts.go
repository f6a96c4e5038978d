package database

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"whatsapp-chatbot/internal/models"
)

// FindOrCreateContact returns the single contact for (business, identifier),
// creating it on first sight.
func (s *Store) FindOrCreateContact(ctx context.Context, businessID, identifier, channel, name string, now time.Time) (*models.Contact, error) {
	attrs := models.Contact{Channel: channel, Name: name, CreatedAt: now.UTC()}
	if channel == models.ChannelWhatsApp {
		attrs.Phone = identifier
	}

	var c models.Contact
	err := s.conn(ctx).
		Where(models.Contact{BusinessID: businessID, Identifier: identifier}).
		Attrs(attrs).
		FirstOrCreate(&c).Error
	if err != nil {
		// A concurrent writer may have created the row between our read and insert.
		if again, lookupErr := s.ContactByIdentifier(ctx, businessID, identifier); lookupErr == nil {
			return again, nil
		}
		return nil, fmt.Errorf("find or create contact %s/%s: %w", businessID, identifier, err)
	}

	if name != "" && c.Name == "" {
		if err := s.conn(ctx).Model(&models.Contact{}).Where("id = ?", c.ID).Update("name", name).Error; err == nil {
			c.Name = name
		}
	}
	return &c, nil
}

func (s *Store) ContactByIdentifier(ctx context.Context, businessID, identifier string) (*models.Contact, error) {
	var c models.Contact
	err := s.conn(ctx).Where("business_id = ? AND identifier = ?", businessID, identifier).First(&c).Error
	if err != nil {
		return nil, notFound(err, ErrContactNotFound)
	}
	return &c, nil
}

func (s *Store) Contact(ctx context.Context, id uint) (*models.Contact, error) {
	var c models.Contact
	if err := s.conn(ctx).First(&c, id).Error; err != nil {
		return nil, notFound(err, ErrContactNotFound)
	}
	return &c, nil
}

func (s *Store) ListContacts(ctx context.Context, businessID string) ([]models.Contact, error) {
	var list []models.Contact
	err := s.conn(ctx).Where("business_id = ?", businessID).Order("created_at DESC").Find(&list).Error
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	return list, nil
}

// ContactFields is a partial update; nil fields are left untouched.
type ContactFields struct {
	Name             *string
	IsHandover       *bool
	LastSender       *string
	FollowUpActive   *bool
	FollowUpStage    *int
	LastResponseTime *time.Time
	FunnelStage      *string
}

// UpdateContactFields writes only the set columns in a single UPDATE, so
// concurrent writers touching other columns are not clobbered.
func (s *Store) UpdateContactFields(ctx context.Context, id uint, f ContactFields) error {
	updates := map[string]interface{}{}
	if f.Name != nil {
		updates["name"] = *f.Name
	}
	if f.IsHandover != nil {
		updates["is_handover"] = *f.IsHandover
	}
	if f.LastSender != nil {
		updates["last_sender"] = *f.LastSender
	}
	if f.FollowUpActive != nil {
		updates["follow_up_active"] = *f.FollowUpActive
	}
	if f.FollowUpStage != nil {
		updates["follow_up_stage"] = *f.FollowUpStage
	}
	if f.LastResponseTime != nil {
		updates["last_response_time"] = f.LastResponseTime.UTC()
	}
	if f.FunnelStage != nil {
		updates["funnel_stage"] = *f.FunnelStage
	}
	if len(updates) == 0 {
		return nil
	}
	res := s.conn(ctx).Model(&models.Contact{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update contact %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrContactNotFound
	}
	return nil
}

func (s *Store) SetContactTags(ctx context.Context, id uint, tags []string) error {
	err := s.conn(ctx).Model(&models.Contact{ID: id}).Select("tags").Updates(&models.Contact{Tags: tags}).Error
	if err != nil {
		return fmt.Errorf("set tags on contact %d: %w", id, err)
	}
	return nil
}

// targetPage is how many contacts TargetContacts reads per query.
var targetPage = 500

// TargetContacts returns reachable contacts (phone set, no handover) carrying
// any of tags, in id order. Tags are a JSON column: the query narrows rows with
// a LIKE per encoded tag and the exact match is confirmed on each page.
func (s *Store) TargetContacts(ctx context.Context, businessID string, tags []string) ([]models.Contact, error) {
	if len(tags) == 0 {
		return nil, nil
	}
	match, args := tagFilter(tags)
	var out []models.Contact
	var after uint
	for {
		var page []models.Contact
		err := s.conn(ctx).
			Where("business_id = ? AND is_handover = ? AND phone <> '' AND id > ?", businessID, false, after).
			Where(match, args...).
			Order("id").
			Limit(targetPage).
			Find(&page).Error
		if err != nil {
			return nil, fmt.Errorf("load campaign targets: %w", err)
		}
		for i := range page {
			if page[i].HasAnyTag(tags) {
				out = append(out, page[i])
			}
		}
		if len(page) < targetPage {
			return out, nil
		}
		after = page[len(page)-1].ID
	}
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func tagFilter(tags []string) (string, []interface{}) {
	clauses := make([]string, 0, len(tags))
	args := make([]interface{}, 0, len(tags))
	for _, tag := range tags {
		enc, _ := json.Marshal(tag)
		clauses = append(clauses, `CAST(tags AS TEXT) LIKE ? ESCAPE '\'`)
		args = append(args, "%"+likeEscaper.Replace(string(enc))+"%")
	}
	return "(" + strings.Join(clauses, " OR ") + ")", args
}

// FollowUpContacts loads every contact with an armed follow-up for the given businesses.
func (s *Store) FollowUpContacts(ctx context.Context, businessIDs []string) ([]models.Contact, error) {
	if len(businessIDs) == 0 {
		return nil, nil
	}
	var list []models.Contact
	err := s.conn(ctx).
		Where("business_id IN ? AND follow_up_active = ? AND last_response_time IS NOT NULL AND is_handover = ?", businessIDs, true, false).
		Find(&list).Error
	if err != nil {
		return nil, fmt.Errorf("load follow-up contacts: %w", err)
	}
	return list, nil
}

// AdvanceFollowUp moves an armed follow-up from stage to stage+1 and restarts
// its timer. It reports false when the contact replied or another tick already
// advanced it.
func (s *Store) AdvanceFollowUp(ctx context.Context, id uint, stage int, at time.Time) (bool, error) {
	res := s.conn(ctx).Model(&models.Contact{}).
		Where("id = ? AND follow_up_active = ? AND follow_up_stage = ?", id, true, stage).
		Updates(map[string]interface{}{
			"follow_up_stage":    stage + 1,
			"last_response_time": at.UTC(),
		})
	if res.Error != nil {
		return false, fmt.Errorf("advance follow-up for contact %d: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}
