package campaign

import (
	"context"
	"time"

	"whatsapp-chatbot/internal/channel"
	"whatsapp-chatbot/internal/database"
	"whatsapp-chatbot/internal/models"
	"whatsapp-chatbot/internal/ws"
)

const businessBatch = 50

// eachBusinessPage walks all businesses in pages of businessBatch, handing
// fn only the ones keep selects.
func (s *Scheduler) eachBusinessPage(ctx context.Context, keep func(*models.Business) bool, fn func([]*models.Business)) {
	for offset := 0; ; offset += businessBatch {
		if ctx.Err() != nil {
			return
		}
		page, err := s.store.BusinessPage(ctx, offset, businessBatch)
		if err != nil {
			s.log.Error().Err(err).Msg("business scan failed")
			return
		}
		var picked []*models.Business
		for i := range page {
			if keep(&page[i]) {
				picked = append(picked, &page[i])
			}
		}
		if len(picked) > 0 {
			fn(picked)
		}
		if len(page) < businessBatch {
			return
		}
	}
}

// stepFor returns the follow-up step configured for stage.
func stepFor(steps []models.FollowUpStep, stage int) (models.FollowUpStep, bool) {
	for _, st := range steps {
		if st.Stage == stage {
			return st, true
		}
	}
	return models.FollowUpStep{}, false
}

func (s *Scheduler) runFollowUps(ctx context.Context) {
	hasSteps := func(b *models.Business) bool { return len(b.FollowUpSteps) > 0 }
	s.eachBusinessPage(ctx, hasSteps, func(page []*models.Business) {
		byID := make(map[string]*models.Business, len(page))
		ids := make([]string, len(page))
		for i, b := range page {
			byID[b.ID] = b
			ids[i] = b.ID
		}
		contacts, err := s.store.FollowUpContacts(ctx, ids)
		if err != nil {
			s.log.Error().Err(err).Msg("follow-up scan failed")
			return
		}
		for i := range contacts {
			if ctx.Err() != nil {
				return
			}
			s.followUp(ctx, byID[contacts[i].BusinessID], &contacts[i])
		}
	})
}

func (s *Scheduler) followUp(ctx context.Context, b *models.Business, c *models.Contact) {
	if b == nil || c.LastResponseTime == nil {
		return
	}
	log := s.log.With().Str("business_id", b.ID).Uint("contact_id", c.ID).Int("stage", c.FollowUpStage).Logger()

	step, ok := stepFor(b.FollowUpSteps, c.FollowUpStage)
	if !ok || c.Phone == "" {
		off := false
		if err := s.store.UpdateContactFields(ctx, c.ID, database.ContactFields{FollowUpActive: &off}); err != nil {
			log.Warn().Err(err).Msg("follow-up not deactivated")
		}
		return
	}

	now := s.clock.Now()
	if now.Sub(*c.LastResponseTime) < time.Duration(step.DelayMinutes)*time.Minute {
		return
	}

	text := Render(step.Message, c.Name, "")
	if !s.sender.Send(ctx, b, c.Phone, text) {
		log.Warn().Msg("follow-up send failed, retrying next tick")
		return
	}
	wctx := context.WithoutCancel(ctx)
	advanced, err := s.store.AdvanceFollowUp(wctx, c.ID, c.FollowUpStage, now)
	if err != nil {
		log.Error().Err(err).Msg("follow-up stage not saved")
	} else if !advanced {
		log.Debug().Msg("follow-up changed while sending")
	}

	msg := &models.Message{
		BusinessID: b.ID,
		ContactID:  c.ID,
		Role:       models.RoleBot,
		Content:    text,
		Kind:       channel.KindText,
		Channel:    models.ChannelWhatsApp,
		CreatedAt:  now,
	}
	if err := s.store.PersistMessage(wctx, msg); err != nil {
		log.Warn().Err(err).Msg("follow-up message not stored")
		return
	}
	if s.events != nil {
		s.events.Publish(b.ID, ws.EventNewMessage, msg)
	}
	log.Info().Msg("follow-up sent")
}
