package campaign

import (
	"context"
	"strings"
	"time"

	"whatsapp-chatbot/internal/channel"
	"whatsapp-chatbot/internal/models"
	"whatsapp-chatbot/internal/ws"
)

const (
	DirectionBefore = "before"
	DirectionAfter  = "after"

	// lateLimit drops notifications whose moment passed more than a day ago,
	// e.g. after a long outage.
	lateLimit          = 24 * time.Hour
	notificationLookup = 30 * 24 * time.Hour
)

var notifiedStatuses = []string{
	models.AppointmentScheduled,
	models.AppointmentConfirmed,
	models.AppointmentCompleted,
}

func unitDuration(unit string) time.Duration {
	switch strings.ToLower(unit) {
	case "hours", "hour":
		return time.Hour
	case "days", "day":
		return 24 * time.Hour
	}
	return time.Minute
}

// TriggerAt returns when rule fires for the appointment: offset before its
// start, or offset after its end.
func TriggerAt(rule models.NotificationRule, a *models.Appointment) time.Time {
	offset := time.Duration(rule.Offset) * unitDuration(rule.Unit)
	if rule.Direction == DirectionAfter {
		end := a.End
		if end.IsZero() {
			end = a.Start
		}
		return end.Add(offset)
	}
	return a.Start.Add(-offset)
}

// RenderNotification fills {clientName}, {appointmentTime} and {serviceName}.
func RenderNotification(tmpl string, a *models.Appointment, loc *time.Location) string {
	return strings.NewReplacer(
		"{clientName}", a.ClientName,
		"{appointmentTime}", a.Start.In(loc).Format("02/01 15:04"),
		"{serviceName}", a.Title,
	).Replace(tmpl)
}

func activeRules(b *models.Business) []models.NotificationRule {
	var out []models.NotificationRule
	for _, r := range b.NotificationRules {
		if r.IsActive && r.ID != "" && strings.TrimSpace(r.MessageTemplate) != "" {
			out = append(out, r)
		}
	}
	return out
}

func (s *Scheduler) runNotifications(ctx context.Context) {
	hasRules := func(b *models.Business) bool { return len(activeRules(b)) > 0 }
	s.eachBusinessPage(ctx, hasRules, func(page []*models.Business) {
		now := s.clock.Now()
		byID := make(map[string]*models.Business, len(page))
		ids := make([]string, len(page))
		for i, b := range page {
			byID[b.ID] = b
			ids[i] = b.ID
		}
		appts, err := s.store.AppointmentsSince(ctx, ids, now.Add(-notificationLookup), notifiedStatuses)
		if err != nil {
			s.log.Error().Err(err).Msg("notification scan failed")
			return
		}
		for i := range appts {
			a := &appts[i]
			b := byID[a.BusinessID]
			for _, rule := range activeRules(b) {
				if ctx.Err() != nil {
					return
				}
				s.notify(ctx, b, a, rule, now)
			}
		}
	})
}

func (s *Scheduler) notify(ctx context.Context, b *models.Business, a *models.Appointment, rule models.NotificationRule, now time.Time) {
	if _, done := a.NotificationHistory[rule.ID]; done {
		return
	}
	at := TriggerAt(rule, a)
	if now.Before(at) || now.Sub(at) > lateLimit {
		return
	}
	phone := channel.NormalizePhone(a.ClientPhone)
	if phone == "" {
		return
	}
	log := s.log.With().Str("business_id", b.ID).Uint("appointment_id", a.ID).Str("rule_id", rule.ID).Logger()

	text := RenderNotification(rule.MessageTemplate, a, b.Location())
	if !s.sender.Send(ctx, b, phone, text) {
		log.Warn().Msg("notification send failed, retrying next tick")
		return
	}
	wctx := context.WithoutCancel(ctx)
	if err := s.store.MarkNotificationSent(wctx, a, rule.ID, now); err != nil {
		log.Error().Err(err).Msg("notification history not saved")
	}

	contact, err := s.store.FindOrCreateContact(wctx, b.ID, phone, models.ChannelWhatsApp, a.ClientName, now)
	if err != nil {
		log.Warn().Err(err).Msg("notification contact unavailable")
		return
	}
	msg := &models.Message{
		BusinessID: b.ID,
		ContactID:  contact.ID,
		Role:       models.RoleBot,
		Content:    text,
		Kind:       channel.KindText,
		Channel:    models.ChannelWhatsApp,
		CreatedAt:  now,
	}
	if err := s.store.PersistMessage(wctx, msg); err != nil {
		log.Warn().Err(err).Msg("notification message not stored")
	} else if s.events != nil {
		s.events.Publish(b.ID, ws.EventNewMessage, msg)
	}
	log.Info().Msg("appointment notification sent")
}
