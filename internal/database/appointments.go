package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"whatsapp-chatbot/internal/models"

	"gorm.io/gorm"
)

var (
	ErrSlotTaken           = errors.New("time slot already taken")
	ErrAppointmentNotFound = errors.New("appointment not found")
)

func (s *Store) Appointment(ctx context.Context, id uint) (*models.Appointment, error) {
	var a models.Appointment
	if err := s.conn(ctx).First(&a, id).Error; err != nil {
		return nil, notFound(err, ErrAppointmentNotFound)
	}
	return &a, nil
}

// HasConflict reports whether a non-cancelled appointment overlaps [start, end).
func (s *Store) HasConflict(ctx context.Context, businessID string, start, end time.Time) (bool, error) {
	var n int64
	err := s.conn(ctx).Model(&models.Appointment{}).
		Where("business_id = ? AND status <> ?", businessID, models.AppointmentCancelled).
		Where("starts_at < ? AND ends_at > ?", end.UTC(), start.UTC()).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("check appointment conflict: %w", err)
	}
	return n > 0, nil
}

// BookAppointment inserts the appointment unless the slot overlaps another one.
func (s *Store) BookAppointment(ctx context.Context, a *models.Appointment) error {
	a.Start = a.Start.UTC()
	a.End = a.End.UTC()
	if a.Status == "" {
		a.Status = models.AppointmentScheduled
	}
	return s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		err := tx.Model(&models.Appointment{}).
			Where("business_id = ? AND status <> ?", a.BusinessID, models.AppointmentCancelled).
			Where("starts_at < ? AND ends_at > ?", a.End, a.Start).
			Count(&n).Error
		if err != nil {
			return fmt.Errorf("check appointment conflict: %w", err)
		}
		if n > 0 {
			return ErrSlotTaken
		}
		if err := tx.Create(a).Error; err != nil {
			return fmt.Errorf("create appointment: %w", err)
		}
		return nil
	})
}

// AppointmentsStartingBetween returns appointments of the business whose start
// falls in [from, to) and whose status is one of statuses. No statuses match
// nothing.
func (s *Store) AppointmentsStartingBetween(ctx context.Context, businessID string, from, to time.Time, statuses []string) ([]models.Appointment, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	var list []models.Appointment
	err := s.conn(ctx).
		Where("business_id = ? AND starts_at >= ? AND starts_at < ? AND status IN ?", businessID, from.UTC(), to.UTC(), statuses).
		Order("starts_at").
		Find(&list).Error
	if err != nil {
		return nil, fmt.Errorf("load appointments: %w", err)
	}
	return list, nil
}

// AppointmentsSince loads appointments for several businesses at once, for the
// notification sweep.
func (s *Store) AppointmentsSince(ctx context.Context, businessIDs []string, since time.Time, statuses []string) ([]models.Appointment, error) {
	if len(businessIDs) == 0 {
		return nil, nil
	}
	var list []models.Appointment
	err := s.conn(ctx).
		Where("business_id IN ? AND starts_at >= ? AND status IN ?", businessIDs, since.UTC(), statuses).
		Order("starts_at").
		Find(&list).Error
	if err != nil {
		return nil, fmt.Errorf("load appointments for notifications: %w", err)
	}
	return list, nil
}

func (s *Store) MarkNotificationSent(ctx context.Context, a *models.Appointment, ruleID string, at time.Time) error {
	if a.NotificationHistory == nil {
		a.NotificationHistory = map[string]time.Time{}
	}
	a.NotificationHistory[ruleID] = at.UTC()
	err := s.conn(ctx).Model(&models.Appointment{ID: a.ID}).
		Select("notification_history").
		Updates(&models.Appointment{NotificationHistory: a.NotificationHistory}).Error
	if err != nil {
		return fmt.Errorf("mark notification %s on appointment %d: %w", ruleID, a.ID, err)
	}
	return nil
}
