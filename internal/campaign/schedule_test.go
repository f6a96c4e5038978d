package campaign

import (
	"errors"
	"testing"
	"time"

	"whatsapp-chatbot/internal/models"
)

func TestDue(t *testing.T) {
	loc, err := time.LoadLocation("America/Sao_Paulo")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	// Monday 10:00 local.
	now := time.Date(2026, 3, 9, 10, 0, 20, 0, loc)
	monday := time.Date(2026, 2, 9, 8, 0, 0, 0, loc)
	tuesday := time.Date(2026, 2, 10, 8, 0, 0, 0, loc)
	ago := func(d time.Duration) *time.Time { t := now.Add(-d); return &t }

	cases := []struct {
		name string
		c    models.Campaign
		want bool
	}{
		{"inactive", models.Campaign{Schedule: models.Schedule{Frequency: "minutes_1"}}, false},
		{"interval never run", models.Campaign{IsActive: true, Schedule: models.Schedule{Frequency: "minutes_30"}}, true},
		{"interval not elapsed", models.Campaign{IsActive: true, Schedule: models.Schedule{Frequency: "minutes_30"}, LastRun: ago(20 * time.Minute)}, false},
		{"interval elapsed", models.Campaign{IsActive: true, Schedule: models.Schedule{Frequency: "hours_6"}, LastRun: ago(6 * time.Hour)}, true},
		{"daily on time", models.Campaign{IsActive: true, Schedule: models.Schedule{Frequency: FrequencyDaily, Time: "10:00"}}, true},
		{"daily short hour", models.Campaign{IsActive: true, Schedule: models.Schedule{Frequency: FrequencyDaily, Time: "10:0"}}, false},
		{"daily not yet", models.Campaign{IsActive: true, Schedule: models.Schedule{Frequency: FrequencyDaily, Time: "10:01"}}, false},
		{"daily missed minute", models.Campaign{IsActive: true, Schedule: models.Schedule{Frequency: FrequencyDaily, Time: "09:57"}}, true},
		{"daily too late to catch up", models.Campaign{IsActive: true, Schedule: models.Schedule{Frequency: FrequencyDaily, Time: "08:30"}}, false},
		{"daily already ran today", models.Campaign{IsActive: true, Schedule: models.Schedule{Frequency: FrequencyDaily, Time: "09:57"}, LastRun: ago(10 * time.Second)}, false},
		{"daily ran earlier today", models.Campaign{IsActive: true, Schedule: models.Schedule{Frequency: FrequencyDaily, Time: "10:00"}, LastRun: ago(2 * time.Hour)}, false},
		{"daily created after the time", models.Campaign{IsActive: true, CreatedAt: now.Add(-5 * time.Second), Schedule: models.Schedule{Frequency: FrequencyDaily, Time: "10:00"}}, false},
		{"daily ran yesterday", models.Campaign{IsActive: true, Schedule: models.Schedule{Frequency: FrequencyDaily, Time: "10:00"}, LastRun: ago(24 * time.Hour)}, true},
		{"days include monday", models.Campaign{IsActive: true, Schedule: models.Schedule{Frequency: FrequencyDaily, Time: "10:00", Days: []int{1, 3}}}, true},
		{"days exclude monday", models.Campaign{IsActive: true, Schedule: models.Schedule{Frequency: FrequencyDaily, Time: "10:00", Days: []int{2, 4}}}, false},
		{"weekly created monday", models.Campaign{IsActive: true, CreatedAt: monday, Schedule: models.Schedule{Frequency: FrequencyWeekly, Time: "10:00"}}, true},
		{"weekly created tuesday", models.Campaign{IsActive: true, CreatedAt: tuesday, Schedule: models.Schedule{Frequency: FrequencyWeekly, Time: "10:00"}}, false},
		{"monthly same day", models.Campaign{IsActive: true, CreatedAt: monday, Schedule: models.Schedule{Frequency: FrequencyMonthly, Time: "10:00"}}, true},
		{"monthly other day", models.Campaign{IsActive: true, CreatedAt: tuesday, Schedule: models.Schedule{Frequency: FrequencyMonthly, Time: "10:00"}}, false},
		{"unknown frequency", models.Campaign{IsActive: true, Schedule: models.Schedule{Frequency: "fortnightly", Time: "10:00"}}, false},
		{"event", models.Campaign{IsActive: true, TriggerType: models.TriggerEvent}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Due(&tc.c, loc, now.UTC()); got != tc.want {
				t.Errorf("Due = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestIntervals(t *testing.T) {
	if d, ok := parseInterval("minutes_30"); !ok || d != 30*time.Minute {
		t.Errorf("minutes_30 = %s %v", d, ok)
	}
	if d, ok := parseInterval("hours_12"); !ok || d != 12*time.Hour {
		t.Errorf("hours_12 = %s %v", d, ok)
	}
	for _, bad := range []string{"daily", "minutes_", "minutes_0", "weeks_1"} {
		if _, ok := parseInterval(bad); ok {
			t.Errorf("%q parsed as an interval", bad)
		}
	}
	if !isIntraday("hours_6") || isIntraday("hours_24") || isIntraday(FrequencyDaily) {
		t.Error("intraday classification wrong")
	}
}

func TestValidate(t *testing.T) {
	valid := func() *models.Campaign {
		return &models.Campaign{
			Name:        "Promo",
			Message:     "Oi {{name}}",
			Type:        models.CampaignRecurring,
			TriggerType: models.TriggerTime,
			TargetTags:  []string{"vip"},
			Schedule:    models.Schedule{Frequency: FrequencyDaily, Time: "09:30"},
		}
	}
	c := valid()
	if err := Validate(c); err != nil {
		t.Fatalf("valid campaign: %v", err)
	}
	if c.ContentMode != models.ContentStatic {
		t.Errorf("content mode default = %q", c.ContentMode)
	}

	tests := []struct {
		name   string
		mutate func(c *models.Campaign)
	}{
		{"no name", func(c *models.Campaign) { c.Name = " " }},
		{"no message", func(c *models.Campaign) { c.Message = "" }},
		{"bad type", func(c *models.Campaign) { c.Type = "drip" }},
		{"bad trigger", func(c *models.Campaign) { c.TriggerType = "webhook" }},
		{"bad frequency", func(c *models.Campaign) { c.Schedule.Frequency = "yearly" }},
		{"bad time", func(c *models.Campaign) { c.Schedule.Time = "9h" }},
		{"bad day", func(c *models.Campaign) { c.Schedule.Days = []int{7} }},
		{"no tags", func(c *models.Campaign) { c.TargetTags = nil }},
		{"inverted delay", func(c *models.Campaign) { c.DelayMin, c.DelayMax = 10, 2 }},
		{"bad content mode", func(c *models.Campaign) { c.ContentMode = "html" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := valid()
			tc.mutate(c)
			if err := Validate(c); !errors.Is(err, ErrInvalidCampaign) {
				t.Errorf("err = %v", err)
			}
		})
	}

	interval := valid()
	interval.Schedule = models.Schedule{Frequency: "minutes_30"}
	if err := Validate(interval); err != nil {
		t.Errorf("interval campaign: %v", err)
	}
	event := &models.Campaign{Name: "Lembrete", Message: "Até já", Type: models.CampaignRecurring, TriggerType: models.TriggerEvent, EventOffset: 60, EventTargetStatus: []string{models.AppointmentScheduled}}
	if err := Validate(event); err != nil {
		t.Errorf("event campaign: %v", err)
	}
	event.EventTargetStatus = nil
	if err := Validate(event); !errors.Is(err, ErrInvalidCampaign) {
		t.Errorf("event campaign without statuses: %v", err)
	}
}
