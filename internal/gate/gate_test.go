package gate

import (
	"testing"
	"time"

	"whatsapp-chatbot/internal/channel"
	"whatsapp-chatbot/internal/models"
)

func saoPaulo(t *testing.T, hour, minute int) time.Time {
	t.Helper()
	loc, err := time.LoadLocation("America/Sao_Paulo")
	if err != nil {
		t.Skipf("timezone data unavailable: %v", err)
	}
	return time.Date(2026, 3, 10, hour, minute, 0, 0, loc)
}

func direct(sender string) channel.NormalizedMessage {
	return channel.NormalizedMessage{Sender: sender, Channel: models.ChannelWhatsApp, Kind: channel.KindText, Body: "oi"}
}

func TestAudienceWhitelist(t *testing.T) {
	b := &models.Business{AudienceMode: models.AudienceWhitelist, WhitelistTags: []string{"VIP"}}
	now := time.Now()

	vip := &models.Contact{Tags: []string{"VIP", "Lead"}}
	if d := ShouldRespond(b, vip, direct("5511999990000"), now); !d.Allow {
		t.Errorf("VIP contact blocked: %+v", d)
	}
	lead := &models.Contact{Tags: []string{"Lead"}}
	if d := ShouldRespond(b, lead, direct("5511999990000"), now); d.Allow || d.Reason != ReasonAudience {
		t.Errorf("Lead contact = %+v, want audience block", d)
	}

	b.WhitelistTags = nil
	if d := ShouldRespond(b, vip, direct("5511999990000"), now); d.Allow {
		t.Error("empty whitelist let a contact through")
	}
}

func TestAudienceBlacklist(t *testing.T) {
	b := &models.Business{AudienceMode: models.AudienceBlacklist, BlacklistTags: []string{"spam"}}
	now := time.Now()
	if d := ShouldRespond(b, &models.Contact{Tags: []string{"spam"}}, direct("5511"), now); d.Allow {
		t.Error("blacklisted contact allowed")
	}
	if d := ShouldRespond(b, &models.Contact{}, direct("5511"), now); !d.Allow {
		t.Error("untagged contact blocked by blacklist")
	}
}

func TestAudienceNewContacts(t *testing.T) {
	b := &models.Business{AudienceMode: models.AudienceNewContacts}
	now := time.Now()

	fresh := &models.Contact{CreatedAt: now.Add(-time.Minute)}
	if d := ShouldRespond(b, fresh, direct("5511"), now); !d.Allow {
		t.Errorf("fresh contact blocked: %+v", d)
	}
	talked := &models.Contact{CreatedAt: now.Add(-time.Minute), TotalMessages: 3}
	if d := ShouldRespond(b, talked, direct("5511"), now); d.Allow {
		t.Error("contact with history counted as new")
	}
	stale := &models.Contact{CreatedAt: now.Add(-48 * time.Hour)}
	if d := ShouldRespond(b, stale, direct("5511"), now); d.Allow {
		t.Error("two-day-old contact counted as new")
	}
}

// WHAT: 09:00-18:00 in Sao Paulo, messages at local 20:00 and 10:00.
// WHY: the closed path must carry the away message; the open path must go on to the AI.
func TestOperatingHours(t *testing.T) {
	b := &models.Business{
		AudienceMode: models.AudienceAll,
		AwayMessage:  "Estamos fechados, voltamos às 9h.",
		Hours:        &models.OperatingHours{Active: true, Opening: "09:00", Closing: "18:00", Timezone: "America/Sao_Paulo"},
	}
	c := &models.Contact{}

	night := ShouldRespond(b, c, direct("5511"), saoPaulo(t, 20, 0))
	if night.Allow || night.Reason != ReasonClosed || night.AwayMessage != b.AwayMessage {
		t.Errorf("20:00 = %+v", night)
	}
	morning := ShouldRespond(b, c, direct("5511"), saoPaulo(t, 10, 0))
	if !morning.Allow {
		t.Errorf("10:00 = %+v", morning)
	}

	// closing bound is exclusive
	if IsOpen(b, saoPaulo(t, 18, 0)) {
		t.Error("open at closing time")
	}
	if !IsOpen(b, saoPaulo(t, 9, 0)) {
		t.Error("closed at opening time")
	}
	// the instant is what matters, not the caller's zone
	if !IsOpen(b, saoPaulo(t, 10, 0).UTC()) {
		t.Error("UTC instant of 10:00 local treated as closed")
	}

	b.Hours.Active = false
	if IsOpen(b, saoPaulo(t, 10, 0)) {
		t.Error("inactive schedule treated as open")
	}
	b.Hours = nil
	if !IsOpen(b, saoPaulo(t, 3, 0)) {
		t.Error("no schedule treated as closed")
	}
}

// WHAT: a group sender on a business with every other block active.
// WHY: the source filter runs first, so no other rule decides the outcome.
func TestOrdering(t *testing.T) {
	b := &models.Business{
		AIDisabled: true,
		Hours:      &models.OperatingHours{Active: false},
	}
	c := &models.Contact{IsHandover: true}

	if d := ShouldRespond(b, c, direct("120363@g.us"), time.Now()); d.Reason != ReasonNonDirect {
		t.Errorf("group = %q, want %q", d.Reason, ReasonNonDirect)
	}
	if d := ShouldRespond(b, c, direct("5511"), time.Now()); d.Reason != ReasonAIDisabled {
		t.Errorf("kill switch = %q", d.Reason)
	}
	b.AIDisabled = false
	if d := ShouldRespond(b, c, direct("5511"), time.Now()); d.Reason != ReasonClosed {
		t.Errorf("closed = %q", d.Reason)
	}
	b.Hours = nil
	d := ShouldRespond(b, c, direct("5511"), time.Now())
	if d.Reason != ReasonHandover || d.AwayMessage != "" {
		t.Errorf("handover = %+v, want silent block", d)
	}
}

func TestWebSessionIsNotSourceFiltered(t *testing.T) {
	b := &models.Business{AudienceMode: models.AudienceAll}
	msg := channel.NormalizeWeb("biz", "5f1c2b9e-6a4d-4c55-9d1b-0b8a7f5e2c11", "oi", time.Now())
	if d := ShouldRespond(b, &models.Contact{}, msg, time.Now()); !d.Allow {
		t.Errorf("web chat blocked: %+v", d)
	}
}
