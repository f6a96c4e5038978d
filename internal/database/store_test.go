package database

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"whatsapp-chatbot/internal/models"
)

func seedBusiness(t *testing.T, s *Store) *models.Business {
	t.Helper()
	b := &models.Business{Name: "Barbearia", WhatsAppProvider: models.ProviderSession, AudienceMode: models.AudienceAll}
	if err := s.CreateBusiness(context.Background(), b); err != nil {
		t.Fatalf("create business: %v", err)
	}
	if b.ID == "" {
		t.Fatal("business id not assigned")
	}
	return b
}

func TestBusinessNotFound(t *testing.T) {
	s := OpenTest(t)
	_, err := s.Business(context.Background(), "missing")
	if !errors.Is(err, ErrBusinessNotFound) {
		t.Fatalf("err = %v, want ErrBusinessNotFound", err)
	}
}

func TestFindOrCreateContactIsUnique(t *testing.T) {
	s := OpenTest(t)
	ctx := context.Background()
	b := seedBusiness(t, s)
	now := time.Now()

	first, err := s.FindOrCreateContact(ctx, b.ID, "5511999990000", models.ChannelWhatsApp, "", now)
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.FindOrCreateContact(ctx, b.ID, "5511999990000", models.ChannelWhatsApp, "Ana", now)
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != second.ID {
		t.Fatalf("got two contacts %d and %d for one identity", first.ID, second.ID)
	}
	if second.Name != "Ana" {
		t.Errorf("name = %q, want backfilled Ana", second.Name)
	}
	if second.Phone != "5511999990000" {
		t.Errorf("phone = %q", second.Phone)
	}

	web, err := s.FindOrCreateContact(ctx, b.ID, "sess-1", models.ChannelWeb, "", now)
	if err != nil {
		t.Fatal(err)
	}
	if web.Phone != "" {
		t.Errorf("web contact got phone %q", web.Phone)
	}
}

// WHAT: concurrent PersistMessage calls on one contact.
// WHY: counters must be updated in SQL, not read-modify-write, or increments are lost.
func TestPersistMessageCountsAtomically(t *testing.T) {
	s := OpenTest(t)
	ctx := context.Background()
	b := seedBusiness(t, s)
	c, err := s.FindOrCreateContact(ctx, b.ID, "5511988887777", models.ChannelWhatsApp, "", time.Now())
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m := &models.Message{BusinessID: b.ID, ContactID: c.ID, Role: models.RoleUser, Content: "oi"}
			if err := s.PersistMessage(ctx, m); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	got, err := s.Contact(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.TotalMessages != 10 {
		t.Errorf("total messages = %d, want 10", got.TotalMessages)
	}
	if got.LastSender != models.RoleUser || got.LastInteraction == nil {
		t.Errorf("last sender %q, last interaction %v", got.LastSender, got.LastInteraction)
	}
}

func TestUserMessageDisarmsFollowUp(t *testing.T) {
	s := OpenTest(t)
	ctx := context.Background()
	b := seedBusiness(t, s)
	c, _ := s.FindOrCreateContact(ctx, b.ID, "5511911112222", models.ChannelWhatsApp, "", time.Now())

	active, stage, now := true, 2, time.Now()
	if err := s.UpdateContactFields(ctx, c.ID, ContactFields{FollowUpActive: &active, FollowUpStage: &stage, LastResponseTime: &now}); err != nil {
		t.Fatal(err)
	}
	if err := s.PersistMessage(ctx, &models.Message{BusinessID: b.ID, ContactID: c.ID, Role: models.RoleBot, Content: "x"}); err != nil {
		t.Fatal(err)
	}
	got, _ := s.Contact(ctx, c.ID)
	if !got.FollowUpActive || got.FollowUpStage != 2 {
		t.Fatalf("bot message touched follow-up: active=%v stage=%d", got.FollowUpActive, got.FollowUpStage)
	}

	if err := s.PersistMessage(ctx, &models.Message{BusinessID: b.ID, ContactID: c.ID, Role: models.RoleUser, Content: "y"}); err != nil {
		t.Fatal(err)
	}
	got, _ = s.Contact(ctx, c.ID)
	if got.FollowUpActive || got.FollowUpStage != 0 {
		t.Errorf("user message left follow-up armed: active=%v stage=%d", got.FollowUpActive, got.FollowUpStage)
	}
	if got.LastResponseTime == nil {
		t.Error("last response time was cleared")
	}
}

func TestRecentMessagesOldestFirst(t *testing.T) {
	s := OpenTest(t)
	ctx := context.Background()
	b := seedBusiness(t, s)
	c, _ := s.FindOrCreateContact(ctx, b.ID, "5511933334444", models.ChannelWhatsApp, "", time.Now())

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, text := range []string{"a", "b", "c", "d"} {
		m := &models.Message{BusinessID: b.ID, ContactID: c.ID, Role: models.RoleUser, Content: text, CreatedAt: base.Add(time.Duration(i) * time.Minute)}
		if err := s.PersistMessage(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.RecentMessages(ctx, c.ID, 3)
	if err != nil {
		t.Fatal(err)
	}
	var texts []string
	for _, m := range got {
		texts = append(texts, m.Content)
	}
	if len(texts) != 3 || texts[0] != "b" || texts[2] != "d" {
		t.Errorf("recent = %v, want [b c d]", texts)
	}
}

func TestUpdateContactFieldsLeavesOtherColumns(t *testing.T) {
	s := OpenTest(t)
	ctx := context.Background()
	b := seedBusiness(t, s)
	c, _ := s.FindOrCreateContact(ctx, b.ID, "5511955556666", models.ChannelWhatsApp, "Bia", time.Now())
	if err := s.SetContactTags(ctx, c.ID, []string{"vip", "lead"}); err != nil {
		t.Fatal(err)
	}

	handover := true
	if err := s.UpdateContactFields(ctx, c.ID, ContactFields{IsHandover: &handover}); err != nil {
		t.Fatal(err)
	}
	got, _ := s.Contact(ctx, c.ID)
	if !got.IsHandover || got.Name != "Bia" || len(got.Tags) != 2 {
		t.Errorf("contact = %+v", got)
	}

	if err := s.UpdateContactFields(ctx, 9999, ContactFields{IsHandover: &handover}); !errors.Is(err, ErrContactNotFound) {
		t.Errorf("err = %v, want ErrContactNotFound", err)
	}
}

func TestTargetContactsFiltersTagsAndHandover(t *testing.T) {
	s := OpenTest(t)
	ctx := context.Background()
	b := seedBusiness(t, s)
	now := time.Now()

	vip, _ := s.FindOrCreateContact(ctx, b.ID, "551100000001", models.ChannelWhatsApp, "", now)
	s.SetContactTags(ctx, vip.ID, []string{"vip"})
	paused, _ := s.FindOrCreateContact(ctx, b.ID, "551100000002", models.ChannelWhatsApp, "", now)
	s.SetContactTags(ctx, paused.ID, []string{"vip"})
	h := true
	s.UpdateContactFields(ctx, paused.ID, ContactFields{IsHandover: &h})
	other, _ := s.FindOrCreateContact(ctx, b.ID, "551100000003", models.ChannelWhatsApp, "", now)
	s.SetContactTags(ctx, other.ID, []string{"cold"})
	web, _ := s.FindOrCreateContact(ctx, b.ID, "sess-x", models.ChannelWeb, "", now)
	s.SetContactTags(ctx, web.ID, []string{"vip"})

	got, err := s.TargetContacts(ctx, b.ID, []string{"vip", "promo"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != vip.ID {
		t.Errorf("targets = %+v, want only %d", got, vip.ID)
	}
}

func TestTargetContactsMatchesWholeTagsAcrossPages(t *testing.T) {
	s := OpenTest(t)
	ctx := context.Background()
	b := seedBusiness(t, s)
	now := time.Now()

	defer func(n int) { targetPage = n }(targetPage)
	targetPage = 2

	var want []uint
	for i, tags := range [][]string{
		{"vip"},
		{"vip_gold"},
		{"cold", "vip"},
		{"vipx"},
		{"promo"},
		{"100%"},
		{"vip"},
	} {
		c, err := s.FindOrCreateContact(ctx, b.ID, fmt.Sprintf("55110000010%d", i), models.ChannelWhatsApp, "", now)
		if err != nil {
			t.Fatal(err)
		}
		if err := s.SetContactTags(ctx, c.ID, tags); err != nil {
			t.Fatal(err)
		}
		if tags[len(tags)-1] == "vip" || tags[0] == "promo" {
			want = append(want, c.ID)
		}
	}

	got, err := s.TargetContacts(ctx, b.ID, []string{"vip", "promo", "vip_", "10%"})
	if err != nil {
		t.Fatal(err)
	}
	var ids []uint
	for _, c := range got {
		ids = append(ids, c.ID)
	}
	if fmt.Sprint(ids) != fmt.Sprint(want) {
		t.Errorf("targets = %v, want %v", ids, want)
	}
}

// WHAT: two claims on the same campaign, then a claim after the lease went stale.
// WHY: the processing flag is a lease; a crashed evaluator must not block the campaign forever.
func TestClaimCampaignLease(t *testing.T) {
	s := OpenTest(t)
	ctx := context.Background()
	b := seedBusiness(t, s)
	c := &models.Campaign{BusinessID: b.ID, Name: "promo", Type: models.CampaignBroadcast, TriggerType: models.TriggerTime, Message: "hi", IsActive: true}
	if err := s.CreateCampaign(ctx, c); err != nil {
		t.Fatal(err)
	}

	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	lease := 10 * time.Minute

	ok, err := s.ClaimCampaign(ctx, c.ID, now, now.Add(-lease))
	if err != nil || !ok {
		t.Fatalf("first claim = %v, %v", ok, err)
	}
	ok, _ = s.ClaimCampaign(ctx, c.ID, now.Add(time.Minute), now.Add(time.Minute-lease))
	if ok {
		t.Fatal("second claim succeeded while lease is fresh")
	}
	list, _ := s.ActiveCampaigns(ctx, now.Add(time.Minute-lease))
	if len(list) != 0 {
		t.Fatalf("campaign with fresh lease listed as available")
	}

	later := now.Add(11 * time.Minute)
	list, _ = s.ActiveCampaigns(ctx, later.Add(-lease))
	if len(list) != 1 {
		t.Fatalf("stale campaign not listed")
	}
	ok, _ = s.ClaimCampaign(ctx, c.ID, later, later.Add(-lease))
	if !ok {
		t.Fatal("stale lease was not reclaimed")
	}

	if err := s.ReleaseCampaign(ctx, c.ID, CampaignRelease{LastRun: &later, Deactivate: true}); err != nil {
		t.Fatal(err)
	}
	got, _ := s.Campaign(ctx, c.ID)
	if got.Processing || got.IsActive || got.LastRun == nil {
		t.Errorf("after release: %+v", got)
	}
}

func TestReleaseStaleLeases(t *testing.T) {
	s := OpenTest(t)
	ctx := context.Background()
	b := seedBusiness(t, s)
	now := time.Now().UTC()
	for _, since := range []time.Time{now.Add(-time.Hour), now} {
		c := &models.Campaign{BusinessID: b.ID, Name: "c", Type: models.CampaignRecurring, TriggerType: models.TriggerTime, Message: "m", IsActive: true}
		s.CreateCampaign(ctx, c)
		s.ClaimCampaign(ctx, c.ID, since, since.Add(-time.Minute))
	}

	n, err := s.ReleaseStaleLeases(ctx, now.Add(-10*time.Minute), false)
	if err != nil || n != 1 {
		t.Fatalf("released %d, %v; want 1", n, err)
	}
	n, _ = s.ReleaseStaleLeases(ctx, now, true)
	if n != 1 {
		t.Fatalf("release all freed %d, want 1", n)
	}
}

func TestLoggedContactIDs(t *testing.T) {
	s := OpenTest(t)
	ctx := context.Background()
	day := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	s.CreateCampaignLog(ctx, &models.CampaignLog{CampaignID: 1, ContactID: 10, Status: models.LogSent, SentAt: day.Add(-time.Hour)})
	s.CreateCampaignLog(ctx, &models.CampaignLog{CampaignID: 1, ContactID: 11, Status: models.LogSent, SentAt: day.Add(time.Hour)})
	s.CreateCampaignLog(ctx, &models.CampaignLog{CampaignID: 1, ContactID: 12, Status: models.LogFailed, SentAt: day.Add(time.Hour)})
	s.CreateCampaignLog(ctx, &models.CampaignLog{CampaignID: 2, ContactID: 13, Status: models.LogSent, SentAt: day})

	ids := []uint{10, 11, 12, 13}

	all, _ := s.LoggedContactIDs(ctx, 1, ids, nil, true)
	if !all[10] || !all[11] || !all[12] || all[13] {
		t.Errorf("ever, with failed = %v", all)
	}
	sent, _ := s.LoggedContactIDs(ctx, 1, ids, nil, false)
	if sent[12] {
		t.Errorf("failed log counted without includeFailed: %v", sent)
	}
	today, _ := s.LoggedContactIDs(ctx, 1, ids, &day, true)
	if today[10] || !today[11] {
		t.Errorf("since day = %v", today)
	}
}

func TestLoggedRelatedIDs(t *testing.T) {
	s := OpenTest(t)
	ctx := context.Background()
	s.CreateCampaignLog(ctx, &models.CampaignLog{CampaignID: 3, ContactID: 1, RelatedID: "42", Status: models.LogFailed})

	got, err := s.LoggedRelatedIDs(ctx, 3, []string{"42", "43"})
	if err != nil {
		t.Fatal(err)
	}
	if !got["42"] || got["43"] {
		t.Errorf("related = %v", got)
	}
}

func TestBookAppointmentRejectsOverlap(t *testing.T) {
	s := OpenTest(t)
	ctx := context.Background()
	b := seedBusiness(t, s)
	start := time.Date(2026, 6, 1, 14, 0, 0, 0, time.UTC)

	first := &models.Appointment{BusinessID: b.ID, ClientPhone: "5511", Start: start, End: start.Add(time.Hour)}
	if err := s.BookAppointment(ctx, first); err != nil {
		t.Fatal(err)
	}
	clash := &models.Appointment{BusinessID: b.ID, ClientPhone: "5512", Start: start.Add(30 * time.Minute), End: start.Add(90 * time.Minute)}
	if err := s.BookAppointment(ctx, clash); !errors.Is(err, ErrSlotTaken) {
		t.Fatalf("err = %v, want ErrSlotTaken", err)
	}
	next := &models.Appointment{BusinessID: b.ID, ClientPhone: "5512", Start: start.Add(time.Hour), End: start.Add(2 * time.Hour)}
	if err := s.BookAppointment(ctx, next); err != nil {
		t.Fatalf("back-to-back slot rejected: %v", err)
	}

	list, _ := s.AppointmentsStartingBetween(ctx, b.ID, start, start.Add(time.Minute), []string{models.AppointmentScheduled})
	if len(list) != 1 || list[0].ID != first.ID {
		t.Errorf("starting between = %+v", list)
	}
	if none, _ := s.AppointmentsStartingBetween(ctx, b.ID, start, start.Add(time.Minute), nil); len(none) != 0 {
		t.Errorf("empty status set matched %+v", none)
	}

	if err := s.MarkNotificationSent(ctx, first, "r1", start); err != nil {
		t.Fatal(err)
	}
	got, _ := s.Appointment(ctx, first.ID)
	if _, ok := got.NotificationHistory["r1"]; !ok {
		t.Errorf("history = %v", got.NotificationHistory)
	}
}

func TestSaveSessionStateUpserts(t *testing.T) {
	s := OpenTest(t)
	ctx := context.Background()
	if err := s.SaveSessionState(ctx, &models.WhatsAppSession{BusinessID: "b1", Status: "awaiting_scan"}); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveSessionState(ctx, &models.WhatsAppSession{BusinessID: "b1", DeviceJID: "5511:1@s.whatsapp.net", Status: "ready"}); err != nil {
		t.Fatal(err)
	}
	got, err := s.SessionState(ctx, "b1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != "ready" || got.DeviceJID == "" {
		t.Errorf("session = %+v", got)
	}
	restore, _ := s.SessionsToRestore(ctx, []string{"ready"})
	if len(restore) != 1 {
		t.Errorf("restore = %+v", restore)
	}
}
