// Package campaign runs scheduled and appointment-driven outbound messages:
// campaigns, appointment notifications and follow-up sequences.
package campaign

import (
	"context"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"whatsapp-chatbot/internal/ai"
	"whatsapp-chatbot/internal/channel"
	"whatsapp-chatbot/internal/clock"
	"whatsapp-chatbot/internal/config"
	"whatsapp-chatbot/internal/database"
	"whatsapp-chatbot/internal/models"
	"whatsapp-chatbot/internal/prompt"
	"whatsapp-chatbot/internal/ws"

	"github.com/rs/zerolog"
)

const (
	TickInterval = time.Minute

	defaultLeaseTimeout = 10 * time.Minute
	defaultBatch        = 200
	defaultDelayMax     = 5
	historyForAI        = 10
	eventWindow         = time.Minute
	// eventCatchUp bounds how far back an event window reaches after a pause.
	eventCatchUp = 30 * time.Minute
)

// Sender is the outbound side; *dispatch.Dispatcher implements it.
type Sender interface {
	Send(ctx context.Context, b *models.Business, destination, text string) bool
}

type Publisher interface {
	Publish(businessID, eventType string, data interface{})
}

type Options struct {
	Store  *database.Store
	AI     ai.Completer // optional; ai_prompt campaigns fall back to the static text
	Sender Sender
	Events Publisher // optional
	Clock  clock.Clock
	Config config.CampaignConfig
	// SkipDelays disables pacing between recipients.
	SkipDelays bool
	Log        zerolog.Logger
}

type Scheduler struct {
	store  *database.Store
	ai     ai.Completer
	sender Sender
	events Publisher
	clock  clock.Clock
	cfg    config.CampaignConfig
	skip   bool
	log    zerolog.Logger

	running  atomic.Bool
	inflight sync.WaitGroup

	mu   sync.Mutex
	busy map[uint]bool // campaigns delivering in this process
}

func New(opts Options) *Scheduler {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Config.TickInterval <= 0 {
		opts.Config.TickInterval = TickInterval
	}
	if opts.Config.LeaseTimeout <= 0 {
		opts.Config.LeaseTimeout = defaultLeaseTimeout
	}
	if opts.Config.ExclusionBatch <= 0 {
		opts.Config.ExclusionBatch = defaultBatch
	}
	return &Scheduler{
		store:  opts.Store,
		ai:     opts.AI,
		sender: opts.Sender,
		events: opts.Events,
		clock:  opts.Clock,
		cfg:    opts.Config,
		skip:   opts.SkipDelays,
		log:    opts.Log.With().Str("component", "campaign").Logger(),
		busy:   make(map[uint]bool),
	}
}

// Run evaluates once immediately and then on a fixed-rate ticker until ctx is
// done. It returns after the campaign runs it started have finished.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	s.log.Info().Dur("interval", s.cfg.TickInterval).Msg("scheduler started")

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.Wait()
			s.log.Info().Msg("scheduler stopped")
			return
		case <-ticker.C():
			s.Tick(ctx)
		}
	}
}

// Wait blocks until every campaign run started by earlier ticks is done.
func (s *Scheduler) Wait() {
	s.inflight.Wait()
}

// Tick runs one evaluation of campaigns, appointment notifications and
// follow-ups. Due campaigns are claimed here and delivered on their own
// goroutine, so pacing never holds up the next tick. A tick that starts while
// another is still running is skipped.
func (s *Scheduler) Tick(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		s.log.Warn().Msg("previous tick still running, skipping")
		return
	}
	defer s.running.Store(false)

	s.runCampaigns(ctx)
	s.runNotifications(ctx)
	s.runFollowUps(ctx)
}

func (s *Scheduler) runCampaigns(ctx context.Context) {
	now := s.clock.Now()
	staleBefore := now.Add(-s.cfg.LeaseTimeout)

	list, err := s.store.ActiveCampaigns(ctx, staleBefore)
	if err != nil {
		s.log.Error().Err(err).Msg("campaign tick failed")
		return
	}
	if len(list) == 0 {
		return
	}
	ids := make([]string, 0, len(list))
	for _, c := range list {
		ids = append(ids, c.BusinessID)
	}
	businesses, err := s.store.BusinessesByID(ctx, ids)
	if err != nil {
		s.log.Error().Err(err).Msg("campaign tick failed")
		return
	}

	for i := range list {
		if ctx.Err() != nil {
			return
		}
		c := &list[i]
		b, ok := businesses[c.BusinessID]
		if !ok {
			continue
		}
		if !Due(c, b.Location(), now) || s.isBusy(c.ID) {
			continue
		}
		fresh, ok := s.claim(ctx, b, c, now, staleBefore)
		if !ok {
			continue
		}
		s.setBusy(c.ID, true)
		s.inflight.Add(1)
		go func() {
			defer s.inflight.Done()
			defer s.setBusy(fresh.ID, false)
			s.runOne(ctx, b, fresh, now)
		}()
	}
}

// A run that outlives its lease must not be reclaimed by this process.
func (s *Scheduler) isBusy(id uint) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy[id]
}

func (s *Scheduler) setBusy(id uint, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if on {
		s.busy[id] = true
	} else {
		delete(s.busy, id)
	}
}

// claim takes the campaign lease and returns the reloaded row. The lease is
// dropped again when the campaign is no longer due.
func (s *Scheduler) claim(ctx context.Context, b *models.Business, c *models.Campaign, now, staleBefore time.Time) (*models.Campaign, bool) {
	log := s.log.With().Uint("campaign_id", c.ID).Str("business_id", b.ID).Logger()

	claimed, err := s.store.ClaimCampaign(ctx, c.ID, now, staleBefore)
	if err != nil {
		log.Error().Err(err).Msg("campaign claim failed")
		return nil, false
	}
	if !claimed {
		log.Debug().Msg("campaign held by another evaluator")
		return nil, false
	}
	if c.Processing {
		log.Warn().Interface("processing_since", c.ProcessingSince).Msg("reclaiming stale campaign lease")
	}

	// The row may have changed between the listing and the claim.
	fresh, err := s.store.Campaign(ctx, c.ID)
	if err == nil && fresh.IsActive && Due(fresh, b.Location(), now) {
		return fresh, true
	}
	if err != nil {
		log.Error().Err(err).Msg("campaign reload failed")
	}
	if err := s.store.ReleaseCampaign(context.WithoutCancel(ctx), c.ID, database.CampaignRelease{}); err != nil {
		log.Error().Err(err).Msg("campaign release failed")
	}
	return nil, false
}

// runOne delivers a claimed campaign and releases its lease.
func (s *Scheduler) runOne(ctx context.Context, b *models.Business, c *models.Campaign, now time.Time) {
	log := s.log.With().Uint("campaign_id", c.ID).Str("business_id", b.ID).Logger()

	release := database.CampaignRelease{}
	defer func() {
		if err := s.store.ReleaseCampaign(context.WithoutCancel(ctx), c.ID, release); err != nil {
			log.Error().Err(err).Msg("campaign release failed")
		}
	}()

	if interval, ok := parseInterval(c.Schedule.Frequency); ok && c.TriggerType == models.TriggerTime {
		next := now.Add(interval)
		release.LastRun, release.NextRun = &now, &next
	} else if c.TriggerType == models.TriggerTime {
		release.LastRun = &now
		release.Deactivate = c.Schedule.Frequency == FrequencyOnce
	}

	var res result
	func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Msg("campaign run panicked")
			}
		}()
		if c.TriggerType == models.TriggerEvent {
			var scanned bool
			res, scanned = s.runEvent(ctx, b, c, now, log)
			if scanned {
				// LastRun anchors the start of the next event window.
				release.LastRun = &now
			}
		} else {
			res = s.runTime(ctx, b, c, now, log)
		}
	}()

	if res.sent+res.failed > 0 {
		log.Info().Int("sent", res.sent).Int("failed", res.failed).Msg("campaign run finished")
		if s.events != nil {
			s.events.Publish(b.ID, ws.EventCampaignRun, map[string]interface{}{
				"campaign_id": c.ID,
				"sent":        res.sent,
				"failed":      res.failed,
			})
		}
	}
}

type result struct {
	sent, failed int
}

func (r *result) add(ok bool) {
	if ok {
		r.sent++
	} else {
		r.failed++
	}
}

// exclusionSince returns the lower bound of logs that exclude a contact, and
// whether the campaign excludes at all.
func (s *Scheduler) exclusionSince(c *models.Campaign, loc *time.Location, now time.Time) (since *time.Time, exclude bool) {
	if c.Type == models.CampaignBroadcast {
		return nil, true
	}
	if isIntraday(c.Schedule.Frequency) {
		return nil, false
	}
	start := startOfDay(now, loc)
	return &start, true
}

func (s *Scheduler) runTime(ctx context.Context, b *models.Business, c *models.Campaign, now time.Time, log zerolog.Logger) result {
	var res result
	targets, err := s.store.TargetContacts(ctx, b.ID, c.TargetTags)
	if err != nil {
		log.Error().Err(err).Msg("campaign targets failed")
		return res
	}
	since, exclude := s.exclusionSince(c, b.Location(), now)
	includeFailed := c.Type != models.CampaignBroadcast || !s.cfg.RetryFailed

	for start := 0; start < len(targets); start += s.cfg.ExclusionBatch {
		end := min(start+s.cfg.ExclusionBatch, len(targets))
		batch := targets[start:end]

		done := map[uint]bool{}
		if exclude {
			ids := make([]uint, len(batch))
			for i, t := range batch {
				ids[i] = t.ID
			}
			if done, err = s.store.LoggedContactIDs(ctx, c.ID, ids, since, includeFailed); err != nil {
				log.Error().Err(err).Msg("campaign exclusion failed, stopping run")
				return res
			}
		}
		for i := range batch {
			if ctx.Err() != nil {
				return res
			}
			if done[batch[i].ID] {
				continue
			}
			res.add(s.deliver(ctx, b, c, &batch[i], nil, log))
		}
	}
	return res
}

// eventRange returns the appointment start range an event campaign covers at
// now. Consecutive windows are contiguous: each one starts where the window of
// the previous run ended, however late the tick lands.
func eventRange(c *models.Campaign, now time.Time) (from, to time.Time) {
	offset := time.Duration(c.EventOffset) * time.Minute
	to = now.Add(offset + eventWindow)
	from = now.Add(offset)
	if c.LastRun != nil {
		from = c.LastRun.Add(offset + eventWindow)
	}
	if earliest := to.Add(-eventCatchUp); from.Before(earliest) {
		from = earliest
	}
	return from, to
}

// runEvent reminds appointments starting inside the campaign's window. scanned
// reports whether the window was read, which is when it may move forward.
func (s *Scheduler) runEvent(ctx context.Context, b *models.Business, c *models.Campaign, now time.Time, log zerolog.Logger) (res result, scanned bool) {
	if len(c.EventTargetStatus) == 0 {
		log.Warn().Msg("event campaign has no target statuses, nothing to remind")
		return res, true
	}
	from, to := eventRange(c, now)
	if !from.Before(to) {
		return res, true
	}
	appts, err := s.store.AppointmentsStartingBetween(ctx, b.ID, from, to, c.EventTargetStatus)
	if err != nil {
		log.Error().Err(err).Msg("campaign appointments failed")
		return res, false
	}
	if len(appts) == 0 {
		return res, true
	}
	related := make([]string, len(appts))
	for i, a := range appts {
		related[i] = relatedID(a.ID)
	}
	done, err := s.store.LoggedRelatedIDs(ctx, c.ID, related)
	if err != nil {
		log.Error().Err(err).Msg("campaign exclusion failed, stopping run")
		return res, false
	}

	for i := range appts {
		a := &appts[i]
		if ctx.Err() != nil {
			return res, false
		}
		if done[related[i]] {
			continue
		}
		phone := channel.NormalizePhone(a.ClientPhone)
		if phone == "" {
			continue
		}
		contact, err := s.store.FindOrCreateContact(ctx, b.ID, phone, models.ChannelWhatsApp, a.ClientName, now)
		if err != nil {
			log.Error().Err(err).Uint("appointment_id", a.ID).Msg("campaign contact lookup failed")
			continue
		}
		if contact.IsHandover {
			continue
		}
		if contact.Phone == "" {
			contact.Phone = phone
		}
		res.add(s.deliver(ctx, b, c, contact, a, log))
	}
	return res, true
}

// deliver paces, renders, sends and always records the attempt.
func (s *Scheduler) deliver(ctx context.Context, b *models.Business, c *models.Campaign, to *models.Contact, appt *models.Appointment, log zerolog.Logger) bool {
	if !s.skip {
		if err := s.clock.Sleep(ctx, pace(c.DelayMin, c.DelayMax)); err != nil {
			return false
		}
	}

	text := s.render(ctx, b, c, to, appt, log)
	sent := s.sender.Send(ctx, b, to.Phone, text)

	entry := &models.CampaignLog{
		CampaignID: c.ID,
		ContactID:  to.ID,
		Content:    text,
		Status:     models.LogSent,
		SentAt:     s.clock.Now(),
	}
	if appt != nil {
		entry.RelatedID = relatedID(appt.ID)
	}
	if !sent {
		entry.Status = models.LogFailed
		entry.Error = "dispatch failed"
	}
	wctx := context.WithoutCancel(ctx)
	if err := s.store.CreateCampaignLog(wctx, entry); err != nil {
		log.Error().Err(err).Uint("contact_id", to.ID).Msg("campaign log not written")
	}
	if !sent {
		return false
	}
	if err := s.store.IncrementSentCount(wctx, c.ID); err != nil {
		log.Warn().Err(err).Msg("sent count not updated")
	}
	msg := &models.Message{
		BusinessID: b.ID,
		ContactID:  to.ID,
		Role:       models.RoleBot,
		Content:    text,
		Kind:       channel.KindText,
		Channel:    models.ChannelWhatsApp,
		CreatedAt:  s.clock.Now(),
	}
	if err := s.store.PersistMessage(wctx, msg); err != nil {
		log.Warn().Err(err).Msg("campaign message not stored")
	} else if s.events != nil {
		s.events.Publish(b.ID, ws.EventNewMessage, msg)
	}
	return true
}

func (s *Scheduler) render(ctx context.Context, b *models.Business, c *models.Campaign, to *models.Contact, appt *models.Appointment, log zerolog.Logger) string {
	when := ""
	if appt != nil {
		when = appt.Start.In(b.Location()).Format("15:04")
	}
	static := Render(c.Message, to.Name, when)
	if c.ContentMode != models.ContentAIPrompt || s.ai == nil {
		return static
	}

	msgs, err := s.store.RecentMessages(ctx, to.ID, historyForAI)
	if err != nil {
		log.Warn().Err(err).Msg("campaign history unavailable")
	}
	text, err := s.ai.Complete(ctx, prompt.CampaignBrief(b, to.Name, static), prompt.History(msgs), "Write the message now.")
	if err != nil || strings.TrimSpace(text) == "" {
		log.Warn().Err(err).Uint("contact_id", to.ID).Msg("ai campaign content failed, using static text")
		return static
	}
	return strings.TrimSpace(text)
}

// Render fills the {{name}} and {{time}} placeholders of a campaign message.
func Render(tmpl, name, when string) string {
	return strings.NewReplacer("{{name}}", name, "{{time}}", when).Replace(tmpl)
}

// pace returns a uniform delay in [minSec, maxSec] seconds; a missing maximum
// means five seconds.
func pace(minSec, maxSec int) time.Duration {
	if maxSec <= 0 {
		maxSec = defaultDelayMax
	}
	if minSec < 0 {
		minSec = 0
	}
	if minSec > maxSec {
		minSec = maxSec
	}
	lo := time.Duration(minSec) * time.Second
	hi := time.Duration(maxSec) * time.Second
	if hi == lo {
		return lo
	}
	return lo + rand.N(hi-lo+1)
}

func relatedID(appointmentID uint) string {
	return strconv.FormatUint(uint64(appointmentID), 10)
}

func startOfDay(now time.Time, loc *time.Location) time.Time {
	l := now.In(loc)
	return time.Date(l.Year(), l.Month(), l.Day(), 0, 0, 0, 0, loc)
}

