// Package inbound turns bursts of customer messages into one bot reply.
package inbound

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"whatsapp-chatbot/internal/ai"
	"whatsapp-chatbot/internal/automation"
	"whatsapp-chatbot/internal/channel"
	"whatsapp-chatbot/internal/clock"
	"whatsapp-chatbot/internal/config"
	"whatsapp-chatbot/internal/database"
	"whatsapp-chatbot/internal/debounce"
	"whatsapp-chatbot/internal/gate"
	"whatsapp-chatbot/internal/models"
	"whatsapp-chatbot/internal/prompt"
	"whatsapp-chatbot/internal/ws"

	"github.com/rs/zerolog"
)

var (
	ErrEmptyMessage = errors.New("inbound: empty message")
	ErrRateLimited  = errors.New("inbound: rate limited")
)

const DefaultFallbackReply = "Sorry, I couldn't process that right now. Please try again in a moment."

// Sender is the outbound side; *dispatch.Dispatcher implements it.
type Sender interface {
	Send(ctx context.Context, b *models.Business, destination, text string) bool
	SendImage(ctx context.Context, b *models.Business, destination, imageURL, caption string) bool
	Typing(ctx context.Context, b *models.Business, destination string)
}

type Archiver interface {
	Archive(ctx context.Context, businessID string, m *channel.Media) (string, error)
}

type Publisher interface {
	Publish(businessID, eventType string, data interface{})
}

type Options struct {
	Store    *database.Store
	AI       ai.Completer
	Enricher ai.Enricher
	Sender   Sender
	Archive  Archiver  // optional
	Events   Publisher // optional
	Clock    clock.Clock
	Config   config.InboundConfig
	// SkipDelays disables the typing pause.
	SkipDelays bool
	Log        zerolog.Logger
}

type Orchestrator struct {
	store    *database.Store
	ai       ai.Completer
	enricher ai.Enricher
	sender   Sender
	archive  Archiver
	events   Publisher
	clock    clock.Clock
	cfg      config.InboundConfig
	skip     bool
	log      zerolog.Logger

	menu    *automation.Engine
	limiter *automation.RateLimiter
	pauses  *automation.PauseBook
	buffer  *debounce.Buffer[channel.NormalizedMessage]
	locks   keyedMutex

	ctx    context.Context
	cancel context.CancelFunc
}

func New(opts Options) *Orchestrator {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Config.HistoryLimit <= 0 {
		opts.Config.HistoryLimit = 30
	}
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		store:    opts.Store,
		ai:       opts.AI,
		enricher: opts.Enricher,
		sender:   opts.Sender,
		archive:  opts.Archive,
		events:   opts.Events,
		clock:    opts.Clock,
		cfg:      opts.Config,
		skip:     opts.SkipDelays,
		log:      opts.Log,
		menu:     automation.NewEngine(opts.Log),
		limiter:  automation.NewRateLimiter(opts.Config.RateLimitMax, opts.Config.RateLimitSpan, opts.Config.Cooldown),
		pauses:   automation.NewPauseBook(),
		ctx:      ctx,
		cancel:   cancel,
	}
	o.buffer = debounce.New(opts.Clock, opts.Config.DebounceWindow, opts.Config.MaxBufferTime, o.flush)
	return o
}

// Close processes whatever is still buffered and stops background work.
func (o *Orchestrator) Close() {
	o.buffer.FlushAll()
	o.cancel()
}

func conversationKey(businessID, sender string) string {
	return businessID + "_" + sender
}

func rejectedSource(msg channel.NormalizedMessage) bool {
	return msg.Channel != models.ChannelWeb && channel.IsNonDirectSender(msg.Sender)
}

// HandleInbound buffers a provider message. Nothing is written and no
// external call is made for senders the bot never answers.
func (o *Orchestrator) HandleInbound(ctx context.Context, msg channel.NormalizedMessage) error {
	log := o.log.With().Str("business_id", msg.BusinessID).Str("sender", msg.Sender).Logger()
	if rejectedSource(msg) {
		log.Debug().Msg("ignoring non-direct sender")
		return nil
	}
	if strings.TrimSpace(msg.Body) == "" && !msg.HasMedia() {
		return ErrEmptyMessage
	}

	key := conversationKey(msg.BusinessID, msg.Sender)
	now := o.clock.Now()
	if o.pauses.Paused(key, now) {
		log.Debug().Msg("conversation paused for a human")
		return nil
	}
	if !o.limiter.Allow(key, now) {
		log.Warn().Msg("rate limit hit")
		return ErrRateLimited
	}
	n := o.buffer.Add(key, msg)
	log.Debug().Int("buffered", n).Msg("message buffered")
	return nil
}

// HandleWebChat answers a web chat message synchronously, without buffering.
// An empty reply with a nil error means the bot stays silent.
func (o *Orchestrator) HandleWebChat(ctx context.Context, businessID, sessionID, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyMessage
	}
	msg := channel.NormalizeWeb(businessID, sessionID, text, o.clock.Now())
	key := conversationKey(businessID, sessionID)
	now := o.clock.Now()
	if o.pauses.Paused(key, now) {
		return "", nil
	}
	if !o.limiter.Allow(key, now) {
		return "", ErrRateLimited
	}

	unlock := o.locks.Lock(key)
	defer unlock()
	return o.process(ctx, msg)
}

func (o *Orchestrator) flush(key string, items []channel.NormalizedMessage) {
	if len(items) == 0 {
		return
	}
	msg := merge(items)
	log := o.log.With().Str("business_id", msg.BusinessID).Str("sender", msg.Sender).Logger()

	unlock := o.locks.Lock(key)
	defer unlock()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("conversation processing panicked")
		}
	}()

	if _, err := o.process(o.ctx, msg); err != nil {
		log.Error().Err(err).Int("burst", len(items)).Msg("processing failed")
	}
}

// merge joins a burst: texts in order, the last media wins.
func merge(items []channel.NormalizedMessage) channel.NormalizedMessage {
	out := items[len(items)-1]
	out.Media, out.Kind = nil, channel.KindText
	var bodies []string
	for _, m := range items {
		if body := strings.TrimSpace(m.Body); body != "" {
			bodies = append(bodies, body)
		}
		if m.HasMedia() {
			out.Media, out.Kind = m.Media, m.Kind
		}
		if m.Name != "" {
			out.Name = m.Name
		}
	}
	out.Body = strings.Join(bodies, "\n")
	return out
}

func (o *Orchestrator) process(ctx context.Context, msg channel.NormalizedMessage) (string, error) {
	if rejectedSource(msg) {
		return "", nil
	}
	log := o.log.With().Str("business_id", msg.BusinessID).Str("sender", msg.Sender).Logger()

	b, err := o.store.Business(ctx, msg.BusinessID)
	if err != nil {
		return "", fmt.Errorf("load business: %w", err)
	}
	now := o.clock.Now()
	contact, err := o.store.FindOrCreateContact(ctx, b.ID, msg.Sender, msg.Channel, msg.Name, now)
	if err != nil {
		return "", fmt.Errorf("find contact: %w", err)
	}
	history, err := o.store.RecentMessages(ctx, contact.ID, o.cfg.HistoryLimit)
	if err != nil {
		log.Warn().Err(err).Msg("history unavailable")
		history = nil
	}

	decision := gate.ShouldRespond(b, contact, msg, now)
	input := o.userContent(ctx, b, msg, decision.Allow, log)
	userMsg := &models.Message{
		BusinessID: b.ID,
		ContactID:  contact.ID,
		Role:       models.RoleUser,
		Content:    input,
		Kind:       msg.Kind,
		Channel:    msg.Channel,
		MediaURL:   o.archiveMedia(ctx, b.ID, msg, log),
		CreatedAt:  now,
	}
	if err := o.persist(ctx, userMsg); err != nil {
		return "", err
	}

	if !decision.Allow {
		log.Debug().Str("reason", decision.Reason).Msg("reply withheld")
		if decision.Reason == gate.ReasonClosed && decision.AwayMessage != "" {
			if lastBotMessage(history) == decision.AwayMessage {
				log.Debug().Msg("away message already sent")
				return "", nil
			}
			return o.deliver(ctx, b, contact, msg, decision.AwayMessage, false, log)
		}
		return "", nil
	}

	if opt := o.menu.Match(b.MenuOptions, input); opt != nil {
		return o.menuReply(ctx, b, contact, msg, *opt, input, log)
	}

	reply, err := o.converse(ctx, b, contact, msg, history, input, log)
	if err != nil {
		log.Error().Err(err).Msg("ai turn failed, using fallback")
		reply = fallback(b)
	}
	return o.deliver(ctx, b, contact, msg, reply, true, log)
}

// userContent is the text stored and sent to the AI for the message. Media
// is enriched only when the gate allows a reply.
func (o *Orchestrator) userContent(ctx context.Context, b *models.Business, msg channel.NormalizedMessage, allowed bool, log zerolog.Logger) string {
	body := strings.TrimSpace(msg.Body)
	if !msg.HasMedia() {
		return body
	}

	var note string
	switch msg.Kind {
	case channel.KindImage:
		note = "[Image received]"
		if allowed && o.enricher != nil {
			desc, err := o.enricher.DescribeImage(ctx, msg.Media, b.VisionPrompt)
			if err != nil || strings.TrimSpace(desc) == "" {
				log.Warn().Err(err).Msg("image description failed")
			} else {
				note = "[Image description]: " + strings.TrimSpace(desc)
			}
		}
	case channel.KindAudio:
		note = "[Audio received]"
		if allowed && o.enricher != nil {
			text, err := o.enricher.TranscribeAudio(ctx, msg.Media)
			if err != nil || strings.TrimSpace(text) == "" {
				log.Warn().Err(err).Msg("audio transcription failed")
			} else {
				note = "[Audio transcript]: " + strings.TrimSpace(text)
			}
		}
	case channel.KindVideo:
		note = "[Video received]"
	default:
		note = "[Document received]"
	}
	if body == "" {
		return note
	}
	return body + "\n" + note
}

func (o *Orchestrator) archiveMedia(ctx context.Context, businessID string, msg channel.NormalizedMessage, log zerolog.Logger) string {
	if !msg.HasMedia() {
		return ""
	}
	if o.archive == nil {
		return msg.Media.URL
	}
	url, err := o.archive.Archive(ctx, businessID, msg.Media)
	if err != nil {
		log.Warn().Err(err).Msg("media archive failed")
		return msg.Media.URL
	}
	return url
}

func (o *Orchestrator) menuReply(ctx context.Context, b *models.Business, c *models.Contact, msg channel.NormalizedMessage, opt models.MenuOption, input string, log zerolog.Logger) (string, error) {
	reply := opt.Response
	if opt.UseAI {
		text, err := o.ai.Complete(ctx, "", nil, prompt.MenuRephrase(b, opt, input))
		if err != nil || strings.TrimSpace(text) == "" {
			log.Warn().Err(err).Msg("menu rephrase failed, sending official answer")
		} else {
			reply = text
		}
	}
	if opt.RequiresHuman {
		until := o.clock.Now().Add(o.cfg.HumanPause)
		o.pauses.Pause(conversationKey(b.ID, msg.Sender), until)
		log.Info().Time("until", until).Msg("conversation handed to a human")
	}
	return o.deliver(ctx, b, c, msg, reply, false, log)
}

// converse runs the AI turn, executing at most one tool command.
func (o *Orchestrator) converse(ctx context.Context, b *models.Business, c *models.Contact, msg channel.NormalizedMessage, history []models.Message, input string, log zerolog.Logger) (string, error) {
	system := prompt.System(b, c, o.clock.Now())
	turns := prompt.History(history)

	reply, err := o.ai.Complete(ctx, system, turns, input)
	if err != nil {
		return "", err
	}
	cmd, ok := parseCommand(reply)
	if !ok {
		return reply, nil
	}

	log.Info().Str("action", cmd.Action).Msg("running ai tool")
	result := o.runTool(ctx, b, c, msg, cmd, log)
	turns = append(turns,
		ai.Turn{Role: ai.RoleUser, Content: input},
		ai.Turn{Role: ai.RoleAssistant, Content: cmd.raw},
	)
	reply, err = o.ai.Complete(ctx, system, turns, prompt.ToolResult(result))
	if err != nil {
		return "", err
	}
	if _, again := parseCommand(reply); again {
		return "", errors.New("ai answered a tool result with another command")
	}
	return reply, nil
}

func fallback(b *models.Business) string {
	if b.FallbackReply != "" {
		return b.FallbackReply
	}
	return DefaultFallbackReply
}

// deliver sends text (web replies are returned instead), stores it and
// updates the contact's follow-up timer when armFollowUp is set.
func (o *Orchestrator) deliver(ctx context.Context, b *models.Business, c *models.Contact, msg channel.NormalizedMessage, text string, armFollowUp bool, log zerolog.Logger) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		log.Debug().Msg("empty reply, staying silent")
		return "", nil
	}
	if msg.Channel != models.ChannelWeb {
		o.typingPause(ctx, b, msg.Sender)
		if !o.sender.Send(ctx, b, msg.Sender, text) {
			log.Warn().Msg("reply not delivered")
			return "", nil
		}
	}

	now := o.clock.Now()
	reply := &models.Message{
		BusinessID: b.ID,
		ContactID:  c.ID,
		Role:       models.RoleBot,
		Content:    text,
		Kind:       channel.KindText,
		Channel:    msg.Channel,
		CreatedAt:  now,
	}
	if err := o.persist(ctx, reply); err != nil {
		log.Error().Err(err).Msg("reply sent but not stored")
		return text, nil
	}
	if armFollowUp {
		fields := database.ContactFields{LastResponseTime: &now}
		if len(b.FollowUpSteps) > 0 {
			active, stage := true, 0
			fields.FollowUpActive, fields.FollowUpStage = &active, &stage
		}
		if err := o.store.UpdateContactFields(ctx, c.ID, fields); err != nil {
			log.Error().Err(err).Msg("follow-up timer not updated")
		}
	}
	return text, nil
}

func (o *Orchestrator) persist(ctx context.Context, m *models.Message) error {
	if err := o.store.PersistMessage(ctx, m); err != nil {
		return fmt.Errorf("persist %s message: %w", m.Role, err)
	}
	if o.events != nil {
		o.events.Publish(m.BusinessID, ws.EventNewMessage, m)
	}
	return nil
}

func (o *Orchestrator) typingPause(ctx context.Context, b *models.Business, to string) {
	if o.skip {
		return
	}
	o.sender.Typing(ctx, b, to)
	o.clock.Sleep(ctx, randomBetween(o.cfg.TypingDelayMin, o.cfg.TypingDelayMax))
}

func randomBetween(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + rand.N(hi-lo+1)
}

func lastBotMessage(history []models.Message) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == models.RoleBot {
			return history[i].Content
		}
	}
	return ""
}
