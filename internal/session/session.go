package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"whatsapp-chatbot/internal/channel"
	"whatsapp-chatbot/internal/clock"
	"whatsapp-chatbot/internal/logger"
	"whatsapp-chatbot/internal/ws"

	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
)

// Session is one business's WhatsApp Web connection.
type Session struct {
	businessID string
	r          *Registry
	fsm        *Machine
	log        zerolog.Logger

	mu        sync.Mutex
	client    *whatsmeow.Client
	deviceJID string
	qrCode    string
	attempts  int
	retry     clock.Timer
	stopQR    context.CancelFunc
}

func newSession(r *Registry, businessID string) *Session {
	return &Session{
		businessID: businessID,
		r:          r,
		fsm:        NewMachine(r.clock.Now),
		log:        r.log.With().Str("business_id", businessID).Logger(),
	}
}

func (s *Session) status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		BusinessID: s.businessID,
		State:      s.fsm.State(),
		Since:      s.fsm.Since(),
		QRCode:     s.qrCode,
		DeviceJID:  s.deviceJID,
		LastError:  s.fsm.LastError(),
	}
}

func (s *Session) qr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.qrCode
}

func (s *Session) waClient() *whatsmeow.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

// device loads the paired device of the business, or a fresh one.
func (s *Session) device(ctx context.Context) (*store.Device, error) {
	if s.r.store != nil {
		if saved, err := s.r.store.SessionState(ctx, s.businessID); err == nil && saved.DeviceJID != "" {
			jid, err := types.ParseJID(saved.DeviceJID)
			if err == nil {
				dev, err := s.r.container.GetDevice(ctx, jid)
				if err != nil {
					return nil, fmt.Errorf("load device %s: %w", saved.DeviceJID, err)
				}
				if dev != nil {
					return dev, nil
				}
			}
		}
	}
	return s.r.container.NewDevice(), nil
}

// start dials WhatsApp unless the session is already up or dialing.
func (s *Session) start(ctx context.Context) error {
	switch s.fsm.State() {
	case Initializing, AwaitingScan, Authenticated, Ready:
		return nil
	case Disconnecting:
		return ErrSessionNotReady
	}
	if err := s.fsm.Transition(Initializing); err != nil {
		return err
	}
	s.r.changed(s)

	dev, err := s.device(ctx)
	if err != nil {
		s.fail(err)
		return err
	}
	client := whatsmeow.NewClient(dev, logger.WhatsApp(s.r.log, "client"))
	// reconnects follow our own policy
	client.EnableAutoReconnect = false
	client.AddEventHandler(s.handleEvent)

	s.mu.Lock()
	s.client = client
	if dev.ID != nil {
		s.deviceJID = dev.ID.String()
	}
	s.mu.Unlock()

	if dev.ID != nil {
		if err := client.Connect(); err != nil {
			s.fail(err)
			return fmt.Errorf("connect: %w", err)
		}
		return nil
	}

	qrCtx, cancel := context.WithTimeout(s.r.ctx, s.r.cfg.QRTimeout)
	qrChan, err := client.GetQRChannel(qrCtx)
	if err != nil {
		cancel()
		s.fail(err)
		return fmt.Errorf("qr channel: %w", err)
	}
	s.mu.Lock()
	s.stopQR = cancel
	s.mu.Unlock()
	if err := client.Connect(); err != nil {
		cancel()
		s.fail(err)
		return fmt.Errorf("connect: %w", err)
	}
	if err := s.fsm.Transition(AwaitingScan); err == nil {
		s.r.changed(s)
	}
	go s.watchQR(qrCtx, qrChan)
	return nil
}

// watchQR publishes each QR code until pairing succeeds or the QR timeout
// passes; an unscanned session is torn down.
func (s *Session) watchQR(ctx context.Context, qrChan <-chan whatsmeow.QRChannelItem) {
	for {
		select {
		case <-ctx.Done():
			if s.fsm.State() == AwaitingScan {
				s.drop(ReasonQRTimeout, errors.New("qr code was not scanned in time"))
			}
			return
		case item, ok := <-qrChan:
			if !ok {
				return
			}
			switch item.Event {
			case whatsmeow.QRChannelEventCode:
				png, err := RenderQR(item.Code)
				if err != nil {
					s.log.Warn().Err(err).Msg("qr render failed")
					continue
				}
				s.mu.Lock()
				s.qrCode = png
				s.mu.Unlock()
				s.r.publish(s.businessID, ws.EventQRCode, map[string]string{"business_id": s.businessID, "qr_code": png})
			case whatsmeow.QRChannelSuccess.Event:
				s.clearQR()
				return
			case whatsmeow.QRChannelTimeout.Event:
				s.drop(ReasonQRTimeout, errors.New("qr code was not scanned in time"))
				return
			case whatsmeow.QRChannelEventError:
				s.fail(item.Error)
				return
			}
		}
	}
}

func (s *Session) clearQR() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.qrCode = ""
	if s.stopQR != nil {
		s.stopQR()
		s.stopQR = nil
	}
}

func (s *Session) handleEvent(evt interface{}) {
	switch e := evt.(type) {
	case *events.PairSuccess:
		s.mu.Lock()
		s.deviceJID = e.ID.String()
		s.mu.Unlock()
		if err := s.fsm.Transition(Authenticated); err != nil {
			s.log.Warn().Err(err).Msg("unexpected pairing event")
		}
		s.clearQR()
		s.log.Info().Str("jid", e.ID.String()).Msg("device paired")
		s.r.changed(s)
	case *events.Connected:
		s.mu.Lock()
		s.attempts = 0
		if c := s.client; c != nil && c.Store.ID != nil {
			s.deviceJID = c.Store.ID.String()
		}
		s.mu.Unlock()
		if s.fsm.State() == AwaitingScan {
			s.fsm.Transition(Authenticated)
		}
		err := s.fsm.Transition(Ready)
		s.clearQR()
		if err != nil {
			s.log.Warn().Err(err).Msg("unexpected connected event")
			return
		}
		s.log.Info().Msg("session ready")
		s.r.changed(s)
	case *events.Disconnected:
		switch s.fsm.State() {
		case Disconnecting, Disconnected, Error:
			return
		}
		s.drop(ReasonNetwork, errors.New("connection lost"))
	case *events.KeepAliveTimeout:
		s.log.Warn().Time("last_success", e.LastSuccess).Msg("keepalive timeout")
	case *events.LoggedOut:
		s.drop(ReasonLoggedOut, fmt.Errorf("logged out: %s", e.Reason))
	case *events.StreamReplaced:
		s.drop(ReasonStreamReplaced, errors.New("session opened elsewhere"))
	case *events.TemporaryBan:
		s.drop(ReasonBanned, fmt.Errorf("temporary ban: %s", e.String()))
	case *events.ConnectFailure:
		if e.Reason.IsLoggedOut() {
			s.drop(ReasonLoggedOut, fmt.Errorf("connect failure: %s", e.Reason))
			return
		}
		s.drop(ReasonNetwork, fmt.Errorf("connect failure: %s", e.Reason))
	case *events.Message:
		s.onMessage(e)
	}
}

// drop handles a lost connection according to the reconnect policy.
func (s *Session) drop(reason DropReason, cause error) {
	log := s.log.With().Str("reason", string(reason)).Logger()

	s.mu.Lock()
	client := s.client
	attempt := s.attempts
	s.mu.Unlock()

	next := afterDrop(reason)
	if next == Error {
		s.fsm.Fail(cause)
	} else if err := s.fsm.Transition(Disconnected); err != nil {
		s.fsm.Fail(cause)
	}

	switch {
	case reason == ReasonLoggedOut:
		s.mu.Lock()
		s.deviceJID = ""
		s.mu.Unlock()
	case reason == ReasonQRTimeout && client != nil:
		client.Disconnect()
	}
	s.r.changed(s)

	if s.r.policy.ShouldReconnect(reason, attempt) && s.r.ctx.Err() == nil {
		wait := s.r.policy.Backoff(attempt)
		log.Warn().Err(cause).Int("attempt", attempt+1).Dur("backoff", wait).Msg("session dropped, reconnecting")
		s.mu.Lock()
		s.attempts++
		s.retry = s.r.clock.AfterFunc(wait, s.reconnect)
		s.mu.Unlock()
		return
	}

	log.Warn().Err(cause).Msg("session closed")
	if reason == ReasonLoggedOut || reason == ReasonQRTimeout {
		s.r.remove(s)
	}
}

func (s *Session) reconnect() {
	if s.r.ctx.Err() != nil {
		return
	}
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return
	}
	if err := s.fsm.Transition(Initializing); err != nil {
		return
	}
	s.r.changed(s)
	if err := client.Connect(); err != nil {
		s.drop(ReasonNetwork, err)
	}
}

func (s *Session) fail(err error) {
	s.fsm.Fail(err)
	s.log.Error().Err(err).Msg("session error")
	s.r.changed(s)
}

func (s *Session) stopRetry() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
}

// logout unlinks the device; the session is removed from the registry.
func (s *Session) logout(ctx context.Context) error {
	s.stopRetry()
	client := s.waClient()
	s.fsm.Transition(Disconnecting)
	s.clearQR()
	s.r.changed(s)

	var err error
	if client != nil {
		if client.Store.ID != nil {
			err = client.Logout(ctx)
		}
		client.Disconnect()
	}
	s.mu.Lock()
	s.deviceJID = ""
	s.mu.Unlock()
	s.fsm.Transition(Disconnected)
	s.r.changed(s)
	s.r.remove(s)
	if err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

// shutdown disconnects without unlinking, keeping the device for a restore.
func (s *Session) shutdown() {
	s.stopRetry()
	client := s.waClient()
	s.fsm.Transition(Disconnecting)
	s.clearQR()
	if client != nil {
		client.Disconnect()
	}
	s.fsm.Transition(Disconnected)
	s.r.persist(s.status())
}

// onMessage hands a direct chat message to the inbound pipeline. Group,
// broadcast and newsletter traffic is dropped before any media is fetched.
// Media is downloaded off the event loop.
func (s *Session) onMessage(e *events.Message) {
	if e.Info.IsFromMe || s.r.inbound == nil {
		return
	}
	chat := resolveChat(s.r.ctx, e.Info.MessageSource, s.phoneForLID())
	if channel.IsNonDirectSender(chat.String()) {
		return
	}
	evt := channel.SessionEvent{
		BusinessID: s.businessID,
		Chat:       chat.String(),
		PushName:   e.Info.PushName,
		FromMe:     e.Info.IsFromMe,
		Timestamp:  e.Info.Timestamp,
	}
	fillContent(&evt, e.Message, s.waClient())

	go func() {
		ctx, cancel := context.WithTimeout(s.r.ctx, 2*time.Minute)
		defer cancel()
		msg, err := channel.NormalizeSession(ctx, evt)
		if err != nil {
			s.log.Warn().Err(err).Msg("session media download failed")
		}
		if err := s.r.inbound.HandleInbound(ctx, msg); err != nil {
			s.log.Debug().Err(err).Str("chat", evt.Chat).Msg("inbound message not accepted")
		}
	}()
}

type pnLookup func(ctx context.Context, lid types.JID) (types.JID, error)

// phoneForLID returns the device store's LID to phone number mapping, or nil
// without a live client.
func (s *Session) phoneForLID() pnLookup {
	client := s.waClient()
	if client == nil || client.Store == nil || client.Store.LIDs == nil {
		return nil
	}
	return client.Store.LIDs.GetPNForLID
}

// resolveChat returns the address a direct chat is answered on. Chats
// addressed by LID are mapped to the phone number jid when it is known;
// otherwise the LID is kept, since it still reaches the same person.
func resolveChat(ctx context.Context, src types.MessageSource, lookup pnLookup) types.JID {
	chat := src.Chat
	if chat.Server != types.HiddenUserServer {
		return chat
	}
	if src.SenderAlt.Server == types.DefaultUserServer && src.SenderAlt.User != "" {
		return src.SenderAlt.ToNonAD()
	}
	if lookup != nil {
		if pn, err := lookup(ctx, chat.ToNonAD()); err == nil && !pn.IsEmpty() {
			return pn.ToNonAD()
		}
	}
	return chat.ToNonAD()
}

// fillContent copies text, caption and a media download hook from a message.
func fillContent(evt *channel.SessionEvent, m *waE2E.Message, client *whatsmeow.Client) {
	if m == nil {
		return
	}
	var media whatsmeow.DownloadableMessage
	switch {
	case m.GetConversation() != "":
		evt.Text = m.GetConversation()
	case m.GetExtendedTextMessage() != nil:
		evt.Text = m.GetExtendedTextMessage().GetText()
	case m.GetImageMessage() != nil:
		img := m.GetImageMessage()
		evt.Text, evt.MimeType, media = img.GetCaption(), img.GetMimetype(), img
	case m.GetAudioMessage() != nil:
		audio := m.GetAudioMessage()
		evt.MimeType, media = audio.GetMimetype(), audio
	case m.GetVideoMessage() != nil:
		video := m.GetVideoMessage()
		evt.Text, evt.MimeType, media = video.GetCaption(), video.GetMimetype(), video
	case m.GetDocumentMessage() != nil:
		doc := m.GetDocumentMessage()
		evt.Text, evt.MimeType, media = doc.GetCaption(), doc.GetMimetype(), doc
	}
	if media != nil && client != nil {
		evt.Download = func(ctx context.Context) ([]byte, error) {
			return client.Download(ctx, media)
		}
	}
}
