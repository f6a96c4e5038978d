package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"whatsapp-chatbot/internal/channel"
	"whatsapp-chatbot/internal/clock"
	"whatsapp-chatbot/internal/config"
	"whatsapp-chatbot/internal/database"
	"whatsapp-chatbot/internal/logger"
	"whatsapp-chatbot/internal/models"
	"whatsapp-chatbot/internal/ws"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"google.golang.org/protobuf/proto"
)

var (
	ErrSessionNotReady = errors.New("session: not ready")
	ErrNoSession       = errors.New("session: no session for business")
)

const defaultQRTimeout = 120 * time.Second

// InboundHandler receives normalized inbound messages; *inbound.Orchestrator
// implements it.
type InboundHandler interface {
	HandleInbound(ctx context.Context, msg channel.NormalizedMessage) error
}

type Publisher interface {
	Publish(businessID, eventType string, data interface{})
}

type Options struct {
	Store   *database.Store
	Config  config.SessionConfig
	Inbound InboundHandler
	Events  Publisher // optional
	Clock   clock.Clock
	Policy  ReconnectPolicy
	Log     zerolog.Logger
}

// Status is the externally visible view of a session.
type Status struct {
	BusinessID string    `json:"business_id"`
	State      State     `json:"state"`
	Since      time.Time `json:"since"`
	QRCode     string    `json:"qr_code,omitempty"`
	DeviceJID  string    `json:"device_jid,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
}

// Registry owns every live session, keyed by business id. Sessions are
// created on Connect and removed on logout or QR timeout.
type Registry struct {
	store   *database.Store
	cfg     config.SessionConfig
	inbound InboundHandler
	events  Publisher
	clock   clock.Clock
	policy  ReconnectPolicy
	log     zerolog.Logger

	db        *sql.DB
	container *sqlstore.Container

	mu       sync.Mutex
	sessions map[string]*Session

	ctx    context.Context
	cancel context.CancelFunc
}

// Open prepares the whatsmeow device store and returns an empty registry.
func Open(ctx context.Context, opts Options) (*Registry, error) {
	path := opts.Config.StorePath
	if path == "" {
		path = "./sessions.db"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create session store directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	container := sqlstore.NewWithDB(db, "sqlite3", logger.WhatsApp(opts.Log, "store"))
	if err := container.Upgrade(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("upgrade session store: %w", err)
	}
	r := NewRegistry(opts)
	r.db = db
	r.container = container
	return r, nil
}

// NewRegistry builds a registry without a device store; Connect fails until
// one is attached by Open.
func NewRegistry(opts Options) *Registry {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Policy == (ReconnectPolicy{}) {
		opts.Policy = DefaultPolicy()
	}
	if opts.Config.QRTimeout <= 0 {
		opts.Config.QRTimeout = defaultQRTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		store:    opts.Store,
		cfg:      opts.Config,
		inbound:  opts.Inbound,
		events:   opts.Events,
		clock:    opts.Clock,
		policy:   opts.Policy,
		log:      opts.Log.With().Str("component", "session").Logger(),
		sessions: make(map[string]*Session),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (r *Registry) get(businessID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[businessID]
	return s, ok
}

// getOrCreate returns the business session, creating an idle one on demand.
func (r *Registry) getOrCreate(businessID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[businessID]
	if !ok {
		s = newSession(r, businessID)
		r.sessions[businessID] = s
	}
	return s
}

// remove drops s from the registry if it is still the registered session.
func (r *Registry) remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[s.businessID] == s {
		delete(r.sessions, s.businessID)
	}
}

// Connect starts (or returns) the session of a business. A new device
// publishes QR codes until it is scanned or the QR timeout passes.
func (r *Registry) Connect(ctx context.Context, businessID string) (Status, error) {
	if businessID == "" {
		return Status{}, ErrNoSession
	}
	if r.container == nil {
		return Status{}, errors.New("session: device store not opened")
	}
	s := r.getOrCreate(businessID)
	if err := s.start(ctx); err != nil {
		return s.status(), err
	}
	return s.status(), nil
}

func (r *Registry) Status(businessID string) Status {
	if s, ok := r.get(businessID); ok {
		return s.status()
	}
	st := Status{BusinessID: businessID, State: Disconnected}
	if r.store != nil {
		if saved, err := r.store.SessionState(r.ctx, businessID); err == nil {
			st.DeviceJID = saved.DeviceJID
			st.LastError = saved.LastError
			st.Since = saved.UpdatedAt
		}
	}
	return st
}

// QR returns the latest QR code as a PNG data URL.
func (r *Registry) QR(businessID string) (string, error) {
	s, ok := r.get(businessID)
	if !ok {
		return "", ErrNoSession
	}
	qr := s.qr()
	if qr == "" {
		return "", ErrSessionNotReady
	}
	return qr, nil
}

// Logout unlinks the device and tears the session down.
func (r *Registry) Logout(ctx context.Context, businessID string) error {
	s, ok := r.get(businessID)
	if !ok {
		return ErrNoSession
	}
	return s.logout(ctx)
}

// Restore reconnects sessions that were paired when the process stopped.
func (r *Registry) Restore(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	saved, err := r.store.SessionsToRestore(ctx, []string{string(Ready), string(Authenticated), string(Initializing), string(Disconnected)})
	if err != nil {
		return err
	}
	var errs []error
	for _, st := range saved {
		if _, err := r.Connect(ctx, st.BusinessID); err != nil {
			r.log.Warn().Err(err).Str("business_id", st.BusinessID).Msg("session restore failed")
			errs = append(errs, err)
		}
	}
	r.log.Info().Int("sessions", len(saved)).Msg("sessions restored")
	return errors.Join(errs...)
}

// Close disconnects every session without unlinking devices.
func (r *Registry) Close() error {
	r.cancel()
	r.mu.Lock()
	list := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		list = append(list, s)
	}
	r.mu.Unlock()
	for _, s := range list {
		s.shutdown()
	}
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// ready returns the business session when it can send.
func (r *Registry) ready(businessID string) (*Session, error) {
	s, ok := r.get(businessID)
	if !ok || s.fsm.State() != Ready {
		return nil, ErrSessionNotReady
	}
	c := s.waClient()
	if c == nil || !c.IsConnected() {
		return nil, ErrSessionNotReady
	}
	return s, nil
}

// Send implements the dispatcher provider for the session channel.
// destination is a user jid such as 5511999999999@s.whatsapp.net.
func (r *Registry) Send(ctx context.Context, b *models.Business, destination, text string) error {
	s, err := r.ready(b.ID)
	if err != nil {
		return err
	}
	jid, err := types.ParseJID(destination)
	if err != nil {
		return fmt.Errorf("parse destination %q: %w", destination, err)
	}
	_, err = s.waClient().SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(text)})
	if err != nil {
		return fmt.Errorf("session send: %w", err)
	}
	return nil
}

// Typing shows the composing indicator in the chat.
func (r *Registry) Typing(ctx context.Context, b *models.Business, destination string) error {
	s, err := r.ready(b.ID)
	if err != nil {
		return err
	}
	jid, err := types.ParseJID(destination)
	if err != nil {
		return fmt.Errorf("parse destination %q: %w", destination, err)
	}
	return s.waClient().SendChatPresence(ctx, jid, types.ChatPresenceComposing, types.ChatPresenceMediaText)
}

func (r *Registry) publish(businessID, event string, data interface{}) {
	if r.events != nil {
		r.events.Publish(businessID, event, data)
	}
}

func (r *Registry) persist(st Status) {
	if r.store == nil {
		return
	}
	err := r.store.SaveSessionState(context.Background(), &models.WhatsAppSession{
		BusinessID: st.BusinessID,
		DeviceJID:  st.DeviceJID,
		Status:     string(st.State),
		LastError:  st.LastError,
	})
	if err != nil {
		r.log.Warn().Err(err).Str("business_id", st.BusinessID).Msg("session state not saved")
	}
}

// changed persists and broadcasts a state change.
func (r *Registry) changed(s *Session) {
	st := s.status()
	r.persist(st)
	st.QRCode = ""
	r.publish(st.BusinessID, ws.EventSessionUpdate, st)
}
