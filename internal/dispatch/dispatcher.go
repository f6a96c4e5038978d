// Package dispatch routes outbound text to the business's WhatsApp provider.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"whatsapp-chatbot/internal/channel"
	"whatsapp-chatbot/internal/models"

	"github.com/rs/zerolog"
)

var (
	ErrProviderUnavailable = errors.New("dispatch: no provider for business")
	ErrBadDestination      = errors.New("dispatch: destination has no phone digits")
)

// Provider delivers a text to an address already in the provider's scheme.
type Provider interface {
	Send(ctx context.Context, b *models.Business, to, text string) error
}

// ImageSender is implemented by providers that can send an image by url.
type ImageSender interface {
	SendImage(ctx context.Context, b *models.Business, to, imageURL, caption string) error
}

// Typer is implemented by providers that can show a composing indicator.
type Typer interface {
	Typing(ctx context.Context, b *models.Business, to string) error
}

const DefaultTimeout = 20 * time.Second

type Dispatcher struct {
	providers map[string]Provider
	timeout   time.Duration
	log       zerolog.Logger
}

func New(log zerolog.Logger, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Dispatcher{providers: map[string]Provider{}, timeout: timeout, log: log}
}

// Register binds a provider kind (models.Provider*) to its implementation.
func (d *Dispatcher) Register(kind string, p Provider) {
	d.providers[kind] = p
}

func providerKind(b *models.Business) string {
	if b.WhatsAppProvider == "" {
		return models.ProviderSession
	}
	return b.WhatsAppProvider
}

// Destination converts a phone or jid into the addressing scheme of kind.
// LID addresses are passed through to the session provider as they are.
func Destination(kind, raw string) (string, error) {
	digits := channel.NormalizePhone(raw)
	if channel.IsLID(digits) {
		if kind == models.ProviderSession {
			return digits, nil
		}
		return "", ErrBadDestination
	}
	if digits == "" || strings.ContainsAny(digits, "@") {
		return "", ErrBadDestination
	}
	switch kind {
	case models.ProviderSession:
		return digits + "@s.whatsapp.net", nil
	case models.ProviderTwilio:
		return "whatsapp:+" + digits, nil
	case models.ProviderCloudAPI:
		return digits, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrProviderUnavailable, kind)
	}
}

// Send delivers text and reports whether the provider accepted it. It never
// panics or blocks past the timeout; every failure is logged and returns false.
func (d *Dispatcher) Send(ctx context.Context, b *models.Business, destination, text string) (sent bool) {
	log := d.log.With().Str("business_id", b.ID).Str("to", destination).Logger()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("provider panicked")
			sent = false
		}
	}()

	if strings.TrimSpace(text) == "" {
		return false
	}
	kind := providerKind(b)
	p, ok := d.providers[kind]
	if !ok {
		log.Warn().Str("provider", kind).Msg("no provider registered")
		return false
	}
	to, err := Destination(kind, destination)
	if err != nil {
		log.Warn().Err(err).Msg("cannot address destination")
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if err := p.Send(ctx, b, to, text); err != nil {
		log.Error().Err(err).Str("provider", kind).Msg("send failed")
		return false
	}
	return true
}

// SendImage sends an image by url, or the caption and link as text when the
// provider has no image support or the image send fails.
func (d *Dispatcher) SendImage(ctx context.Context, b *models.Business, destination, imageURL, caption string) bool {
	kind := providerKind(b)
	if is, ok := d.providers[kind].(ImageSender); ok {
		if to, err := Destination(kind, destination); err == nil {
			sent := func() (ok bool) {
				defer func() {
					if recover() != nil {
						ok = false
					}
				}()
				ctx, cancel := context.WithTimeout(ctx, d.timeout)
				defer cancel()
				return is.SendImage(ctx, b, to, imageURL, caption) == nil
			}()
			if sent {
				return true
			}
			d.log.Warn().Str("business_id", b.ID).Str("image", imageURL).Msg("image send failed, falling back to text")
		}
	}
	text := imageURL
	if caption != "" {
		text = caption + "\n" + imageURL
	}
	return d.Send(ctx, b, destination, text)
}

// Typing shows the composing indicator when the provider supports it.
func (d *Dispatcher) Typing(ctx context.Context, b *models.Business, destination string) {
	kind := providerKind(b)
	t, ok := d.providers[kind].(Typer)
	if !ok {
		return
	}
	to, err := Destination(kind, destination)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if err := t.Typing(ctx, b, to); err != nil {
		d.log.Debug().Err(err).Str("business_id", b.ID).Msg("typing indicator failed")
	}
}
