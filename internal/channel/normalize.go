package channel

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"whatsapp-chatbot/internal/models"
	wire "whatsapp-chatbot/pkg/models"
)

var errEmptyMedia = errors.New("media download returned no data")

// NormalizeGateway converts a Twilio-style form webhook. The returned error
// only reports a media download failure; the message is usable either way.
func NormalizeGateway(ctx context.Context, businessID string, form wire.TwilioForm, fetch MediaFetcher, now time.Time) (NormalizedMessage, error) {
	msg := NormalizedMessage{
		BusinessID: businessID,
		Sender:     NormalizePhone(form.From),
		Name:       strings.TrimSpace(form.ProfileName),
		Body:       strings.TrimSpace(form.Body),
		Kind:       KindText,
		Channel:    models.ChannelWhatsApp,
		Provider:   models.ProviderTwilio,
		ReceivedAt: now,
	}

	numMedia, _ := strconv.Atoi(strings.TrimSpace(form.NumMedia))
	if numMedia == 0 || form.MediaURL0 == "" {
		return msg, nil
	}
	err := attachMedia(ctx, &msg, fetch, form.MediaURL0, form.MediaContentType0)
	if msg.Media != nil {
		msg.Media.URL = form.MediaURL0
	}
	return msg, err
}

// NormalizeCloud converts a Cloud API webhook into one message per entry.
// Download failures are reported joined; every message is still returned.
func NormalizeCloud(ctx context.Context, businessID string, payload wire.WebhookPayload, fetch MediaFetcher, now time.Time) ([]NormalizedMessage, error) {
	var (
		out  []NormalizedMessage
		errs []error
	)
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			names := map[string]string{}
			for _, c := range change.Value.Contacts {
				names[c.WaID] = c.Profile.Name
			}
			for _, m := range change.Value.Messages {
				msg := NormalizedMessage{
					BusinessID: businessID,
					Sender:     NormalizePhone(m.From),
					Name:       names[m.From],
					Kind:       KindText,
					Channel:    models.ChannelWhatsApp,
					Provider:   models.ProviderCloudAPI,
					ReceivedAt: cloudTimestamp(m.Timestamp, now),
				}

				var media *wire.MediaMessage
				switch m.Type {
				case "text":
					msg.Body = m.Text.Body
				case "interactive":
					if m.Interactive != nil && m.Interactive.ButtonReply != nil {
						msg.Body = m.Interactive.ButtonReply.Title
					} else if m.Interactive != nil && m.Interactive.ListReply != nil {
						msg.Body = m.Interactive.ListReply.Title
					}
				case "button":
					if m.Button != nil {
						msg.Body = m.Button.Text
					}
				case "image":
					media = m.Image
				case "audio":
					media = m.Audio
				case "voice":
					media = m.Voice
				case "video":
					media = m.Video
				case "document":
					media = m.Document
				}

				if media != nil {
					msg.Body = strings.TrimSpace(media.Caption)
					if err := attachMedia(ctx, &msg, fetch, media.ID, media.MimeType); err != nil {
						errs = append(errs, err)
					}
					if msg.Media != nil {
						msg.Media.Handle = media.ID
					}
				}
				msg.Body = strings.TrimSpace(msg.Body)
				out = append(out, msg)
			}
		}
	}
	return out, errors.Join(errs...)
}

func cloudTimestamp(ts string, fallback time.Time) time.Time {
	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil || sec <= 0 {
		return fallback
	}
	return time.Unix(sec, 0)
}

// SessionEvent is a browser-session message already unpacked from the
// provider event. Download is nil for text messages.
type SessionEvent struct {
	BusinessID string
	Chat       string // jid string of the conversation
	PushName   string
	Text       string
	MimeType   string
	FromMe     bool
	Timestamp  time.Time
	Download   func(ctx context.Context) ([]byte, error)
}

// NormalizeSession converts a session event, running the media download.
func NormalizeSession(ctx context.Context, evt SessionEvent) (NormalizedMessage, error) {
	msg := NormalizedMessage{
		BusinessID: evt.BusinessID,
		Sender:     NormalizePhone(evt.Chat),
		Name:       strings.TrimSpace(evt.PushName),
		Body:       strings.TrimSpace(evt.Text),
		Kind:       KindText,
		Channel:    models.ChannelWhatsApp,
		Provider:   models.ProviderSession,
		ReceivedAt: evt.Timestamp,
	}
	if evt.Download == nil {
		return msg, nil
	}
	return msg, attachMedia(ctx, &msg, downloadFunc(evt.Download), "", evt.MimeType)
}

type downloadFunc func(ctx context.Context) ([]byte, error)

func (f downloadFunc) Fetch(ctx context.Context, _ string) ([]byte, string, error) {
	data, err := f(ctx)
	return data, "", err
}

// NormalizeWeb builds the message for the public web chat.
func NormalizeWeb(businessID, sessionID, text string, now time.Time) NormalizedMessage {
	return NormalizedMessage{
		BusinessID: businessID,
		Sender:     sessionID,
		Body:       strings.TrimSpace(text),
		Kind:       KindText,
		Channel:    models.ChannelWeb,
		ReceivedAt: now,
	}
}
