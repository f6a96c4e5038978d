package channel

import (
	"context"
	"strings"
	"time"
	"unicode"
)

const (
	KindText     = "text"
	KindImage    = "image"
	KindAudio    = "audio"
	KindVideo    = "video"
	KindDocument = "document"
)

// maxDirectDigits is the longest E.164 number; longer ids are internal
// WhatsApp identifiers, never a person.
const maxDirectDigits = 15

const lidSuffix = "@lid"

type Media struct {
	Data     []byte
	MimeType string
	URL      string // source url, when the provider gave one
	Handle   string // provider media id
}

// NormalizedMessage is the one inbound shape every provider is converted to.
type NormalizedMessage struct {
	BusinessID string
	Sender     string // phone digits, raw jid for non-direct chats, or web session id
	Name       string
	Body       string
	Kind       string
	Media      *Media
	Channel    string
	Provider   string
	ReceivedAt time.Time
}

func (m NormalizedMessage) HasMedia() bool {
	return m.Media != nil && len(m.Media.Data) > 0
}

// MediaFetcher downloads a media reference (url or provider media id).
type MediaFetcher interface {
	Fetch(ctx context.Context, ref string) (data []byte, mimeType string, err error)
}

// KindFromMime classifies a MIME type into a message kind.
func KindFromMime(mime string) string {
	mime = strings.ToLower(strings.TrimSpace(mime))
	switch {
	case mime == "":
		return KindText
	case strings.HasPrefix(mime, "image/"):
		return KindImage
	case strings.HasPrefix(mime, "audio/"):
		return KindAudio
	case strings.HasPrefix(mime, "video/"):
		return KindVideo
	default:
		return KindDocument
	}
}

// IsNonDirectSender reports senders the bot must never answer: groups,
// broadcast lists, status updates, newsletters and over-long ids.
func IsNonDirectSender(id string) bool {
	id = strings.TrimSpace(id)
	if id == "" {
		return true
	}
	lower := strings.ToLower(id)
	for _, suffix := range []string{"@g.us", "@broadcast", "@newsletter"} {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	if strings.HasSuffix(lower, lidSuffix) {
		return countDigits(lower) == 0
	}
	return countDigits(lower) > maxDirectDigits
}

// IsLID reports a WhatsApp LID address (digits@lid). A LID is a direct chat
// but not a phone number; only the session provider can reach it.
func IsLID(id string) bool {
	return strings.HasSuffix(strings.ToLower(strings.TrimSpace(id)), lidSuffix)
}

// NormalizePhone strips provider prefixes and jid suffixes from direct
// addresses, leaving the digits. LIDs keep their @lid suffix so they are never
// mistaken for a number. Non-direct ids are returned unchanged so the source
// filter can still recognise them.
func NormalizePhone(raw string) string {
	s := strings.TrimSpace(raw)
	lower := strings.ToLower(s)
	if strings.Contains(lower, "@g.us") || strings.Contains(lower, "broadcast") || strings.Contains(lower, "@newsletter") {
		return s
	}
	lid := strings.HasSuffix(lower, lidSuffix)
	s = strings.TrimPrefix(s, "whatsapp:")
	if at := strings.IndexByte(s, '@'); at >= 0 {
		s = s[:at]
	}
	// device suffix, e.g. 5511999999999:12
	if colon := strings.IndexByte(s, ':'); colon >= 0 {
		s = s[:colon]
	}
	digits := digitsOnly(s)
	if lid && digits != "" {
		return digits + lidSuffix
	}
	return digits
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func countDigits(s string) int {
	n := 0
	for _, r := range s {
		if unicode.IsDigit(r) {
			n++
		}
	}
	return n
}

func downloadFailureNote(kind string) string {
	return "[" + kind + " could not be downloaded]"
}

// attachMedia downloads ref and fills msg; on failure the message degrades to
// text with an annotation instead of carrying a media kind without payload.
func attachMedia(ctx context.Context, msg *NormalizedMessage, fetch MediaFetcher, ref, mime string) error {
	kind := KindFromMime(mime)
	if kind == KindText {
		kind = KindDocument
	}
	var (
		data []byte
		err  error
	)
	if fetch != nil {
		var gotMime string
		data, gotMime, err = fetch.Fetch(ctx, ref)
		if mime == "" {
			mime = gotMime
		}
	}
	if fetch == nil || err != nil || len(data) == 0 {
		msg.Kind = KindText
		msg.Body = appendLine(msg.Body, downloadFailureNote(kind))
		if err == nil {
			err = errEmptyMedia
		}
		return err
	}
	msg.Kind = kind
	msg.Media = &Media{Data: data, MimeType: mime}
	return nil
}

func appendLine(body, line string) string {
	if body == "" {
		return line
	}
	return body + "\n" + line
}
