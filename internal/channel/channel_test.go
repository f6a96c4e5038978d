package channel

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"whatsapp-chatbot/internal/models"
	wire "whatsapp-chatbot/pkg/models"
)

type stubFetcher struct {
	data []byte
	mime string
	err  error
	refs []string
}

func (f *stubFetcher) Fetch(_ context.Context, ref string) ([]byte, string, error) {
	f.refs = append(f.refs, ref)
	return f.data, f.mime, f.err
}

func TestIsNonDirectSender(t *testing.T) {
	cases := []struct {
		id   string
		want bool
	}{
		{"5511999999999", false},
		{"5511999999999@s.whatsapp.net", false},
		{"120363025246125486@g.us", true},
		{"status@broadcast", true},
		{"120363@newsletter", true},
		{"1234567890123456", true},
		{"123456789012345", false},
		{"207936463548534@lid", false},
		{"@lid", true},
		{"", true},
	}
	for _, tc := range cases {
		if got := IsNonDirectSender(tc.id); got != tc.want {
			t.Errorf("IsNonDirectSender(%q) = %v, want %v", tc.id, got, tc.want)
		}
	}
}

func TestNormalizePhone(t *testing.T) {
	cases := map[string]string{
		"whatsapp:+5511999998888":        "5511999998888",
		"5511999998888@s.whatsapp.net":   "5511999998888",
		"5511999998888:7@s.whatsapp.net": "5511999998888",
		"5511999998888@c.us":             "5511999998888",
		"120363@g.us":                    "120363@g.us",
		"status@broadcast":               "status@broadcast",
		"207936463548534@lid":            "207936463548534@lid",
		"207936463548534:3@lid":          "207936463548534@lid",
	}
	for in, want := range cases {
		if got := NormalizePhone(in); got != want {
			t.Errorf("NormalizePhone(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestKindFromMime(t *testing.T) {
	cases := map[string]string{
		"image/jpeg":             KindImage,
		"audio/ogg; codecs=opus": KindAudio,
		"video/mp4":              KindVideo,
		"application/pdf":        KindDocument,
		"":                       KindText,
	}
	for mime, want := range cases {
		if got := KindFromMime(mime); got != want {
			t.Errorf("KindFromMime(%q) = %q, want %q", mime, got, want)
		}
	}
}

// WHAT: a Twilio text form and an image form.
// WHY: NumMedia=0 must yield a text message, an image MIME must yield image kind with the payload.
func TestNormalizeGatewayRoundTrip(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	fetch := &stubFetcher{data: []byte{0xff, 0xd8}, mime: "image/jpeg"}

	text, err := NormalizeGateway(context.Background(), "biz", wire.TwilioForm{
		From: "whatsapp:+5511999998888", Body: " Olá ", ProfileName: "Ana", NumMedia: "0",
	}, fetch, now)
	if err != nil {
		t.Fatal(err)
	}
	if text.Kind != KindText || text.Body != "Olá" || text.Sender != "5511999998888" || text.Media != nil {
		t.Errorf("text message = %+v", text)
	}
	if text.Provider != models.ProviderTwilio || text.Channel != models.ChannelWhatsApp || !text.ReceivedAt.Equal(now) {
		t.Errorf("metadata = %+v", text)
	}
	if len(fetch.refs) != 0 {
		t.Errorf("fetched media for a text message")
	}

	img, err := NormalizeGateway(context.Background(), "biz", wire.TwilioForm{
		From: "whatsapp:+5511999998888", NumMedia: "1",
		MediaURL0: "https://api.twilio.com/media/1", MediaContentType0: "image/jpeg",
	}, fetch, now)
	if err != nil {
		t.Fatal(err)
	}
	if img.Kind != KindImage || !img.HasMedia() || img.Media.MimeType != "image/jpeg" {
		t.Errorf("image message = %+v", img)
	}
	if img.Media.URL != "https://api.twilio.com/media/1" {
		t.Errorf("media url = %q", img.Media.URL)
	}
}

func TestNormalizeGatewayDownloadFailureDegradesToText(t *testing.T) {
	fetch := &stubFetcher{err: errors.New("timeout")}
	msg, err := NormalizeGateway(context.Background(), "biz", wire.TwilioForm{
		From: "whatsapp:+5511999998888", Body: "olha isso", NumMedia: "1",
		MediaURL0: "https://x/1", MediaContentType0: "image/png",
	}, fetch, time.Now())
	if err == nil {
		t.Fatal("download failure not reported")
	}
	if msg.Kind != KindText || msg.Media != nil {
		t.Fatalf("degraded message = %+v", msg)
	}
	if !strings.Contains(msg.Body, "olha isso") || !strings.Contains(msg.Body, "[image could not be downloaded]") {
		t.Errorf("body = %q", msg.Body)
	}
}

func TestNormalizeCloud(t *testing.T) {
	raw := `{"object":"whatsapp_business_account","entry":[{"id":"1","changes":[{"field":"messages","value":{
		"messaging_product":"whatsapp",
		"contacts":[{"wa_id":"5511911112222","profile":{"name":"Caio"}}],
		"messages":[
			{"from":"5511911112222","id":"a","timestamp":"1767225600","type":"text","text":{"body":"oi"}},
			{"from":"5511911112222","id":"b","timestamp":"1767225601","type":"audio","audio":{"id":"m-1","mime_type":"audio/ogg"}},
			{"from":"5511911112222","id":"c","timestamp":"1767225602","type":"interactive","interactive":{"type":"button_reply","button_reply":{"id":"x","title":"Agendar"}}}
		]}}]}]}`
	var payload wire.WebhookPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		t.Fatal(err)
	}
	fetch := &stubFetcher{data: []byte("ogg"), mime: "audio/ogg"}

	msgs, err := NormalizeCloud(context.Background(), "biz", payload, fetch, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages", len(msgs))
	}
	if msgs[0].Body != "oi" || msgs[0].Name != "Caio" || msgs[0].ReceivedAt.Unix() != 1767225600 {
		t.Errorf("text = %+v", msgs[0])
	}
	if msgs[1].Kind != KindAudio || msgs[1].Media.Handle != "m-1" || fetch.refs[0] != "m-1" {
		t.Errorf("audio = %+v", msgs[1])
	}
	if msgs[2].Body != "Agendar" {
		t.Errorf("button reply = %+v", msgs[2])
	}
}

func TestNormalizeSession(t *testing.T) {
	ts := time.Now()
	msg, err := NormalizeSession(context.Background(), SessionEvent{
		BusinessID: "biz",
		Chat:       "5511933334444@s.whatsapp.net",
		PushName:   "Duda",
		MimeType:   "image/jpeg",
		Timestamp:  ts,
		Download: func(context.Context) ([]byte, error) {
			return []byte("jpeg"), nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if msg.Sender != "5511933334444" || msg.Kind != KindImage || string(msg.Media.Data) != "jpeg" {
		t.Errorf("session message = %+v", msg)
	}

	lid, _ := NormalizeSession(context.Background(), SessionEvent{Chat: "207936463548534@lid", Text: "oi"})
	if lid.Sender != "207936463548534@lid" || IsNonDirectSender(lid.Sender) {
		t.Errorf("lid sender = %q", lid.Sender)
	}

	group, _ := NormalizeSession(context.Background(), SessionEvent{Chat: "120363@g.us", Text: "oi"})
	if !IsNonDirectSender(group.Sender) {
		t.Errorf("group sender %q lost its suffix", group.Sender)
	}
}
