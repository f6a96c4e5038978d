package automation

import (
	"testing"
	"time"

	"whatsapp-chatbot/internal/models"

	"github.com/rs/zerolog"
)

func TestMenuMatch(t *testing.T) {
	e := NewEngine(zerolog.Nop())
	options := []models.MenuOption{
		{Keyword: "preço, valor", Response: "R$ 50"},
		{Keyword: "/^hor[áa]rio/", Response: "9h às 18h"},
		{Keyword: "atendente", RequiresHuman: true},
	}

	cases := []struct {
		msg  string
		want string
	}{
		{"Qual o VALOR do corte?", "R$ 50"},
		{"Horario de hoje?", "9h às 18h"},
		{"qual o horário?", ""},
		{"quero falar com atendente", ""},
		{"bom dia", ""},
	}
	for _, tc := range cases {
		got := e.Match(options, tc.msg)
		switch {
		case tc.msg == "quero falar com atendente":
			if got == nil || !got.RequiresHuman {
				t.Errorf("%q did not match the human option", tc.msg)
			}
		case tc.want == "":
			if got != nil {
				t.Errorf("%q matched %+v", tc.msg, got)
			}
		default:
			if got == nil || got.Response != tc.want {
				t.Errorf("%q = %+v, want %q", tc.msg, got, tc.want)
			}
		}
	}
}

func TestRateLimiterCooldown(t *testing.T) {
	r := NewRateLimiter(5, time.Minute, 10*time.Minute)
	now := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		if !r.Allow("k", now.Add(time.Duration(i)*time.Second)) {
			t.Fatalf("message %d blocked", i+1)
		}
	}
	if r.Allow("k", now.Add(6*time.Second)) {
		t.Fatal("sixth message in the window allowed")
	}
	if r.Allow("k", now.Add(5*time.Minute)) {
		t.Fatal("allowed during cooldown")
	}
	if !r.Allow("other", now.Add(6*time.Second)) {
		t.Fatal("cooldown leaked to another key")
	}
	if !r.Allow("k", now.Add(11*time.Minute)) {
		t.Fatal("still blocked after cooldown")
	}
}

func TestRateLimiterWindowResets(t *testing.T) {
	r := NewRateLimiter(2, time.Minute, time.Hour)
	now := time.Now()
	r.Allow("k", now)
	r.Allow("k", now)
	if !r.Allow("k", now.Add(61*time.Second)) {
		t.Fatal("new window did not reset the count")
	}
}

func TestPauseBook(t *testing.T) {
	p := NewPauseBook()
	now := time.Now()
	p.Pause("k", now.Add(30*time.Minute))
	if !p.Paused("k", now.Add(29*time.Minute)) {
		t.Error("not paused inside the window")
	}
	if p.Paused("k", now.Add(30*time.Minute)) {
		t.Error("still paused at expiry")
	}
	p.Pause("k", now.Add(time.Hour))
	p.Resume("k")
	if p.Paused("k", now) {
		t.Error("resume did not clear the pause")
	}
}
