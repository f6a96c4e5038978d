package prompt

import (
	"strings"
	"testing"
	"time"

	"whatsapp-chatbot/internal/ai"
	"whatsapp-chatbot/internal/models"
)

func TestActiveStagePriorityThenOrder(t *testing.T) {
	stages := []models.FunnelStage{
		{Tag: "lead", Label: "Lead", Priority: 1, Order: 1},
		{Tag: "hot", Label: "Hot", Priority: 5, Order: 3},
		{Tag: "vip", Label: "VIP", Priority: 5, Order: 2},
	}

	if got := ActiveStage(stages, []string{"lead", "hot", "VIP"}); got == nil || got.Label != "VIP" {
		t.Errorf("stage = %+v, want VIP (tie broken by order)", got)
	}
	if got := ActiveStage(stages, []string{"lead"}); got == nil || got.Label != "Lead" {
		t.Errorf("stage = %+v, want Lead", got)
	}
	if got := ActiveStage(stages, []string{"cold"}); got != nil {
		t.Errorf("stage = %+v, want none", got)
	}
}

func TestSystemPromptSections(t *testing.T) {
	b := &models.Business{
		Name:               "Studio K",
		BotName:            "Kika",
		Tone:               "friendly",
		CustomInstructions: "Never promise discounts.",
		Timezone:           "UTC",
		FunnelStages:       []models.FunnelStage{{Tag: "vip", Label: "VIP client", Prompt: "Offer the premium slot."}},
		Products:           []models.Product{{Name: "Cut", Tags: []string{"hair"}}, {Name: "Color", Tags: []string{"hair", "color"}}},
		Social:             models.SocialMedia{Instagram: "@studiok"},
	}
	c := &models.Contact{Tags: []string{"vip"}, Name: "Rita"}
	now := time.Date(2026, 7, 4, 15, 30, 0, 0, time.UTC)

	got := System(b, c, now)
	for _, want := range []string{
		"You are Kika, answering WhatsApp messages for Studio K.",
		"TONE: friendly",
		"Never promise discounts.",
		"04/07/2026 15:30 (UTC)",
		"CUSTOMER STAGE: VIP client",
		"Offer the premium slot.",
		"[color, hair]",
		"Instagram: @studiok",
		`"action": "book"`,
	} {
		if !strings.Contains(got, want) {
			t.Errorf("system prompt missing %q", want)
		}
	}
}

func TestHistoryDedupAndSanitize(t *testing.T) {
	msgs := []models.Message{
		{Role: models.RoleUser, Content: "oi"},
		{Role: models.RoleUser, Content: "oi"},
		{Role: models.RoleBot, Content: "Olá!!!!!!!!!!!!!!!!"},
		{Role: models.RoleUser, Content: "   "},
		{Role: models.RoleAgent, Content: "Aqui é a Ana"},
		{Role: models.RoleUser, Content: "custa 10000?"},
	}

	got := History(msgs)
	want := []ai.Turn{
		{Role: ai.RoleUser, Content: "oi"},
		{Role: ai.RoleAssistant, Content: "Olá!!!"},
		{Role: ai.RoleAssistant, Content: "Aqui é a Ana"},
		{Role: ai.RoleUser, Content: "custa 10000?"},
	}
	if len(got) != len(want) {
		t.Fatalf("history = %+v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("turn %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestSanitizeBoundsLength(t *testing.T) {
	long := strings.Repeat("ab", 3000)
	if n := len([]rune(Sanitize(long))); n != maxContent {
		t.Errorf("length = %d, want %d", n, maxContent)
	}
	if got := Sanitize("kkkkkkkkkkkk"); got != "kkk" {
		t.Errorf("Sanitize = %q", got)
	}
}
