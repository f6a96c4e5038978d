// Package prompt assembles the system prompt and history sent to the AI.
package prompt

import (
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"whatsapp-chatbot/internal/ai"
	"whatsapp-chatbot/internal/models"
)

const style = `STYLE: WhatsApp chat. Short messages, at most two sentences. No formal introductions. Emojis sparingly.
BEHAVIOR: Answer only what was asked. If the previous assistant turn already explained something, do not repeat it.
MEDIA: Text marked [Audio transcript] is what the customer said in a voice note; treat it as typed input.
Text marked [Image description] is what the customer is showing you.`

const tools = `TOOLS: When you have enough information, reply with ONLY one JSON command and no other text:
- check availability: {"action": "check", "start": "YYYY-MM-DDTHH:mm", "end": "YYYY-MM-DDTHH:mm"}
- book: {"action": "book", "clientName": "Name", "start": "YYYY-MM-DDTHH:mm", "title": "Service"}
- search products: {"action": "search_catalog", "keywords": ["tag1", "tag2"]}
Times are in the business timezone. The system runs the command and gives you the result.`

// System builds the system prompt for a conversation turn.
func System(b *models.Business, c *models.Contact, now time.Time) string {
	var sb strings.Builder

	sb.WriteString(identity(b))
	sb.WriteString("\n\n")
	sb.WriteString(style)

	loc := b.Location()
	fmt.Fprintf(&sb, "\n\nCURRENT DATE/TIME: %s (%s). All times you suggest or book are in this timezone.",
		now.In(loc).Format("Mon 02/01/2006 15:04"), loc.String())
	if b.MinNoticeMinutes > 0 {
		fmt.Fprintf(&sb, "\nAppointments need at least %d minutes of notice.", b.MinNoticeMinutes)
	}

	if c != nil {
		if stage := ActiveStage(b.FunnelStages, c.Tags); stage != nil {
			fmt.Fprintf(&sb, "\n\nCUSTOMER STAGE: %s", stage.Label)
			if stage.Prompt != "" {
				sb.WriteString("\n")
				sb.WriteString(stage.Prompt)
			}
		}
		if c.Name != "" {
			fmt.Fprintf(&sb, "\nCustomer name: %s", c.Name)
		}
	}

	if catalog := catalogContext(b.Products); catalog != "" {
		sb.WriteString("\n\n")
		sb.WriteString(catalog)
	}

	if links := linksContext(b.Social); links != "" {
		sb.WriteString("\n\n")
		sb.WriteString(links)
	}

	sb.WriteString("\n\n")
	sb.WriteString(tools)
	return sb.String()
}

func identity(b *models.Business) string {
	var parts []string
	name := b.BotName
	if name == "" {
		name = "the assistant"
	}
	if b.Name != "" {
		parts = append(parts, fmt.Sprintf("You are %s, answering WhatsApp messages for %s.", name, b.Name))
	} else {
		parts = append(parts, fmt.Sprintf("You are %s, answering WhatsApp messages.", name))
	}
	if b.Tone != "" {
		parts = append(parts, "TONE: "+b.Tone)
	}
	if b.CustomInstructions != "" {
		parts = append(parts, "INSTRUCTIONS:\n"+b.CustomInstructions)
	}
	if b.ChatPrompt != "" {
		parts = append(parts, b.ChatPrompt)
	}
	return strings.Join(parts, "\n")
}

// ActiveStage picks the stage for the contact's tags: highest priority wins,
// ties go to the lower order.
func ActiveStage(stages []models.FunnelStage, tags []string) *models.FunnelStage {
	have := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		have[strings.ToLower(t)] = struct{}{}
	}
	var best *models.FunnelStage
	for i := range stages {
		s := &stages[i]
		if _, ok := have[strings.ToLower(s.Tag)]; !ok {
			continue
		}
		if best == nil || s.Priority > best.Priority || (s.Priority == best.Priority && s.Order < best.Order) {
			best = s
		}
	}
	return best
}

func catalogContext(products []models.Product) string {
	seen := map[string]struct{}{}
	var tags []string
	for _, p := range products {
		for _, t := range p.Tags {
			t = strings.TrimSpace(t)
			if t == "" {
				continue
			}
			if _, ok := seen[t]; ok {
				continue
			}
			seen[t] = struct{}{}
			tags = append(tags, t)
		}
	}
	if len(tags) == 0 {
		return ""
	}
	sort.Strings(tags)
	return fmt.Sprintf("CATALOG: products exist for [%s]. Never guess prices; use search_catalog when asked about a product.",
		strings.Join(tags, ", "))
}

func linksContext(s models.SocialMedia) string {
	var lines []string
	if s.Instagram != "" {
		lines = append(lines, "Instagram: "+s.Instagram)
	}
	if s.Website != "" {
		lines = append(lines, "Website: "+s.Website)
	}
	if s.Portfolio != "" {
		lines = append(lines, "Portfolio: "+s.Portfolio)
	}
	if len(lines) == 0 {
		return ""
	}
	return "LINKS (send when asked):\n" + strings.Join(lines, "\n")
}

// ToolResult is the follow-up user turn carrying a tool outcome.
func ToolResult(result string) string {
	return "[SYSTEM] Action result: " + result + ". Now answer the customer, confirming or offering another option."
}

// MenuRephrase asks the AI to restate an official quick-reply answer.
func MenuRephrase(b *models.Business, option models.MenuOption, userInput string) string {
	return fmt.Sprintf("%s\n---\nThe customer asked about %q.\nOfficial answer: %q.\nReply naturally using ONLY the official answer.\nCustomer: %s",
		identity(b), option.Keyword, option.Response, userInput)
}

// CampaignBrief is the system prompt for an AI-written campaign message.
func CampaignBrief(b *models.Business, recipient, brief string) string {
	if recipient == "" {
		recipient = "the customer"
	}
	return fmt.Sprintf("%s\n\nWrite ONE short WhatsApp message to %s following this brief:\n%s\nUse the conversation history for context. Output only the message text.",
		identity(b), recipient, brief)
}

// History converts stored messages into AI turns, dropping empty and
// consecutive duplicate turns and collapsing runaway repeated characters.
func History(msgs []models.Message) []ai.Turn {
	out := make([]ai.Turn, 0, len(msgs))
	for _, m := range msgs {
		content := Sanitize(m.Content)
		if content == "" {
			continue
		}
		role := ai.RoleUser
		if m.Role == models.RoleBot || m.Role == models.RoleAgent {
			role = ai.RoleAssistant
		}
		if n := len(out); n > 0 && out[n-1].Role == role && out[n-1].Content == content {
			continue
		}
		out = append(out, ai.Turn{Role: role, Content: content})
	}
	return out
}

const (
	maxRun     = 3
	maxContent = 2000
)

// Sanitize trims the text, collapses any non-digit character repeated more
// than maxRun times in a row and bounds the length.
func Sanitize(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	var (
		b    strings.Builder
		prev rune
		run  int
		n    int
	)
	for i, r := range s {
		if i > 0 && r == prev {
			run++
		} else {
			run = 1
		}
		prev = r
		if run > maxRun && !unicode.IsDigit(r) {
			continue
		}
		if n >= maxContent {
			break
		}
		b.WriteRune(r)
		n++
	}
	return strings.TrimSpace(b.String())
}
