package inbound

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"whatsapp-chatbot/internal/channel"
	"whatsapp-chatbot/internal/database"
	"whatsapp-chatbot/internal/gate"
	"whatsapp-chatbot/internal/models"

	"github.com/rs/zerolog"
)

const (
	ActionCheck  = "check"
	ActionBook   = "book"
	ActionSearch = "search_catalog"

	defaultSlot     = time.Hour
	maxCatalogSends = 5
)

// command is a tool call the AI writes as a bare JSON object in its reply.
type command struct {
	Action     string   `json:"action"`
	Start      string   `json:"start"`
	End        string   `json:"end"`
	ClientName string   `json:"clientName"`
	Title      string   `json:"title"`
	Keywords   []string `json:"keywords"`

	raw string
}

var jsonObject = regexp.MustCompile(`(?s)\{.*\}`)

func parseCommand(reply string) (command, bool) {
	clean := strings.NewReplacer("```json", "", "```", "").Replace(reply)
	obj := jsonObject.FindString(clean)
	if obj == "" {
		return command{}, false
	}
	var cmd command
	if err := json.Unmarshal([]byte(obj), &cmd); err != nil {
		return command{}, false
	}
	switch cmd.Action {
	case ActionCheck, ActionBook, ActionSearch:
		cmd.raw = strings.TrimSpace(clean)
		return cmd, true
	}
	return command{}, false
}

var localLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// parseLocal reads a wall-clock time in the business timezone; explicit
// offsets are honoured.
func parseLocal(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised time %q", s)
}

func (cmd command) window(loc *time.Location) (start, end time.Time, err error) {
	start, err = parseLocal(cmd.Start, loc)
	if err != nil {
		return
	}
	end = start.Add(defaultSlot)
	if cmd.End != "" {
		if end, err = parseLocal(cmd.End, loc); err != nil {
			return
		}
	}
	if !end.After(start) {
		err = errors.New("end is not after start")
	}
	return
}

func (o *Orchestrator) runTool(ctx context.Context, b *models.Business, c *models.Contact, msg channel.NormalizedMessage, cmd command, log zerolog.Logger) string {
	switch cmd.Action {
	case ActionCheck:
		start, end, err := cmd.window(b.Location())
		if err != nil {
			return "Could not read the requested time (" + err.Error() + "). Ask the customer for the date and time again"
		}
		if reason := o.unavailable(ctx, b, start, end); reason != "" {
			return "The slot is UNAVAILABLE. Reason: " + reason
		}
		return "The slot is FREE. You may offer it"
	case ActionBook:
		return o.book(ctx, b, c, msg, cmd, log)
	case ActionSearch:
		return o.searchCatalog(ctx, b, msg, cmd.Keywords)
	}
	return "Unknown action"
}

// unavailable returns why the slot cannot be booked, or "".
func (o *Orchestrator) unavailable(ctx context.Context, b *models.Business, start, end time.Time) string {
	now := o.clock.Now()
	earliest := now.Add(time.Duration(b.MinNoticeMinutes) * time.Minute)
	if start.Before(earliest) {
		if b.MinNoticeMinutes > 0 {
			return fmt.Sprintf("bookings need at least %d minutes of notice", b.MinNoticeMinutes)
		}
		return "the time is in the past"
	}
	if !gate.IsOpen(b, start) {
		return "outside operating hours"
	}
	busy, err := o.store.HasConflict(ctx, b.ID, start, end)
	if err != nil {
		return "the agenda could not be checked"
	}
	if busy {
		return "the slot is already taken"
	}
	return ""
}

func (o *Orchestrator) book(ctx context.Context, b *models.Business, c *models.Contact, msg channel.NormalizedMessage, cmd command, log zerolog.Logger) string {
	failed := func(reason string) string {
		return "ERROR: the booking FAILED (" + reason + "). Do NOT confirm it; apologise and offer another time"
	}
	start, end, err := cmd.window(b.Location())
	if err != nil {
		return failed(err.Error())
	}
	if reason := o.unavailable(ctx, b, start, end); reason != "" {
		return failed(reason)
	}

	name := firstNonEmpty(cmd.ClientName, c.Name, msg.Name, "Customer")
	appt := &models.Appointment{
		BusinessID:  b.ID,
		ClientName:  name,
		ClientPhone: c.Phone,
		Title:       firstNonEmpty(cmd.Title, "Appointment"),
		Start:       start.UTC(),
		End:         end.UTC(),
		Status:      models.AppointmentScheduled,
	}
	if err := o.store.BookAppointment(ctx, appt); err != nil {
		if errors.Is(err, database.ErrSlotTaken) {
			return failed("the slot is already taken")
		}
		log.Error().Err(err).Msg("booking failed")
		return failed("the agenda is unavailable")
	}
	if c.Name == "" && cmd.ClientName != "" {
		if err := o.store.UpdateContactFields(ctx, c.ID, database.ContactFields{Name: &cmd.ClientName}); err != nil {
			log.Warn().Err(err).Msg("contact name not saved")
		}
	}
	log.Info().Uint("appointment_id", appt.ID).Time("start", appt.Start).Msg("appointment booked")
	return fmt.Sprintf("SUCCESS: appointment saved (id %d). You may confirm it to the customer", appt.ID)
}

// SearchProducts matches keywords case-insensitively against product names
// and tags, keeping catalog order.
func SearchProducts(products []models.Product, keywords []string) []models.Product {
	var terms []string
	for _, k := range keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			terms = append(terms, k)
		}
	}
	if len(terms) == 0 {
		return nil
	}
	var out []models.Product
	for _, p := range products {
		if productMatches(p, terms) {
			out = append(out, p)
		}
	}
	return out
}

func productMatches(p models.Product, terms []string) bool {
	name := strings.ToLower(p.Name)
	for _, term := range terms {
		if strings.Contains(name, term) {
			return true
		}
		for _, tag := range p.Tags {
			if strings.Contains(strings.ToLower(strings.TrimSpace(tag)), term) {
				return true
			}
		}
	}
	return false
}

func (o *Orchestrator) searchCatalog(ctx context.Context, b *models.Business, msg channel.NormalizedMessage, keywords []string) string {
	found := SearchProducts(b.Products, keywords)
	if len(found) == 0 {
		return "No product matches those keywords"
	}
	if len(found) > maxCatalogSends {
		found = found[:maxCatalogSends]
	}

	if msg.Channel == models.ChannelWeb {
		lines := make([]string, 0, len(found))
		for _, p := range found {
			lines = append(lines, productCaption(p))
		}
		return "Found these products, describe them to the customer: " + strings.Join(lines, "; ")
	}

	sent := 0
	for _, p := range found {
		caption := productCaption(p)
		if len(p.ImageURLs) == 0 {
			if o.sender.Send(ctx, b, msg.Sender, caption) {
				sent++
			}
			continue
		}
		if o.sender.SendImage(ctx, b, msg.Sender, p.ImageURLs[0], caption) {
			sent++
		}
		for _, url := range p.ImageURLs[1:] {
			o.sender.SendImage(ctx, b, msg.Sender, url, "")
		}
	}
	return fmt.Sprintf("Found %d products and already sent %d of them to the customer", len(found), sent)
}

func productCaption(p models.Product) string {
	caption := fmt.Sprintf("%s - R$ %.2f", p.Name, p.Price)
	if p.Description != "" {
		caption += "\n" + p.Description
	}
	return caption
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
