// Package gate decides whether the bot answers an inbound message at all.
package gate

import (
	"time"

	"whatsapp-chatbot/internal/channel"
	"whatsapp-chatbot/internal/models"
)

const (
	ReasonNonDirect  = "non_direct_sender"
	ReasonAIDisabled = "ai_disabled"
	ReasonClosed     = "outside_operating_hours"
	ReasonHandover   = "handover"
	ReasonAudience   = "audience_filtered"
)

// NewContactWindow bounds how old a contact may be to count as new.
const NewContactWindow = 24 * time.Hour

// Decision is the gate outcome. A blocked decision is a normal result, not an error.
type Decision struct {
	Allow       bool
	Reason      string
	AwayMessage string // set only when the business is closed
}

func allow() Decision { return Decision{Allow: true} }

func block(reason string) Decision { return Decision{Reason: reason} }

// ShouldRespond runs the checks in order and stops at the first failure:
// source, kill switch, operating hours, handover, audience.
// contact is the state before the current message was stored.
func ShouldRespond(b *models.Business, c *models.Contact, msg channel.NormalizedMessage, now time.Time) Decision {
	if msg.Channel != models.ChannelWeb && channel.IsNonDirectSender(msg.Sender) {
		return block(ReasonNonDirect)
	}
	if b.AIDisabled {
		return block(ReasonAIDisabled)
	}
	if !IsOpen(b, now) {
		d := block(ReasonClosed)
		d.AwayMessage = b.AwayMessage
		return d
	}
	if c != nil && c.IsHandover {
		return block(ReasonHandover)
	}
	if !audienceAllows(b, c, now) {
		return block(ReasonAudience)
	}
	return allow()
}

func audienceAllows(b *models.Business, c *models.Contact, now time.Time) bool {
	var tags []string
	if c != nil {
		tags = c.Tags
	}
	switch b.AudienceMode {
	case models.AudienceNewContacts:
		if c == nil {
			return true
		}
		return c.TotalMessages == 0 && now.Sub(c.CreatedAt) <= NewContactWindow
	case models.AudienceWhitelist:
		return len(b.WhitelistTags) > 0 && intersects(tags, b.WhitelistTags)
	case models.AudienceBlacklist:
		return !intersects(tags, b.BlacklistTags)
	default:
		return true
	}
}

func intersects(a, b []string) bool {
	set := make(map[string]struct{}, len(b))
	for _, t := range b {
		set[t] = struct{}{}
	}
	for _, t := range a {
		if _, ok := set[t]; ok {
			return true
		}
	}
	return false
}
