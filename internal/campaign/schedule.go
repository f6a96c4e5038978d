package campaign

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"whatsapp-chatbot/internal/models"
)

const (
	FrequencyDaily   = "daily"
	FrequencyWeekly  = "weekly"
	FrequencyMonthly = "monthly"
	FrequencyOnce    = "once"

	// clockCatchUp is how late a clock campaign may still fire after its
	// scheduled minute was missed.
	clockCatchUp = time.Hour
)

// parseInterval reads interval frequencies such as minutes_30 or hours_6.
func parseInterval(freq string) (time.Duration, bool) {
	unit, n, ok := strings.Cut(freq, "_")
	if !ok {
		return 0, false
	}
	count, err := strconv.Atoi(n)
	if err != nil || count <= 0 {
		return 0, false
	}
	switch unit {
	case "minutes":
		return time.Duration(count) * time.Minute, true
	case "hours":
		return time.Duration(count) * time.Hour, true
	}
	return 0, false
}

// isIntraday reports whether the campaign can fire more than once a day, in
// which case no daily exclusion applies.
func isIntraday(freq string) bool {
	d, ok := parseInterval(freq)
	return ok && d < 24*time.Hour
}

// Due reports whether the campaign should be evaluated at now. Event
// campaigns are always due; their appointment window does the filtering.
func Due(c *models.Campaign, loc *time.Location, now time.Time) bool {
	if !c.IsActive {
		return false
	}
	if c.TriggerType == models.TriggerEvent {
		return true
	}
	if interval, ok := parseInterval(c.Schedule.Frequency); ok {
		return c.LastRun == nil || now.Sub(*c.LastRun) >= interval
	}
	return clockDue(c, loc, now)
}

// clockDue fires once per local day, on the first evaluation at or after the
// scheduled minute and no later than clockCatchUp past it.
func clockDue(c *models.Campaign, loc *time.Location, now time.Time) bool {
	switch c.Schedule.Frequency {
	case FrequencyDaily, FrequencyWeekly, FrequencyMonthly, FrequencyOnce:
	default:
		return false
	}
	at, err := time.Parse("15:04", strings.TrimSpace(c.Schedule.Time))
	if err != nil {
		return false
	}
	local := now.In(loc)
	scheduled := time.Date(local.Year(), local.Month(), local.Day(), at.Hour(), at.Minute(), 0, 0, loc)
	if local.Before(scheduled) || local.Sub(scheduled) > clockCatchUp {
		return false
	}
	if c.CreatedAt.After(scheduled) {
		return false
	}

	created := c.CreatedAt.In(loc)
	days := c.Schedule.Days
	if len(days) == 0 && c.Schedule.Frequency == FrequencyWeekly {
		days = []int{int(created.Weekday())}
	}
	if len(days) > 0 && !slices.Contains(days, int(local.Weekday())) {
		return false
	}
	if c.Schedule.Frequency == FrequencyMonthly && local.Day() != created.Day() {
		return false
	}

	if c.LastRun != nil && sameDay(c.LastRun.In(loc), local) {
		return false
	}
	return true
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

var ErrInvalidCampaign = errors.New("invalid campaign")

// Validate checks a campaign definition before it is stored and fills the
// content mode default.
func Validate(c *models.Campaign) error {
	invalid := func(format string, args ...interface{}) error {
		return fmt.Errorf("%w: %s", ErrInvalidCampaign, fmt.Sprintf(format, args...))
	}
	if strings.TrimSpace(c.Name) == "" {
		return invalid("name is required")
	}
	if strings.TrimSpace(c.Message) == "" {
		return invalid("message is required")
	}
	switch c.Type {
	case models.CampaignRecurring, models.CampaignBroadcast:
	default:
		return invalid("unknown type %q", c.Type)
	}
	switch c.ContentMode {
	case "":
		c.ContentMode = models.ContentStatic
	case models.ContentStatic, models.ContentAIPrompt:
	default:
		return invalid("unknown content mode %q", c.ContentMode)
	}
	if c.DelayMin < 0 || c.DelayMax < 0 || (c.DelayMax > 0 && c.DelayMin > c.DelayMax) {
		return invalid("delay range %d-%d", c.DelayMin, c.DelayMax)
	}

	switch c.TriggerType {
	case models.TriggerEvent:
		if c.EventOffset < 0 {
			return invalid("event offset must not be negative")
		}
		if len(c.EventTargetStatus) == 0 {
			return invalid("event campaigns need target statuses")
		}
		return nil
	case models.TriggerTime:
	default:
		return invalid("unknown trigger %q", c.TriggerType)
	}
	if len(c.TargetTags) == 0 {
		return invalid("time campaigns need target tags")
	}
	if _, ok := parseInterval(c.Schedule.Frequency); ok {
		return nil
	}
	switch c.Schedule.Frequency {
	case FrequencyDaily, FrequencyWeekly, FrequencyMonthly, FrequencyOnce:
	default:
		return invalid("unknown frequency %q", c.Schedule.Frequency)
	}
	if _, err := time.Parse("15:04", strings.TrimSpace(c.Schedule.Time)); err != nil {
		return invalid("time must be HH:mm")
	}
	for _, d := range c.Schedule.Days {
		if d < 0 || d > 6 {
			return invalid("day %d out of range", d)
		}
	}
	return nil
}
