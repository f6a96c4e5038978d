package gate

import (
	"strconv"
	"strings"
	"time"

	"whatsapp-chatbot/internal/models"
)

// IsOpen reports whether now falls inside the business operating hours,
// compared at second precision in the business timezone over [opening, closing).
// No configured opening time means always open; an inactive schedule means closed.
func IsOpen(b *models.Business, now time.Time) bool {
	h := b.Hours
	if h == nil {
		return true
	}
	if !h.Active {
		return false
	}
	if h.Opening == "" {
		return true
	}
	open, ok := clockSeconds(h.Opening)
	if !ok {
		return true
	}
	closing, ok := clockSeconds(h.Closing)
	if !ok {
		return true
	}

	loc := b.Location()
	if h.Timezone != "" {
		if l, err := time.LoadLocation(h.Timezone); err == nil {
			loc = l
		}
	}
	local := now.In(loc)
	cur := local.Hour()*3600 + local.Minute()*60 + local.Second()
	return cur >= open && cur < closing
}

// clockSeconds parses "HH:mm" into seconds since midnight.
func clockSeconds(s string) (int, bool) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 24 {
		return 0, false
	}
	minute := 0
	if len(parts) == 2 {
		if minute, err = strconv.Atoi(parts[1]); err != nil || minute < 0 || minute > 59 {
			return 0, false
		}
	}
	return hour*3600 + minute*60, true
}
