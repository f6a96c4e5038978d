package automation

import (
	"regexp"
	"strings"

	"whatsapp-chatbot/internal/models"

	"github.com/rs/zerolog"
)

// Engine matches inbound text against a business's quick-reply menu.
type Engine struct {
	log zerolog.Logger
}

func NewEngine(log zerolog.Logger) *Engine {
	return &Engine{log: log}
}

// Match returns the first menu option whose keyword list matches the
// message, or nil. Keywords are comma separated; a keyword written as
// /pattern/ is a regular expression, anything else matches as a substring.
func (e *Engine) Match(options []models.MenuOption, message string) *models.MenuOption {
	msg := strings.ToLower(strings.TrimSpace(message))
	if msg == "" {
		return nil
	}
	for i := range options {
		for _, kw := range strings.Split(options[i].Keyword, ",") {
			if e.matchKeyword(msg, kw) {
				return &options[i]
			}
		}
	}
	return nil
}

func (e *Engine) matchKeyword(message, keyword string) bool {
	keyword = strings.TrimSpace(keyword)
	if keyword == "" {
		return false
	}
	if len(keyword) > 2 && strings.HasPrefix(keyword, "/") && strings.HasSuffix(keyword, "/") {
		re, err := regexp.Compile("(?i)" + keyword[1:len(keyword)-1])
		if err != nil {
			e.log.Warn().Err(err).Str("keyword", keyword).Msg("invalid menu regex")
			return false
		}
		return re.MatchString(message)
	}
	return strings.Contains(message, strings.ToLower(keyword))
}
