package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"whatsapp-chatbot/internal/config"
	"whatsapp-chatbot/internal/models"

	"github.com/go-resty/resty/v2"
)

var ErrNoTwilioSender = errors.New("whatsapp: business has no twilio sender number")

// TwilioClient sends WhatsApp messages through the Twilio Messages API.
type TwilioClient struct {
	http       *resty.Client
	accountSID string
}

func NewTwilioClient(cfg config.TwilioConfig, timeout time.Duration) *TwilioClient {
	http := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetBasicAuth(cfg.AccountSID, cfg.AuthToken).
		SetTimeout(timeout)
	return &TwilioClient{http: http, accountSID: cfg.AccountSID}
}

type twilioError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// twilioAddress accepts "+1415...", "1415..." or "whatsapp:+1415...".
func twilioAddress(number string) string {
	number = strings.TrimSpace(strings.TrimPrefix(number, "whatsapp:"))
	if !strings.HasPrefix(number, "+") {
		number = "+" + number
	}
	return "whatsapp:" + number
}

func (t *TwilioClient) Send(ctx context.Context, b *models.Business, to, text string) error {
	if b.TwilioFrom == "" {
		return ErrNoTwilioSender
	}
	return t.post(ctx, map[string]string{
		"From": twilioAddress(b.TwilioFrom),
		"To":   twilioAddress(to),
		"Body": text,
	})
}

func (t *TwilioClient) SendImage(ctx context.Context, b *models.Business, to, imageURL, caption string) error {
	if b.TwilioFrom == "" {
		return ErrNoTwilioSender
	}
	return t.post(ctx, map[string]string{
		"From":     twilioAddress(b.TwilioFrom),
		"To":       twilioAddress(to),
		"Body":     caption,
		"MediaUrl": imageURL,
	})
}

func (t *TwilioClient) post(ctx context.Context, form map[string]string) error {
	resp, err := t.http.R().
		SetContext(ctx).
		SetFormData(form).
		SetError(&twilioError{}).
		Post("/Accounts/" + t.accountSID + "/Messages.json")
	if err != nil {
		return fmt.Errorf("twilio send: %w", err)
	}
	if resp.IsError() {
		if e, ok := resp.Error().(*twilioError); ok && e.Message != "" {
			return fmt.Errorf("twilio send %d: %s", e.Code, e.Message)
		}
		return fmt.Errorf("twilio send: %s", resp.Status())
	}
	return nil
}
