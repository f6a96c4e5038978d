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

var ErrNoPhoneNumberID = errors.New("whatsapp: business has no cloud phone number id")

// Client talks to the Meta Graph API for businesses on the cloudapi provider.
type Client struct {
	http    *resty.Client
	version string
}

func NewClient(cfg config.CloudConfig, timeout time.Duration) *Client {
	http := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetAuthToken(cfg.WhatsAppToken).
		SetTimeout(timeout)
	return &Client{http: http, version: cfg.APIVersion}
}

// --- Message Structures ---

type GenericMessage struct {
	MessagingProduct string    `json:"messaging_product"`
	RecipientType    string    `json:"recipient_type,omitempty"`
	To               string    `json:"to"`
	Type             string    `json:"type"`
	Text             *TextObj  `json:"text,omitempty"`
	Image            *MediaObj `json:"image,omitempty"`
}

type TextObj struct {
	Body       string `json:"body"`
	PreviewUrl bool   `json:"preview_url,omitempty"`
}

type MediaObj struct {
	ID      string `json:"id,omitempty"`
	Link    string `json:"link,omitempty"`
	Caption string `json:"caption,omitempty"`
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func (c *Client) path(parts ...string) string {
	return "/" + c.version + "/" + strings.Join(parts, "/")
}

func (c *Client) check(resp *resty.Response, err error) error {
	if err != nil {
		return err
	}
	if !resp.IsError() {
		return nil
	}
	if e, ok := resp.Error().(*apiError); ok && e.Error.Message != "" {
		return fmt.Errorf("graph api %d: %s", e.Error.Code, e.Error.Message)
	}
	return fmt.Errorf("graph api: %s", resp.Status())
}

// --- Messaging Methods ---

func (c *Client) SendRawMessage(ctx context.Context, phoneNumberID string, msg GenericMessage) error {
	if phoneNumberID == "" {
		return ErrNoPhoneNumberID
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(msg).
		SetError(&apiError{}).
		Post(c.path(phoneNumberID, "messages"))
	if err := c.check(resp, err); err != nil {
		return fmt.Errorf("send %s message: %w", msg.Type, err)
	}
	return nil
}

func (c *Client) SendMessage(ctx context.Context, phoneNumberID, to, body string) error {
	msg := GenericMessage{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               to,
		Type:             "text",
		Text: &TextObj{
			Body:       body,
			PreviewUrl: strings.Contains(body, "https://"),
		},
	}
	return c.SendRawMessage(ctx, phoneNumberID, msg)
}

func (c *Client) SendImageMessage(ctx context.Context, phoneNumberID, to, imageURL, caption string) error {
	msg := GenericMessage{
		MessagingProduct: "whatsapp",
		To:               to,
		Type:             "image",
		Image: &MediaObj{
			Link:    imageURL,
			Caption: caption,
		},
	}
	return c.SendRawMessage(ctx, phoneNumberID, msg)
}

// Send implements dispatch.Provider.
func (c *Client) Send(ctx context.Context, b *models.Business, to, text string) error {
	return c.SendMessage(ctx, b.CloudPhoneNumberID, to, text)
}

// SendImage implements dispatch.ImageSender for catalog results.
func (c *Client) SendImage(ctx context.Context, b *models.Business, to, imageURL, caption string) error {
	return c.SendImageMessage(ctx, b.CloudPhoneNumberID, to, imageURL, caption)
}

// --- Media Methods ---

func (c *Client) RetrieveMediaURL(ctx context.Context, mediaID string) (string, error) {
	var obj struct {
		URL string `json:"url"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&obj).
		SetError(&apiError{}).
		Get(c.path(mediaID))
	if err := c.check(resp, err); err != nil {
		return "", fmt.Errorf("retrieve media %s: %w", mediaID, err)
	}
	if obj.URL == "" {
		return "", fmt.Errorf("retrieve media %s: empty url", mediaID)
	}
	return obj.URL, nil
}

// Fetch resolves a media id to its short-lived url and downloads it with the
// same bearer token. It implements channel.MediaFetcher.
func (c *Client) Fetch(ctx context.Context, mediaID string) ([]byte, string, error) {
	url, err := c.RetrieveMediaURL(ctx, mediaID)
	if err != nil {
		return nil, "", err
	}
	resp, err := c.http.R().SetContext(ctx).Get(url)
	if err != nil {
		return nil, "", fmt.Errorf("download media %s: %w", mediaID, err)
	}
	if resp.IsError() {
		return nil, "", fmt.Errorf("download media %s: %s", mediaID, resp.Status())
	}
	return resp.Body(), resp.Header().Get("Content-Type"), nil
}
