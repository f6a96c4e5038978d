// Package ai wraps the OpenAI-compatible chat, vision and transcription APIs.
package ai

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"whatsapp-chatbot/internal/channel"
	"whatsapp-chatbot/internal/config"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
	"github.com/openai/openai-go/shared/constant"
)

// ErrEmptyCompletion means the provider answered without any choice. It is
// distinct from a completion whose text happens to be empty.
var ErrEmptyCompletion = errors.New("ai: completion returned no choices")

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one prior conversation message passed as history.
type Turn struct {
	Role    string
	Content string
}

// Completer generates chat replies.
type Completer interface {
	Complete(ctx context.Context, system string, history []Turn, user string) (string, error)
}

// Enricher turns media into text for the prompt.
type Enricher interface {
	DescribeImage(ctx context.Context, media *channel.Media, hint string) (string, error)
	TranscribeAudio(ctx context.Context, media *channel.Media) (string, error)
}

// Client is an OpenAI SDK client; chat may point at any compatible endpoint
// while vision and transcription can use a separate one.
type Client struct {
	chat   *openai.Client
	vision *openai.Client
	cfg    config.AIConfig
}

func newSDKClient(baseURL, apiKey string) *openai.Client {
	opts := []option.RequestOption{option.WithMaxRetries(1)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	cl := openai.NewClient(opts...)
	return &cl
}

func NewClient(cfg config.AIConfig) *Client {
	c := &Client{cfg: cfg, chat: newSDKClient(cfg.BaseURL, cfg.APIKey)}
	if cfg.VisionBaseURL != "" || cfg.VisionAPIKey != "" {
		c.vision = newSDKClient(cfg.VisionBaseURL, cfg.VisionAPIKey)
	} else {
		c.vision = c.chat
	}
	return c
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.Timeout > 0 {
		return context.WithTimeout(ctx, c.cfg.Timeout)
	}
	return context.WithCancel(ctx)
}

func systemMessage(text string) openai.ChatCompletionMessageParamUnion {
	return openai.ChatCompletionMessageParamUnion{
		OfSystem: &openai.ChatCompletionSystemMessageParam{
			Role:    constant.System("system"),
			Content: openai.ChatCompletionSystemMessageParamContentUnion{OfString: openai.String(text)},
		},
	}
}

func userMessage(text string) openai.ChatCompletionMessageParamUnion {
	return openai.ChatCompletionMessageParamUnion{
		OfUser: &openai.ChatCompletionUserMessageParam{
			Role:    constant.User("user"),
			Content: openai.ChatCompletionUserMessageParamContentUnion{OfString: openai.String(text)},
		},
	}
}

func assistantMessage(text string) openai.ChatCompletionMessageParamUnion {
	return openai.ChatCompletionMessageParamUnion{
		OfAssistant: &openai.ChatCompletionAssistantMessageParam{
			Role:    constant.Assistant("assistant"),
			Content: openai.ChatCompletionAssistantMessageParamContentUnion{OfString: openai.String(text)},
		},
	}
}

// Complete sends system + history + user and returns the first choice text.
func (c *Client) Complete(ctx context.Context, system string, history []Turn, user string) (string, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var messages []openai.ChatCompletionMessageParamUnion
	if system != "" {
		messages = append(messages, systemMessage(system))
	}
	for _, t := range history {
		if strings.TrimSpace(t.Content) == "" {
			continue
		}
		if t.Role == RoleAssistant {
			messages = append(messages, assistantMessage(t.Content))
		} else {
			messages = append(messages, userMessage(t.Content))
		}
	}
	if user != "" {
		messages = append(messages, userMessage(user))
	}

	params := openai.ChatCompletionNewParams{
		Messages: messages,
		Model:    shared.ChatModel(c.cfg.ChatModel),
	}
	if c.cfg.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(c.cfg.MaxTokens))
	}
	if c.cfg.Temperature != 0 {
		params.Temperature = openai.Float(c.cfg.Temperature)
	}

	resp, err := c.chat.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("create completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyCompletion
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// DescribeImage asks the vision model what the image shows.
func (c *Client) DescribeImage(ctx context.Context, media *channel.Media, hint string) (string, error) {
	if media == nil || len(media.Data) == 0 {
		return "", errors.New("ai: no image data")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if hint == "" {
		hint = "Describe this image briefly."
	}
	mime := media.MimeType
	if mime == "" {
		mime = "image/jpeg"
	}
	dataURL := "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(media.Data)

	params := openai.ChatCompletionNewParams{
		Model: shared.ChatModel(c.cfg.VisionModel),
		Messages: []openai.ChatCompletionMessageParamUnion{{
			OfUser: &openai.ChatCompletionUserMessageParam{
				Role: constant.User("user"),
				Content: openai.ChatCompletionUserMessageParamContentUnion{
					OfArrayOfContentParts: []openai.ChatCompletionContentPartUnionParam{
						{OfText: &openai.ChatCompletionContentPartTextParam{Text: hint}},
						{OfImageURL: &openai.ChatCompletionContentPartImageParam{
							ImageURL: openai.ChatCompletionContentPartImageImageURLParam{URL: dataURL},
						}},
					},
				},
			},
		}},
	}
	if c.cfg.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(c.cfg.MaxTokens))
	}

	resp, err := c.vision.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("describe image: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyCompletion
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// TranscribeAudio converts a voice note to text.
func (c *Client) TranscribeAudio(ctx context.Context, media *channel.Media) (string, error) {
	if media == nil || len(media.Data) == 0 {
		return "", errors.New("ai: no audio data")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	mime := media.MimeType
	if mime == "" {
		mime = "audio/ogg"
	}
	resp, err := c.vision.Audio.Transcriptions.New(ctx, openai.AudioTranscriptionNewParams{
		File:  openai.File(bytes.NewReader(media.Data), "voice"+audioExt(mime), mime),
		Model: openai.AudioModel(c.cfg.TranscriptionModel),
	})
	if err != nil {
		return "", fmt.Errorf("transcribe audio: %w", err)
	}
	return strings.TrimSpace(resp.Text), nil
}

func audioExt(mime string) string {
	switch {
	case strings.Contains(mime, "mpeg"), strings.Contains(mime, "mp3"):
		return ".mp3"
	case strings.Contains(mime, "mp4"), strings.Contains(mime, "m4a"), strings.Contains(mime, "aac"):
		return ".m4a"
	case strings.Contains(mime, "wav"):
		return ".wav"
	case strings.Contains(mime, "webm"):
		return ".webm"
	default:
		return ".ogg"
	}
}
