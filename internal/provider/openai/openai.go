package openai

import (
	"context"
	"encoding/base64"
	"errors"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/stupiduntilnot/chatrelay/internal/chat"
	ctxpkg "github.com/stupiduntilnot/chatrelay/internal/context"
	"github.com/stupiduntilnot/chatrelay/internal/provider"
)

const op = "openai.stream"

// Client streams chat completions from any OpenAI-compatible endpoint
// (OpenAI, Groq, OpenRouter, Perplexity, DeepSeek).
type Client struct {
	client openai.Client
	model  string
}

// New creates a client for the descriptor. SDK-level retries are disabled;
// the relay owns retry policy.
func New(d provider.Descriptor) (provider.StreamingProvider, error) {
	if d.APIKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	opts := []option.RequestOption{
		option.WithAPIKey(d.APIKey),
		option.WithMaxRetries(0),
	}
	if d.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(d.BaseURL))
	}
	opts = append(opts, option.WithHTTPClient(provider.NewHTTPClient(d.Timeout)))
	return &Client{client: openai.NewClient(opts...), model: d.Model}, nil
}

// Stream starts a streaming completion. Transport failures and error
// statuses surface as an error here; everything after the headers arrives
// on the channel.
func (c *Client) Stream(ctx context.Context, req provider.Request) (<-chan provider.Chunk, error) {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.model),
		Messages: toParams(req.Messages),
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
		Temperature: openai.Float(req.Options.Temperature),
	}
	if req.Options.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.Options.MaxTokens))
	}

	// NewStreaming returns once response headers arrive, with any non-2xx
	// status already on Err. Events are only read inside the goroutine.
	stream := c.client.Chat.Completions.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		_ = stream.Close()
		return nil, classify(err)
	}

	out := make(chan provider.Chunk)
	go func() {
		defer close(out)
		defer stream.Close()
		for stream.Next() {
			chunk := stream.Current()
			var usage *provider.Usage
			if chunk.Usage.TotalTokens > 0 {
				usage = &provider.Usage{
					InputTokens:  int(chunk.Usage.PromptTokens),
					OutputTokens: int(chunk.Usage.CompletionTokens),
				}
			}
			text := ""
			refused := false
			for _, choice := range chunk.Choices {
				text += choice.Delta.Content
				if choice.FinishReason == "content_filter" {
					refused = true
				}
			}
			if text != "" || usage != nil {
				if !provider.Send(ctx, out, provider.Chunk{Text: text, Usage: usage}) {
					return
				}
			}
			if refused {
				provider.Send(ctx, out, provider.Chunk{Err: chat.Errorf(chat.KindContentPolicy, op, "finish_reason=content_filter")})
				return
			}
		}
		if err := stream.Err(); err != nil && ctx.Err() == nil {
			provider.Send(ctx, out, provider.Chunk{Err: provider.Interrupted(op, err)})
		}
	}()
	return out, nil
}

func toParams(messages []ctxpkg.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case ctxpkg.RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case ctxpkg.RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			if len(m.Images) == 0 {
				out = append(out, openai.UserMessage(m.Content))
				continue
			}
			parts := make([]openai.ChatCompletionContentPartUnionParam, 0, len(m.Images)+1)
			if m.Content != "" {
				parts = append(parts, openai.TextContentPart(m.Content))
			}
			for _, img := range m.Images {
				parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
					URL: dataURL(img),
				}))
			}
			out = append(out, openai.UserMessage(parts))
		}
	}
	return out
}

func dataURL(img chat.Image) string {
	mime := img.MIMEType
	if mime == "" {
		mime = "image/jpeg"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(img.Data)
}

func classify(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		var retryAfter time.Duration
		if apiErr.Response != nil {
			retryAfter = provider.ParseRetryAfter(apiErr.Response.Header.Get("Retry-After"), time.Now())
		}
		return provider.ClassifyStatus(op, apiErr.StatusCode, apiErr.Error(), retryAfter)
	}
	return provider.ClassifyTransport(op, err)
}
