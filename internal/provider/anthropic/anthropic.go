package anthropic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/stupiduntilnot/chatrelay/internal/chat"
	ctxpkg "github.com/stupiduntilnot/chatrelay/internal/context"
	"github.com/stupiduntilnot/chatrelay/internal/provider"
)

const (
	op               = "anthropic.stream"
	defaultBaseURL   = "https://api.anthropic.com/v1"
	apiVersion       = "2023-06-01"
	defaultMaxTokens = 1024
)

// Client streams from the Anthropic Messages API.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// New creates a client for the descriptor.
func New(d provider.Descriptor) (provider.StreamingProvider, error) {
	if d.APIKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	base := d.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	return &Client{
		apiKey:     d.APIKey,
		baseURL:    strings.TrimRight(base, "/"),
		model:      d.Model,
		httpClient: provider.NewHTTPClient(d.Timeout),
	}, nil
}

type request struct {
	Model       string    `json:"model"`
	System      string    `json:"system,omitempty"`
	Messages    []message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
	Stream      bool      `json:"stream"`
}

type message struct {
	Role    string    `json:"role"`
	Content []content `json:"content"`
}

type content struct {
	Type   string       `json:"type"`
	Text   string       `json:"text,omitempty"`
	Source *imageSource `json:"source,omitempty"`
}

type imageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type contentDelta struct {
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
}

type messageStart struct {
	Message struct {
		Usage usage `json:"usage"`
	} `json:"message"`
}

type messageDelta struct {
	Delta struct {
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Usage usage `json:"usage"`
}

type usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type streamError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Stream posts the request and returns once response headers arrive.
func (c *Client) Stream(ctx context.Context, req provider.Request) (<-chan provider.Chunk, error) {
	payload := buildRequest(c.model, req)
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(payload); err != nil {
		return nil, chat.NewError(chat.KindConfiguration, op, fmt.Errorf("marshal payload: %w", err))
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", buf)
	if err != nil {
		return nil, chat.NewError(chat.KindConfiguration, op, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("X-API-Key", c.apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, provider.ClassifyTransport(op, err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		retryAfter := provider.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		return nil, provider.ClassifyStatus(op, resp.StatusCode, string(data), retryAfter)
	}

	out := make(chan provider.Chunk)
	go consume(ctx, resp.Body, out)
	return out, nil
}

func consume(ctx context.Context, body io.ReadCloser, out chan<- provider.Chunk) {
	defer close(out)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 512*1024)
	var event string
	var u usage
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event:") {
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := []byte(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		switch event {
		case "message_start":
			var start messageStart
			if json.Unmarshal(data, &start) == nil {
				u.InputTokens = start.Message.Usage.InputTokens
			}
		case "content_block_delta":
			var delta contentDelta
			if err := json.Unmarshal(data, &delta); err != nil {
				provider.Send(ctx, out, provider.Chunk{Err: provider.Interrupted(op, fmt.Errorf("decode delta: %w", err))})
				return
			}
			if delta.Delta.Type == "text_delta" && delta.Delta.Text != "" {
				if !provider.Send(ctx, out, provider.Chunk{Text: delta.Delta.Text}) {
					return
				}
			}
		case "message_delta":
			var delta messageDelta
			if json.Unmarshal(data, &delta) == nil {
				if delta.Usage.OutputTokens > u.OutputTokens {
					u.OutputTokens = delta.Usage.OutputTokens
				}
				if delta.Delta.StopReason == "refusal" {
					provider.Send(ctx, out, provider.Chunk{Err: chat.Errorf(chat.KindContentPolicy, op, "stop_reason=refusal")})
					return
				}
			}
		case "message_stop":
			final := u
			provider.Send(ctx, out, provider.Chunk{Usage: &provider.Usage{InputTokens: final.InputTokens, OutputTokens: final.OutputTokens}})
			return
		case "error":
			var se streamError
			_ = json.Unmarshal(data, &se)
			provider.Send(ctx, out, provider.Chunk{Err: streamFailure(se, string(data))})
			return
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		provider.Send(ctx, out, provider.Chunk{Err: provider.Interrupted(op, err)})
		return
	}
	if ctx.Err() == nil {
		provider.Send(ctx, out, provider.Chunk{Err: chat.Errorf(chat.KindStreamInterrupted, op, "stream ended without message_stop")})
	}
}

func streamFailure(se streamError, raw string) error {
	msg := se.Error.Message
	if msg == "" {
		msg = raw
	}
	kind := chat.KindStreamInterrupted
	if provider.ContainsPolicyMarker(se.Error.Type + " " + msg) {
		kind = chat.KindContentPolicy
	}
	return &chat.Error{Kind: kind, Op: op, Reason: se.Error.Type, Err: errors.New(msg)}
}

func buildRequest(model string, req provider.Request) request {
	payload := request{
		Model:       model,
		MaxTokens:   req.Options.MaxTokens,
		Temperature: req.Options.Temperature,
		Stream:      true,
	}
	if payload.MaxTokens <= 0 {
		payload.MaxTokens = defaultMaxTokens
	}
	var system []string
	for _, m := range req.Messages {
		if m.Role == ctxpkg.RoleSystem {
			system = append(system, m.Content)
			continue
		}
		msg := message{Role: m.Role}
		for _, img := range m.Images {
			mediaType := img.MIMEType
			if mediaType == "" {
				mediaType = "image/jpeg"
			}
			msg.Content = append(msg.Content, content{
				Type: "image",
				Source: &imageSource{
					Type:      "base64",
					MediaType: mediaType,
					Data:      base64.StdEncoding.EncodeToString(img.Data),
				},
			})
		}
		if m.Content != "" || len(msg.Content) == 0 {
			msg.Content = append(msg.Content, content{Type: "text", Text: m.Content})
		}
		payload.Messages = append(payload.Messages, msg)
	}
	payload.System = strings.Join(system, "\n\n")
	return payload
}
