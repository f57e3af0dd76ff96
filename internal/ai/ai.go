package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/4xmen/novachat/internal/models"
)

var ErrEmptyReply = errors.New("ai: empty reply")

// Responder produces the assistant's reply to content given the earlier
// messages of the conversation, oldest first.
type Responder interface {
	Reply(ctx context.Context, prior []*models.Message, content string) (string, error)
}

// ResponderFunc adapts a function to Responder.
type ResponderFunc func(ctx context.Context, prior []*models.Message, content string) (string, error)

func (f ResponderFunc) Reply(ctx context.Context, prior []*models.Message, content string) (string, error) {
	return f(ctx, prior, content)
}

type Config struct {
	PeerID       int
	URL          string
	APIKey       string
	Model        string
	SystemPrompt string
	HistoryLimit int
	Timeout      time.Duration
}

const defaultSystemPrompt = "You are a helpful assistant inside a chat app. Keep replies short."

// HTTPResponder calls an OpenAI-compatible chat completions endpoint.
type HTTPResponder struct {
	cfg    Config
	client *http.Client
}

func NewHTTPResponder(cfg Config) *HTTPResponder {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	return &HTTPResponder{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (r *HTTPResponder) Reply(ctx context.Context, prior []*models.Message, content string) (string, error) {
	req := chatRequest{
		Model:    r.cfg.Model,
		Messages: []chatMessage{{Role: "system", Content: r.cfg.SystemPrompt}},
	}
	for _, m := range prior {
		role := "user"
		if m.SenderID == r.cfg.PeerID {
			role = "assistant"
		}
		req.Messages = append(req.Messages, chatMessage{Role: role, Content: m.Content})
	}
	req.Messages = append(req.Messages, chatMessage{Role: "user", Content: content})

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("ai: failed to encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("ai: failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if r.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+r.cfg.APIKey)
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("ai: request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("ai: failed to read response: %w", err)
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", fmt.Errorf("ai: unexpected response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode >= 300 {
		msg := http.StatusText(resp.StatusCode)
		if parsed.Error != nil && parsed.Error.Message != "" {
			msg = parsed.Error.Message
		}
		return "", fmt.Errorf("ai: upstream returned %d: %s", resp.StatusCode, msg)
	}
	if len(parsed.Choices) == 0 {
		return "", ErrEmptyReply
	}

	reply := strings.TrimSpace(parsed.Choices[0].Message.Content)
	if reply == "" {
		return "", ErrEmptyReply
	}
	return reply, nil
}
