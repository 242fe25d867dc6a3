package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/icube-dev/traego/internal/sse"
	"github.com/icube-dev/traego/internal/tokens"
	"github.com/icube-dev/traego/internal/trace"
	"github.com/icube-dev/traego/internal/transport"
)

// historyWindow is how many trailing messages accompany each request.
const historyWindow = 10

// ChatMessage is one turn of a conversation.
type ChatMessage struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp,omitempty"`
}

// ChatSession is a stored conversation.
type ChatSession struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at"`
}

// SendOptions shape a chat request.
type SendOptions struct {
	SessionID string
	Model     string
	Context   map[string]any
}

// Chat is the chat service: completions (plain and streamed), session
// listing, and a rolling local message history.
type Chat struct {
	tp        *transport.Transport
	models    *Models
	estimator *tokens.Estimator

	mu        sync.Mutex
	sessionID string
	history   []ChatMessage
}

// NewChat creates the chat service.
func NewChat(tp *transport.Transport, models *Models) *Chat {
	return &Chat{
		tp:        tp,
		models:    models,
		estimator: tokens.NewEstimator(),
	}
}

// SetSession pins the session id used when SendOptions omit one.
func (c *Chat) SetSession(id string) {
	c.mu.Lock()
	c.sessionID = id
	c.mu.Unlock()
}

func (c *Chat) payload(message string, opts SendOptions, stream bool) map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()

	model := opts.Model
	if model == "" {
		model = c.models.Selected()
	}
	session := opts.SessionID
	if session == "" {
		session = c.sessionID
	}

	p := map[string]any{
		"message":   message,
		"model":     model,
		"stream":    stream,
		"sessionId": session,
		"context":   opts.Context,
	}
	if opts.Context == nil {
		p["context"] = map[string]any{}
	}
	if len(c.history) > 0 {
		start := len(c.history) - historyWindow
		if start < 0 {
			start = 0
		}
		p["history"] = c.history[start:]
	}
	return p
}

func (c *Chat) remember(role, content string) {
	c.mu.Lock()
	c.history = append(c.history, ChatMessage{
		Role:      role,
		Content:   content,
		Timestamp: time.Now().Format(time.RFC3339),
	})
	c.mu.Unlock()
}

// Send posts a chat completion and returns the raw result payload.
func (c *Chat) Send(ctx context.Context, message string, opts SendOptions) (json.RawMessage, error) {
	env, err := c.tp.Execute(ctx, transport.Request{
		Method: "POST",
		Path:   "/chat/completions",
		Body:   c.payload(message, opts, false),
		Kind:   trace.KindChat,
	})
	if err != nil {
		return nil, err
	}

	c.remember("user", message)
	var resp struct {
		Response string `json:"response"`
	}
	if err := env.Decode(&resp); err == nil && resp.Response != "" {
		c.remember("assistant", resp.Response)
	}
	return env.Result, nil
}

// Stream posts a streaming chat completion. The returned stream is
// forward-only and single-consumer; re-invoke Stream to retry a
// dropped one.
func (c *Chat) Stream(ctx context.Context, message string, opts SendOptions) (*sse.Stream, error) {
	stream, err := c.tp.ExecuteStream(ctx, transport.Request{
		Method: "POST",
		Path:   "/chat/completions",
		Body:   c.payload(message, opts, true),
		Kind:   trace.KindChat,
	})
	if err != nil {
		return nil, err
	}
	c.remember("user", message)
	return stream, nil
}

// Sessions fetches the stored conversation list.
func (c *Chat) Sessions(ctx context.Context) ([]ChatSession, error) {
	env, err := c.tp.Execute(ctx, transport.Request{
		Method: "GET",
		Path:   "/chat/sessions",
		Kind:   trace.KindChat,
	})
	if err != nil {
		return nil, err
	}
	var payload struct {
		Sessions []ChatSession `json:"sessions"`
	}
	if err := env.Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode sessions: %w", err)
	}
	return payload.Sessions, nil
}

// Messages fetches the messages of a stored session.
func (c *Chat) Messages(ctx context.Context, sessionID string) ([]ChatMessage, error) {
	env, err := c.tp.Execute(ctx, transport.Request{
		Method: "GET",
		Path:   "/chat/sessions/" + sessionID + "/messages",
		Kind:   trace.KindChat,
	})
	if err != nil {
		return nil, err
	}
	var payload struct {
		Messages []ChatMessage `json:"messages"`
	}
	if err := env.Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	return payload.Messages, nil
}

// History returns a copy of the local rolling history.
func (c *Chat) History() []ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ChatMessage, len(c.history))
	copy(out, c.history)
	return out
}

// ClearHistory drops the local rolling history.
func (c *Chat) ClearHistory() {
	c.mu.Lock()
	c.history = nil
	c.mu.Unlock()
}

// EstimateTokens estimates the prompt cost of sending message now,
// including the rolling history window that would accompany it.
func (c *Chat) EstimateTokens(message string) (int, error) {
	c.mu.Lock()
	msgs := make([]tokens.Message, 0, len(c.history)+1)
	start := len(c.history) - historyWindow
	if start < 0 {
		start = 0
	}
	for _, m := range c.history[start:] {
		msgs = append(msgs, tokens.Message{Role: m.Role, Content: m.Content})
	}
	c.mu.Unlock()

	msgs = append(msgs, tokens.Message{Role: "user", Content: message})
	return c.estimator.CountMessages(msgs)
}
