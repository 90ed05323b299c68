package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Client talks to an agent server over HTTP. Session events arrive on a
// per-session SSE feed; everything else is plain JSON requests.
type Client struct {
	mu        sync.Mutex
	baseURL   string
	token     string
	connected bool

	http *http.Client
}

// NewClient creates a disconnected client. Call Connect before use.
func NewClient() *Client {
	return &Client{http: &http.Client{}}
}

// Connect verifies the server is reachable and stores the connection config.
func (c *Client) Connect(ctx context.Context, cfg ConnectionConfig) error {
	c.mu.Lock()
	c.baseURL = strings.TrimSuffix(cfg.ServerURL, "/")
	c.token = cfg.Token
	c.mu.Unlock()

	if err := c.do(ctx, http.MethodGet, "/app", nil, nil); err != nil {
		return fmt.Errorf("reaching agent server: %w", err)
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return nil
}

func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	return nil
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

type wireSession struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
}

func (c *Client) CreateSession(ctx context.Context, opts CreateSessionOpts) (Session, error) {
	var resp wireSession
	body := map[string]string{"title": opts.Title, "directory": opts.Directory}
	if err := c.do(ctx, http.MethodPost, "/session", body, &resp); err != nil {
		return Session{}, fmt.Errorf("creating session: %w", err)
	}
	return Session{ID: resp.ID, CreatedAt: resp.CreatedAt}, nil
}

type wireMessage struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	Parts   []Part `json:"parts"`
}

func (c *Client) SendPrompt(ctx context.Context, sessionID, prompt string) (Message, error) {
	var resp wireMessage
	body := map[string]string{"prompt": prompt}
	if err := c.do(ctx, http.MethodPost, "/session/"+sessionID+"/message", body, &resp); err != nil {
		return Message{}, fmt.Errorf("sending prompt: %w", err)
	}
	return Message{ID: resp.ID, Content: resp.Content, Parts: resp.Parts}, nil
}

func (c *Client) SendPromptAsync(ctx context.Context, sessionID, prompt string) error {
	body := map[string]string{"prompt": prompt}
	if err := c.do(ctx, http.MethodPost, "/session/"+sessionID+"/prompt", body, nil); err != nil {
		return fmt.Errorf("sending async prompt: %w", err)
	}
	return nil
}

func (c *Client) AbortSession(ctx context.Context, sessionID string) error {
	if err := c.do(ctx, http.MethodPost, "/session/"+sessionID+"/abort", nil, nil); err != nil {
		return fmt.Errorf("aborting session: %w", err)
	}
	return nil
}

func (c *Client) ReplyToPermission(ctx context.Context, requestID string, decision PermissionDecision) error {
	body := map[string]string{"decision": string(decision)}
	if err := c.do(ctx, http.MethodPost, "/permission/"+requestID, body, nil); err != nil {
		return fmt.Errorf("replying to permission: %w", err)
	}
	return nil
}

func (c *Client) ReplyToQuestion(ctx context.Context, requestID string, answers []string) error {
	body := map[string][]string{"answers": answers}
	if err := c.do(ctx, http.MethodPost, "/question/"+requestID, body, nil); err != nil {
		return fmt.Errorf("replying to question: %w", err)
	}
	return nil
}

// SubscribeToEvents opens the session's SSE feed. The returned stream yields
// decoded events until the feed ends or the stream is closed.
func (c *Client) SubscribeToEvents(ctx context.Context, sessionID string) (EventStream, error) {
	reqCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	req, err := c.newRequest(reqCtx, http.MethodGet, "/session/"+sessionID+"/events", nil)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribing to events: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("subscribing to events: unexpected status %d", resp.StatusCode)
	}

	stream := NewChannelStream(64)
	go func() {
		defer resp.Body.Close()
		defer stream.Close()
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			ev, err := decodeWireEvent([]byte(strings.TrimPrefix(line, "data: ")))
			if err != nil {
				continue
			}
			if !stream.Push(ev) {
				return
			}
		}
	}()

	return &clientStream{ChannelStream: stream, cancel: cancel}, nil
}

// clientStream couples the channel stream to the HTTP request so closing one
// tears down the other.
type clientStream struct {
	*ChannelStream
	cancel context.CancelFunc
}

func (s *clientStream) Close() {
	s.cancel()
	s.ChannelStream.Close()
}

// wireEvent is the envelope on the SSE feed; Type selects which fields are
// meaningful.
type wireEvent struct {
	Type string `json:"type"`

	MessageID string         `json:"messageId,omitempty"`
	Content   string         `json:"content,omitempty"`
	ToolName  string         `json:"toolName,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	Output    any            `json:"output,omitempty"`

	RequestID  string     `json:"requestId,omitempty"`
	Permission string     `json:"permission,omitempty"`
	Patterns   []string   `json:"patterns,omitempty"`
	Questions  []Question `json:"questions,omitempty"`

	Todos []Todo `json:"todos,omitempty"`

	Status  string `json:"status,omitempty"`
	Attempt int    `json:"attempt,omitempty"`
	Message string `json:"message,omitempty"`
}

func decodeWireEvent(data []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decoding event: %w", err)
	}
	switch w.Type {
	case "message.start":
		return MessageStart{MessageID: w.MessageID}, nil
	case "message.delta":
		return MessageDelta{Content: w.Content}, nil
	case "message.complete":
		return MessageComplete{Content: w.Content}, nil
	case "reasoning.delta":
		return ReasoningDelta{Content: w.Content}, nil
	case "tool.start":
		return ToolStart{ToolName: w.ToolName, Input: w.Input}, nil
	case "tool.complete":
		return ToolComplete{ToolName: w.ToolName, Output: w.Output}, nil
	case "permission.asked":
		return PermissionAsked{RequestID: w.RequestID, Permission: w.Permission, Patterns: w.Patterns}, nil
	case "question.asked":
		return QuestionAsked{RequestID: w.RequestID, Questions: w.Questions}, nil
	case "todo.updated":
		return TodoUpdated{Todos: w.Todos}, nil
	case "session.status":
		return SessionStatus{Status: w.Status, Attempt: w.Attempt, Message: w.Message}, nil
	case "error":
		return Error{Message: w.Message}, nil
	}
	return nil, fmt.Errorf("unknown event type %q", w.Type)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	c.mu.Lock()
	base, token := c.baseURL, c.token
	c.mu.Unlock()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, base+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, bytes.TrimSpace(data))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
