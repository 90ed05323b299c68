// Package agent defines the contract between the loop engine and the AI
// agent backend: session lifecycle, prompt delivery, and the closed set of
// events a session emits. The engine depends only on the interfaces; Client
// is the HTTP implementation the daemon wires in.
package agent

import (
	"context"
	"time"
)

// ConnectionConfig points the client at a backend server.
type ConnectionConfig struct {
	ServerURL string
	Token     string
}

// Session identifies one conversation on the backend.
type Session struct {
	ID        string
	CreatedAt time.Time
}

// CreateSessionOpts configures a new session.
type CreateSessionOpts struct {
	Title     string
	Directory string
}

// Part is one block of a completed message.
type Part struct {
	Type string // text | reasoning | tool
	Text string
}

// Message is a completed assistant response.
type Message struct {
	ID      string
	Content string
	Parts   []Part
}

// PermissionDecision answers a permission request.
type PermissionDecision string

const (
	PermissionOnce   PermissionDecision = "once"
	PermissionAlways PermissionDecision = "always"
	PermissionDeny   PermissionDecision = "deny"
)

// Question is one question posed by the agent.
type Question struct {
	Text    string
	Options []string
}

// Backend drives AI agent sessions. Subscribe before sending an async prompt:
// the backend may emit events as soon as the prompt lands, and events emitted
// before the subscription exists are lost to the client.
type Backend interface {
	Connect(ctx context.Context, cfg ConnectionConfig) error
	Disconnect() error
	IsConnected() bool

	CreateSession(ctx context.Context, opts CreateSessionOpts) (Session, error)

	// SendPrompt blocks until the full response is available.
	SendPrompt(ctx context.Context, sessionID, prompt string) (Message, error)

	// SendPromptAsync returns once the prompt is accepted; the response
	// arrives on the session's event stream.
	SendPromptAsync(ctx context.Context, sessionID, prompt string) error

	// AbortSession interrupts the running generation. The session survives
	// and keeps its conversation history.
	AbortSession(ctx context.Context, sessionID string) error

	SubscribeToEvents(ctx context.Context, sessionID string) (EventStream, error)

	ReplyToPermission(ctx context.Context, requestID string, decision PermissionDecision) error
	ReplyToQuestion(ctx context.Context, requestID string, answers []string) error
}
