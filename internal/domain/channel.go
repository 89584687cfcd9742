package domain

import "context"

// InboundMessage is a message received from a channel (user input).
type InboundMessage struct {
	SessionID   string
	Content     string
	ChannelName string

	// Enriched fields — all zero-value safe.
	SenderName string            `json:"sender_name,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// OutboundMessage is a message sent to a channel (agent response).
type OutboundMessage struct {
	SessionID string
	Content   string
	IsError   bool

	Metadata map[string]string `json:"metadata,omitempty"`
}

// MessageHandler is a callback the channel invokes when it receives input.
type MessageHandler func(ctx context.Context, msg InboundMessage) error

// Channel is the interface for user-facing I/O adapters.
type Channel interface {
	Start(ctx context.Context, handler MessageHandler) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, msg OutboundMessage) error
	Name() string
}
