package domain

import (
	"context"
	"time"
)

// MemoryEntry represents one remembered exchange or fact.
type MemoryEntry struct {
	ID        string            `json:"id"`
	SessionID string            `json:"session_id,omitempty"`
	Role      string            `json:"role,omitempty"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// MemoryProvider is the interface for conversation memory backends.
type MemoryProvider interface {
	Store(ctx context.Context, entry MemoryEntry) error
	Query(ctx context.Context, query string, limit int) ([]MemoryEntry, error)
	Recent(ctx context.Context, sessionID string, limit int) ([]MemoryEntry, error)
	Delete(ctx context.Context, id string) error
	Clear(ctx context.Context, sessionID string) error
	Name() string
	IsAvailable() bool
}
