package memory

import (
	"context"

	"knowbot/internal/domain"
)

// NoopMemory is a placeholder that stores nothing and returns empty results.
type NoopMemory struct{}

// NewNoopMemory creates a noop memory provider.
func NewNoopMemory() *NoopMemory { return &NoopMemory{} }

func (n *NoopMemory) Store(_ context.Context, _ domain.MemoryEntry) error { return nil }

func (n *NoopMemory) Query(_ context.Context, _ string, _ int) ([]domain.MemoryEntry, error) {
	return nil, nil
}

func (n *NoopMemory) Recent(_ context.Context, _ string, _ int) ([]domain.MemoryEntry, error) {
	return nil, nil
}

func (n *NoopMemory) Delete(_ context.Context, _ string) error { return nil }
func (n *NoopMemory) Clear(_ context.Context, _ string) error  { return nil }
func (n *NoopMemory) Name() string                             { return "noop" }
func (n *NoopMemory) IsAvailable() bool                        { return true }

var _ domain.MemoryProvider = (*NoopMemory)(nil)
