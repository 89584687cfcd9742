package memory

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"knowbot/internal/domain"
	"knowbot/internal/infra/config"
	"knowbot/internal/security"
)

// NewFromConfig constructs the configured memory provider.
func NewFromConfig(cfg config.MemoryConfig, logger *slog.Logger) (domain.MemoryProvider, error) {
	switch cfg.Backend {
	case "noop", "":
		return NewNoopMemory(), nil
	case "sqlite":
		var box *security.SecretBox
		if cfg.Passphrase != "" {
			saltPath := filepath.Join(filepath.Dir(cfg.Path), ".memory-salt")
			var err error
			box, err = security.NewSecretBox(cfg.Passphrase, saltPath)
			if err != nil {
				return nil, fmt.Errorf("init memory encryption: %w", err)
			}
		}
		return NewSQLiteMemory(cfg.Path, box, logger)
	default:
		return nil, fmt.Errorf("unknown memory backend %q", cfg.Backend)
	}
}
