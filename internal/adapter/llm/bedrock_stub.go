//go:build !bedrock

package llm

import (
	"fmt"
	"log/slog"

	"knowbot/internal/domain"
	"knowbot/internal/infra/config"
)

// newBedrockFromConfig is the no-op variant used when the binary is built
// without the bedrock tag.
func newBedrockFromConfig(cfg config.ProviderConfig, _ *slog.Logger) (domain.LLMProvider, error) {
	return nil, fmt.Errorf("provider %q: binary built without bedrock support (rebuild with -tags bedrock)", cfg.Name)
}
