// Package logger provides the shared zap logger and masking helpers for
// customer contact data.
package logger

import (
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/smallbiznis/cartcall/internal/config"
)

var Module = fx.Module("logger",
	fx.Provide(New),
)

// New builds the process logger. Production gets sampled JSON output,
// everything else the development console encoder.
func New(cfg config.Config) (*zap.Logger, error) {
	if cfg.IsProduction() {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}
