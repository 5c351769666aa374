package processor

import (
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/smallbiznis/cartcall/internal/clock"
	"github.com/smallbiznis/cartcall/internal/config"
	"github.com/smallbiznis/cartcall/internal/events"
	"github.com/smallbiznis/cartcall/internal/observability/metrics"
	"github.com/smallbiznis/cartcall/internal/usagegate"
	"github.com/smallbiznis/cartcall/internal/voice"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Gate    *usagegate.Gate
	Voice   voice.Client
	Outbox  *events.Outbox
	Metrics *metrics.CampaignMetrics `optional:"true"`
	Config  Config
}

func NewConfig(cfg config.Config) Config {
	return Config{
		BatchSize:     cfg.Processor.BatchSize,
		WorkerCount:   cfg.Processor.WorkerCount,
		MaxAttempts:   cfg.Processor.MaxAttempts,
		AgentCacheTTL: cfg.Processor.AgentCacheTTL,
	}
}

var Module = fx.Module("processor",
	fx.Provide(NewConfig),
	fx.Provide(New),
)
