package main

import (
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/smallbiznis/cartcall/internal/clock"
	"github.com/smallbiznis/cartcall/internal/commerce"
	"github.com/smallbiznis/cartcall/internal/config"
	"github.com/smallbiznis/cartcall/internal/events"
	"github.com/smallbiznis/cartcall/internal/logger"
	"github.com/smallbiznis/cartcall/internal/migration"
	"github.com/smallbiznis/cartcall/internal/observability/metrics"
	"github.com/smallbiznis/cartcall/internal/processor"
	"github.com/smallbiznis/cartcall/internal/scanner"
	"github.com/smallbiznis/cartcall/internal/seed"
	"github.com/smallbiznis/cartcall/internal/server"
	"github.com/smallbiznis/cartcall/internal/usagegate"
	"github.com/smallbiznis/cartcall/internal/voice"
	"github.com/smallbiznis/cartcall/pkg/db"
)

var version = "dev"

func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		fx.Provide(func() *snowflake.Node {
			node, err := snowflake.NewNode(1)
			if err != nil {
				panic(err)
			}
			return node
		}),
		db.Module,
		clock.Module,
		metrics.Module,
		events.Module,

		commerce.Module,
		voice.Module,
		usagegate.Module,
		scanner.Module,
		processor.Module,

		fx.Invoke(func(cfg config.Config, log *zap.Logger) error {
			if err := cfg.ValidateJobConfig(); err != nil {
				if cfg.IsProduction() {
					return err
				}
				log.Warn("job trigger endpoints unusable", zap.Error(err))
			}
			log.Info("starting cartcall",
				zap.String("version", version),
				zap.String("environment", cfg.Environment),
				zap.String("commerce_api_key", logger.MaskSecret(cfg.Commerce.APIKey)),
				zap.String("voice_api_key", logger.MaskSecret(cfg.Voice.APIKey)),
			)
			return nil
		}),
		fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			if err := migration.RunMigrations(sqlDB); err != nil {
				return err
			}
			if cfg.Bootstrap.EnsureDefaultOrg {
				return seed.EnsureDefaultOrg(conn)
			}
			return nil
		}),
		server.Module,
	)
	app.Run()
}
