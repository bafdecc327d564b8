// cmd/inventory-service/main.go
package main

import (
	"context"

	"go.opentelemetry.io/otel"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"stockpilot/internal/pkg/bootstrap"
	"stockpilot/internal/pkg/clock"
	"stockpilot/internal/pkg/logger"
	"stockpilot/internal/pkg/redis"
	"stockpilot/internal/service/inventory/application"
	"stockpilot/internal/service/inventory/infrastructure"
	"stockpilot/internal/service/inventory/interfaces"
)

const (
	serviceName = "inventory-service"
	servicePort = 8082
)

func main() {
	bootstrap.Init()
	cfg := bootstrap.GetCurrentConfig()
	startCtx := context.Background()
	clk := clock.System{}

	// TranslateError 必须开：幂等标记靠 gorm.ErrDuplicatedKey 判重
	db, err := gorm.Open(mysql.Open(cfg.Infra.Mysql.DSN), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		logger.Ctx(startCtx).Fatal().Err(err).Msg("failed to connect to mysql")
	}

	repo := infrastructure.NewGormInventoryRepository(db, clk, cfg.Saga.MaxReserveRetries)
	if err := repo.AutoMigrate(); err != nil {
		logger.Ctx(startCtx).Fatal().Err(err).Msg("failed to migrate schema")
	}

	redisClient, err := redis.NewClient(startCtx, cfg.Infra.Redis.Addr, cfg.Infra.Redis.Password, cfg.Infra.Redis.DB)
	if err != nil {
		logger.Ctx(startCtx).Fatal().Err(err).Msg("failed to connect to redis")
	}

	publisher := infrastructure.NewKafkaEventPublisher(cfg.Infra.Kafka.Brokers)
	deadlines := infrastructure.NewRedisDeadlineScheduler(redisClient)

	app := application.NewInventoryApplicationService(
		repo,
		publisher,
		deadlines,
		clk,
		otel.Tracer(serviceName),
		cfg.Saga.Timeout.Std(),
	)

	consumers := interfaces.NewConsumerSet(cfg.Infra.Kafka.Brokers, app, cfg.Saga.ConsumerWorkers, cfg.Saga.MaxDeliveryRetries)
	dlt := interfaces.NewDLTMonitor(cfg.Infra.Kafka.Brokers)
	admin := interfaces.NewAdminHandler(repo, clk)

	runCtx, stopConsumers := context.WithCancel(context.Background())

	bootstrap.StartService(bootstrap.AppInfo{
		ServiceName: serviceName,
		Port:        servicePort,
		RegisterHandlers: func(appCtx bootstrap.AppCtx) {
			admin.Register(appCtx.Mux)

			go func() {
				if err := consumers.Run(runCtx); err != nil {
					logger.Ctx(runCtx).Error().Err(err).Msg("Consumer set exited with error")
				}
			}()
			dlt.Run(runCtx)
		},
		OnShutdown: func(ctx context.Context) {
			stopConsumers()
			if err := consumers.Close(); err != nil {
				logger.Ctx(ctx).Error().Err(err).Msg("Error closing consumers")
			}
			if err := dlt.Close(); err != nil {
				logger.Ctx(ctx).Error().Err(err).Msg("Error closing DLT monitor")
			}
			if err := publisher.Close(); err != nil {
				logger.Ctx(ctx).Error().Err(err).Msg("Error closing publisher")
			}
			if err := redisClient.Close(); err != nil {
				logger.Ctx(ctx).Error().Err(err).Msg("Error closing redis client")
			}
		},
	})
}
