// cmd/saga-timeout-monitor/main.go
package main

import (
	"context"

	"stockpilot/internal/pkg/bootstrap"
	"stockpilot/internal/pkg/clock"
	"stockpilot/internal/pkg/logger"
	"stockpilot/internal/pkg/redis"
	"stockpilot/internal/service/timeoutmonitor"
)

const (
	serviceName = "saga-timeout-monitor"
	servicePort = 8083
)

func main() {
	bootstrap.Init()
	cfg := bootstrap.GetCurrentConfig()
	startCtx := context.Background()

	redisClient, err := redis.NewClient(startCtx, cfg.Infra.Redis.Addr, cfg.Infra.Redis.Password, cfg.Infra.Redis.DB)
	if err != nil {
		logger.Ctx(startCtx).Fatal().Err(err).Msg("failed to connect to redis")
	}

	monitor, err := timeoutmonitor.NewMonitor(redisClient, cfg.Infra.Kafka.Brokers, clock.System{}, cfg.Saga.PollInterval.Std())
	if err != nil {
		logger.Ctx(startCtx).Fatal().Err(err).Msg("failed to create timeout monitor")
	}

	runCtx, stop := context.WithCancel(context.Background())

	bootstrap.StartService(bootstrap.AppInfo{
		ServiceName: serviceName,
		Port:        servicePort,
		RegisterHandlers: func(appCtx bootstrap.AppCtx) {
			go func() {
				if err := monitor.Run(runCtx); err != nil {
					logger.Ctx(runCtx).Error().Err(err).Msg("Timeout monitor exited with error")
				}
			}()
		},
		OnShutdown: func(ctx context.Context) {
			stop()
			if err := monitor.Close(); err != nil {
				logger.Ctx(ctx).Error().Err(err).Msg("Error closing monitor")
			}
			if err := redisClient.Close(); err != nil {
				logger.Ctx(ctx).Error().Err(err).Msg("Error closing redis client")
			}
		},
	})
}
