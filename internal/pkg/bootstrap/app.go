// internal/pkg/bootstrap/app.go
package bootstrap

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"stockpilot/internal/pkg/logger"
	"stockpilot/internal/pkg/nacos"
	"stockpilot/internal/pkg/tracing"
)

// AppCtx 传递给各服务的注册回调。
type AppCtx struct {
	Mux   *http.ServeMux
	Nacos *nacos.Client
}

// AppInfo 描述了启动一个微服务所需的信息。
type AppInfo struct {
	ServiceName string
	Port        int
	// RegisterHandlers 让每个服务挂载自己的 HTTP 路由
	RegisterHandlers func(appCtx AppCtx)
	// OnShutdown 在收到退出信号后、基础设施关闭前执行，
	// 用于停止消费者等长期运行的组件
	OnShutdown func(ctx context.Context)
}

// StartService 封装了所有微服务的通用启动和优雅关停逻辑：
// 日志、链路追踪、Nacos 注册、HTTP 服务（/healthz、/metrics）。
// 该函数阻塞直到进程收到 SIGINT/SIGTERM。
func StartService(info AppInfo) {
	cfg := GetCurrentConfig()
	logger.Init(info.ServiceName, cfg.Log.Level)
	startCtx := context.Background()

	tp, err := tracing.InitTracerProvider(info.ServiceName, cfg.Infra.Jaeger.Endpoint)
	if err != nil {
		logger.Ctx(startCtx).Fatal().Err(err).Msg("failed to initialize tracer provider")
	}

	var nacosClient *nacos.Client
	var ip string
	if cfg.Infra.Nacos.Enabled {
		nacosClient, err = nacos.NewClient(cfg.Infra.Nacos.ServerAddrs, cfg.Infra.Nacos.Namespace, cfg.Infra.Nacos.Group)
		if err != nil {
			logger.Ctx(startCtx).Fatal().Err(err).Msg("failed to initialize nacos client")
		}
		ip, err = outboundIP()
		if err != nil {
			logger.Ctx(startCtx).Fatal().Err(err).Msg("failed to detect outbound IP")
		}
		if err := nacosClient.RegisterInstance(info.ServiceName, ip, info.Port); err != nil {
			logger.Ctx(startCtx).Fatal().Err(err).Msg("failed to register service with nacos")
		}
		logger.Ctx(startCtx).Info().Str("ip", ip).Int("port", info.Port).Msg("✅ Service registered to Nacos")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.Handle("/metrics", promhttp.Handler())
	if info.RegisterHandlers != nil {
		info.RegisterHandlers(AppCtx{Mux: mux, Nacos: nacosClient})
	}

	server := &http.Server{Addr: ":" + strconv.Itoa(info.Port), Handler: mux}
	go func() {
		logger.Ctx(startCtx).Info().Msgf("%s listening on :%d", info.ServiceName, info.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Ctx(startCtx).Fatal().Err(err).Msgf("could not listen on %s", server.Addr)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Ctx(startCtx).Info().Msgf("Shutting down service %s...", info.ServiceName)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// 关停顺序与启动相反：先停业务组件，再摘流量，最后刷追踪数据
	if info.OnShutdown != nil {
		info.OnShutdown(ctx)
	}

	if nacosClient != nil {
		if err := nacosClient.DeregisterInstance(info.ServiceName, ip, info.Port); err != nil {
			logger.Ctx(ctx).Error().Err(err).Msg("Error deregistering from Nacos")
		}
		nacosClient.Close()
	}

	if err := server.Shutdown(ctx); err != nil {
		logger.Ctx(ctx).Error().Err(err).Msg("Error shutting down http server")
	}

	if err := tp.Shutdown(ctx); err != nil {
		logger.Ctx(ctx).Error().Err(err).Msg("Error shutting down tracer provider")
	}

	logger.Ctx(ctx).Info().Msgf("Service %s gracefully shut down.", info.ServiceName)
}

// outboundIP 拿到本机对外通信使用的 IP，用于服务注册。
func outboundIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", fmt.Errorf("failed to determine outbound IP: %w", err)
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}
