// internal/pkg/bootstrap/config.go
package bootstrap

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"stockpilot/internal/pkg/nacos"
)

// Duration 让 yaml 里可以写 "30s"、"500ms" 这样的时长。
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config 是所有服务共享的配置结构。
// 加载顺序：默认值 -> 本地 yaml -> Nacos 配置中心(可选) -> 环境变量。
type Config struct {
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`

	Infra struct {
		Kafka struct {
			Brokers []string `yaml:"brokers"`
		} `yaml:"kafka"`
		Mysql struct {
			DSN string `yaml:"dsn"`
		} `yaml:"mysql"`
		Redis struct {
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
		} `yaml:"redis"`
		Jaeger struct {
			Endpoint string `yaml:"endpoint"`
		} `yaml:"jaeger"`
		Nacos struct {
			Enabled     bool   `yaml:"enabled"`
			ServerAddrs string `yaml:"serverAddrs"`
			Namespace   string `yaml:"namespace"`
			Group       string `yaml:"group"`
			DataID      string `yaml:"dataId"`
		} `yaml:"nacos"`
	} `yaml:"infra"`

	Saga struct {
		// 预留库存后等待下游回应的期限，超时触发补偿
		Timeout Duration `yaml:"timeout"`
		// 乐观锁冲突时账本事务的本地重试上限
		MaxReserveRetries int `yaml:"maxReserveRetries"`
		// 每个消费主题的工作协程数
		ConsumerWorkers int `yaml:"consumerWorkers"`
		// 瞬时错误的最大投递重试次数，超过进死信
		MaxDeliveryRetries int `yaml:"maxDeliveryRetries"`
		// 超时监视器的轮询周期
		PollInterval Duration `yaml:"pollInterval"`
	} `yaml:"saga"`
}

func defaultConfig() *Config {
	cfg := &Config{}
	cfg.Log.Level = "info"
	cfg.Infra.Kafka.Brokers = []string{"localhost:9092"}
	cfg.Infra.Mysql.DSN = "root:root@tcp(localhost:3306)/stockpilot?charset=utf8mb4&parseTime=True&loc=UTC"
	cfg.Infra.Redis.Addr = "localhost:6379"
	cfg.Infra.Jaeger.Endpoint = "http://localhost:14268/api/traces"
	cfg.Infra.Nacos.Group = "DEFAULT_GROUP"
	cfg.Infra.Nacos.DataID = "stockpilot.yaml"
	cfg.Saga.Timeout = Duration(2 * time.Minute)
	cfg.Saga.MaxReserveRetries = 3
	cfg.Saga.ConsumerWorkers = 4
	cfg.Saga.MaxDeliveryRetries = 5
	cfg.Saga.PollInterval = Duration(time.Second)
	return cfg
}

var currentConfig atomic.Pointer[Config]

// GetCurrentConfig 返回进程内生效的配置。必须先调用 Init。
func GetCurrentConfig() *Config {
	cfg := currentConfig.Load()
	if cfg == nil {
		panic("bootstrap: config not initialized, call bootstrap.Init() first")
	}
	return cfg
}

// Init 加载配置并缓存为全局当前配置。
func Init() {
	cfg, err := loadConfig()
	if err != nil {
		panic(fmt.Sprintf("bootstrap: failed to load config: %v", err))
	}
	currentConfig.Store(cfg)
}

func loadConfig() (*Config, error) {
	cfg := defaultConfig()

	path := getEnv("CONFIG_FILE", "configs/config.yaml")
	if raw, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	// 配置中心的内容覆盖本地文件
	if addrs := getEnv("NACOS_SERVER_ADDRS", cfg.Infra.Nacos.ServerAddrs); addrs != "" && cfg.Infra.Nacos.Enabled {
		client, err := nacos.NewClient(addrs, getEnv("NACOS_NAMESPACE", cfg.Infra.Nacos.Namespace), getEnv("NACOS_GROUP", cfg.Infra.Nacos.Group))
		if err != nil {
			return nil, err
		}
		defer client.Close()
		content, err := client.GetConfig(cfg.Infra.Nacos.DataID)
		if err != nil {
			return nil, err
		}
		if content != "" {
			if err := yaml.Unmarshal([]byte(content), cfg); err != nil {
				return nil, fmt.Errorf("parse nacos config %s: %w", cfg.Infra.Nacos.DataID, err)
			}
		}
	}

	// 环境变量兜底覆盖，容器部署时最方便
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Infra.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("MYSQL_DSN"); v != "" {
		cfg.Infra.Mysql.DSN = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Infra.Redis.Addr = v
	}
	if v := os.Getenv("JAEGER_ENDPOINT"); v != "" {
		cfg.Infra.Jaeger.Endpoint = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
