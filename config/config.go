package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	JWT        JWTConfig        `mapstructure:"jwt"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Websocket  WebsocketConfig  `mapstructure:"websocket"`
	RateLimit  RateLimitConfig  `mapstructure:"ratelimit"`
	WorkerPool WorkerPoolConfig `mapstructure:"worker_pool"`
	Gateway    GatewayConfig    `mapstructure:"gateway"`
	Chat       ChatConfig       `mapstructure:"chat"`
	GRPC       GRPCConfig       `mapstructure:"grpc"`
}

type ServerConfig struct {
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

// DatabaseConfig selects the gorm driver. Driver is "postgres" or "sqlite";
// for sqlite only Path is used.
type DatabaseConfig struct {
	Driver       string        `mapstructure:"driver"`
	Host         string        `mapstructure:"host"`
	Port         string        `mapstructure:"port"`
	User         string        `mapstructure:"user"`
	Password     string        `mapstructure:"password"`
	DBName       string        `mapstructure:"dbname"`
	Path         string        `mapstructure:"path"`
	MaxIdleConns int           `mapstructure:"max_idle_conns"`
	MaxOpenConns int           `mapstructure:"max_open_conns"`
	QueryTimeout time.Duration `mapstructure:"query_timeout"`
	LogLevel     string        `mapstructure:"log_level"`
}

type RedisConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
}

type KafkaConfig struct {
	Enabled  bool     `mapstructure:"enabled"`
	Brokers  []string `mapstructure:"brokers"`
	Topic    string   `mapstructure:"topic"`
	ClientID string   `mapstructure:"client_id"`
	// GroupPrefix is suffixed with the gateway node id so that every node
	// consumes every relayed event.
	GroupPrefix    string `mapstructure:"group_prefix"`
	MaxRetries     int    `mapstructure:"max_retries"`
	RetryBackoffMs int    `mapstructure:"retry_backoff_ms"`
}

type JWTConfig struct {
	Secret       string `mapstructure:"secret"`
	ExpireHours  int    `mapstructure:"expire_hours"`
	RefreshHours int    `mapstructure:"refresh_hours"`
	// Required makes a valid token mandatory on the HTTP API and on the
	// socket auth event.
	Required bool `mapstructure:"required"`
}

type LoggingConfig struct {
	Level    string `mapstructure:"level"`
	Format   string `mapstructure:"format"`
	Output   string `mapstructure:"output"`
	FilePath string `mapstructure:"file_path"`
}

type WebsocketConfig struct {
	ReadBufferSize  int           `mapstructure:"read_buffer_size"`
	WriteBufferSize int           `mapstructure:"write_buffer_size"`
	MaxMessageSize  int64         `mapstructure:"max_message_size"`
	WriteWait       time.Duration `mapstructure:"write_wait"`
	PongWait        time.Duration `mapstructure:"pong_wait"`
	SendBuffer      int           `mapstructure:"send_buffer"`
	PresenceTTL     time.Duration `mapstructure:"presence_ttl"`
}

type RateLimitConfig struct {
	QPS            int           `mapstructure:"qps"`
	MaxConcurrency int           `mapstructure:"max_concurrency"`
	MessageLimit   int           `mapstructure:"message_limit"`
	MessageWindow  time.Duration `mapstructure:"message_window"`
}

type WorkerPoolConfig struct {
	Size      int `mapstructure:"size"`
	QueueSize int `mapstructure:"queue_size"`
}

type GatewayConfig struct {
	NodeID string         `mapstructure:"node_id"`
	Nodes  map[string]int `mapstructure:"nodes"`
	// Relay is one of "local", "redis" or "kafka".
	Relay string `mapstructure:"relay"`
}

type ChatConfig struct {
	HistoryDefaultLimit int  `mapstructure:"history_default_limit"`
	HistoryMaxLimit     int  `mapstructure:"history_max_limit"`
	EnforceMembership   bool `mapstructure:"enforce_membership"`
	MaxPayloadBytes     int  `mapstructure:"max_payload_bytes"`
}

type GRPCConfig struct {
	Port int `mapstructure:"port"`
}

// Addr 返回 Redis 地址
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 4000)
	v.SetDefault("server.mode", "release")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "data/nyx.db")
	v.SetDefault("database.host", "127.0.0.1")
	v.SetDefault("database.port", "5432")
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.max_open_conns", 50)
	v.SetDefault("database.query_timeout", 5*time.Second)
	v.SetDefault("database.log_level", "warn")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "127.0.0.1")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.pool_size", 20)
	v.SetDefault("redis.min_idle_conns", 2)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.topic", "nyx.events")
	v.SetDefault("kafka.client_id", "nyx")
	v.SetDefault("kafka.group_prefix", "nyx-relay")
	v.SetDefault("kafka.max_retries", 5)
	v.SetDefault("kafka.retry_backoff_ms", 100)

	v.SetDefault("jwt.secret", "nyx-secret-key-change-in-production")
	v.SetDefault("jwt.expire_hours", 720)
	v.SetDefault("jwt.refresh_hours", 1440)
	v.SetDefault("jwt.required", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("websocket.read_buffer_size", 4096)
	v.SetDefault("websocket.write_buffer_size", 4096)
	v.SetDefault("websocket.max_message_size", 8<<20)
	v.SetDefault("websocket.write_wait", 10*time.Second)
	v.SetDefault("websocket.pong_wait", 60*time.Second)
	v.SetDefault("websocket.send_buffer", 256)
	v.SetDefault("websocket.presence_ttl", 2*time.Minute)

	v.SetDefault("ratelimit.qps", 200)
	v.SetDefault("ratelimit.max_concurrency", 1000)
	v.SetDefault("ratelimit.message_limit", 30)
	v.SetDefault("ratelimit.message_window", 10*time.Second)

	v.SetDefault("worker_pool.size", 64)
	v.SetDefault("worker_pool.queue_size", 4096)

	v.SetDefault("gateway.node_id", "node-1")
	v.SetDefault("gateway.relay", "local")

	v.SetDefault("chat.history_default_limit", 50)
	v.SetDefault("chat.history_max_limit", 200)
	v.SetDefault("chat.enforce_membership", true)
	v.SetDefault("chat.max_payload_bytes", 5<<20)

	v.SetDefault("grpc.port", 0)
}

// LoadConfig 读取配置文件并叠加环境变量 (NYX_SERVER_PORT 等)
// path 为空时只使用默认值与环境变量
func LoadConfig(path string) (*Config, error) {
	// .env 不存在时忽略
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("NYX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate 校验配置的取值范围
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("不支持的数据库驱动: %q", c.Database.Driver)
	}
	switch c.Gateway.Relay {
	case "local":
	case "redis":
		if !c.Redis.Enabled {
			return fmt.Errorf("relay=redis 需要启用 redis")
		}
	case "kafka":
		if !c.Kafka.Enabled || len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("relay=kafka 需要配置 kafka.brokers")
		}
	default:
		return fmt.Errorf("未知的 relay 类型: %q", c.Gateway.Relay)
	}
	if c.Chat.HistoryMaxLimit > 0 && c.Chat.HistoryDefaultLimit > c.Chat.HistoryMaxLimit {
		return fmt.Errorf("history_default_limit (%d) 大于 history_max_limit (%d)",
			c.Chat.HistoryDefaultLimit, c.Chat.HistoryMaxLimit)
	}
	if c.Gateway.NodeID == "" {
		return fmt.Errorf("gateway.node_id 不能为空")
	}
	return nil
}
