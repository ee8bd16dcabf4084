package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/gagliardetto/solana-go"
	"github.com/joho/godotenv"
)

// Log configures pkg/logging.
type Log struct {
	Level    string `env:"LOG_LEVEL" envDefault:"info"`
	Encoding string `env:"LOG_ENCODING" envDefault:"json"`
}

// Upstream configures the JSON-RPC pubsub event source.
type Upstream struct {
	WSEndpoint       string        `env:"WS_ENDPOINT,required"`
	HTTPEndpoint     string        `env:"HTTP_ENDPOINT"`
	Token            string        `env:"TOKEN"`
	Commitment       string        `env:"COMMITMENT" envDefault:"confirmed"`
	HandshakeTimeout time.Duration `env:"HANDSHAKE_TIMEOUT" envDefault:"10s"`
	InitialBackoff   time.Duration `env:"INITIAL_BACKOFF" envDefault:"1s"`
	MaxBackoff       time.Duration `env:"MAX_BACKOFF" envDefault:"30s"`
	QueueSize        int           `env:"QUEUE_SIZE" envDefault:"1024"`
}

// Tracking names the account the consumer follows.
type Tracking struct {
	Address             string `env:"TRACKED_ADDRESS,required"`
	ProgramID           string `env:"PROGRAM_ID"`
	IncludeTransactions bool   `env:"INCLUDE_TRANSACTIONS" envDefault:"false"`
}

// ClickHouse configures the time-series backend.
type ClickHouse struct {
	Addr            string        `env:"CLICKHOUSE_ADDR" envDefault:"clickhouse://localhost:9000?sslmode=disable"`
	Database        string        `env:"CLICKHOUSE_DATABASE" envDefault:"bondingx"`
	MaxOpenConns    int           `env:"CLICKHOUSE_MAX_OPEN_CONNS" envDefault:"20"`
	MaxIdleConns    int           `env:"CLICKHOUSE_MAX_IDLE_CONNS" envDefault:"5"`
	ConnMaxLifetime time.Duration `env:"CLICKHOUSE_CONN_MAX_LIFETIME" envDefault:"5m"`
	ConnStrategy    string        `env:"CLICKHOUSE_CONN_STRATEGY" envDefault:"in_order"`
}

// Redis configures the account-config cache.
type Redis struct {
	Enabled  bool          `env:"REDIS_ENABLED" envDefault:"false"`
	Host     string        `env:"REDIS_HOST" envDefault:"localhost"`
	Port     string        `env:"REDIS_PORT" envDefault:"6379"`
	Password string        `env:"REDIS_PASSWORD"`
	DB       int           `env:"REDIS_DB" envDefault:"0"`
	TTL      time.Duration `env:"REDIS_ACCOUNT_TTL" envDefault:"24h"`
}

// Writer configures the time-series writer.
type Writer struct {
	BatchSize     int           `env:"WRITER_BATCH_SIZE" envDefault:"1"`
	FlushInterval time.Duration `env:"WRITER_FLUSH_INTERVAL" envDefault:"1s"`
	MaxAttempts   int           `env:"WRITER_MAX_ATTEMPTS" envDefault:"5"`
	RetryDelay    time.Duration `env:"WRITER_RETRY_DELAY" envDefault:"500ms"`
	RetryMaxDelay time.Duration `env:"WRITER_RETRY_MAX_DELAY" envDefault:"10s"`
}

// History configures the history query service.
type History struct {
	RecencyWindow time.Duration `env:"HISTORY_RECENCY_WINDOW" envDefault:"5s"`
	QueryTimeout  time.Duration `env:"HISTORY_QUERY_TIMEOUT" envDefault:"30s"`
}

// Session configures live sessions.
type Session struct {
	BackfillWindow         time.Duration `env:"SESSION_BACKFILL_WINDOW" envDefault:"24h"`
	TickInterval           time.Duration `env:"SESSION_TICK_INTERVAL" envDefault:"5s"`
	MaxConsecutiveFailures int           `env:"SESSION_MAX_CONSECUTIVE_FAILURES" envDefault:"3"`
	MaxConcurrentBackfills int           `env:"SESSION_MAX_CONCURRENT_BACKFILLS" envDefault:"16"`
}

// Server configures the HTTP listener.
type Server struct {
	Addr string `env:"ADDR" envDefault:":8080"`
}

// Retention configures the partition retention job.
type Retention struct {
	Enabled  bool          `env:"RETENTION_ENABLED" envDefault:"false"`
	Schedule string        `env:"RETENTION_SCHEDULE" envDefault:"@daily"`
	Period   time.Duration `env:"RETENTION_PERIOD" envDefault:"720h"`
}

// Consumer is the configuration of cmd/consumer.
type Consumer struct {
	Log         Log
	Upstream    Upstream `envPrefix:"UPSTREAM_"`
	Tracking    Tracking
	ClickHouse  ClickHouse
	Redis       Redis
	Writer      Writer
	Retention   Retention
	MetricsAddr string `env:"CONSUMER_METRICS_ADDR" envDefault:":9090"`
}

// API is the configuration of cmd/api.
type API struct {
	Log        Log
	ClickHouse ClickHouse
	Redis      Redis
	History    History
	Session    Session
	Server     Server
	// RPCEndpoint serves account fetches for getAccountInfo when no cached config exists.
	RPCEndpoint   string `env:"UPSTREAM_HTTP_ENDPOINT"`
	RPCToken      string `env:"UPSTREAM_TOKEN"`
	RPCCommitment string `env:"UPSTREAM_COMMITMENT" envDefault:"confirmed"`
}

// LoadConsumer reads the consumer configuration from the environment, after loading an optional .env file.
func LoadConsumer() (Consumer, error) {
	_ = godotenv.Load()
	return parseConsumer(env.Options{})
}

// LoadAPI reads the api configuration from the environment, after loading an optional .env file.
func LoadAPI() (API, error) {
	_ = godotenv.Load()
	return parseAPI(env.Options{})
}

func parseConsumer(opts env.Options) (Consumer, error) {
	var cfg Consumer
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Consumer{}, fmt.Errorf("parse consumer config: %w", err)
	}
	if _, err := solana.PublicKeyFromBase58(cfg.Tracking.Address); err != nil {
		return Consumer{}, fmt.Errorf("invalid TRACKED_ADDRESS %q: %w", cfg.Tracking.Address, err)
	}
	if cfg.Tracking.ProgramID != "" {
		if _, err := solana.PublicKeyFromBase58(cfg.Tracking.ProgramID); err != nil {
			return Consumer{}, fmt.Errorf("invalid PROGRAM_ID %q: %w", cfg.Tracking.ProgramID, err)
		}
	}
	if cfg.Writer.BatchSize < 1 {
		return Consumer{}, fmt.Errorf("WRITER_BATCH_SIZE must be positive, got %d", cfg.Writer.BatchSize)
	}
	if cfg.Upstream.QueueSize < 1 {
		return Consumer{}, fmt.Errorf("UPSTREAM_QUEUE_SIZE must be positive, got %d", cfg.Upstream.QueueSize)
	}
	return cfg, nil
}

func parseAPI(opts env.Options) (API, error) {
	var cfg API
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return API{}, fmt.Errorf("parse api config: %w", err)
	}
	if cfg.Session.TickInterval <= 0 {
		return API{}, fmt.Errorf("SESSION_TICK_INTERVAL must be positive, got %s", cfg.Session.TickInterval)
	}
	if cfg.Session.MaxConsecutiveFailures < 1 {
		return API{}, fmt.Errorf("SESSION_MAX_CONSECUTIVE_FAILURES must be positive, got %d", cfg.Session.MaxConsecutiveFailures)
	}
	return cfg, nil
}
