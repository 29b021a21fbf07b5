package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"tapeflow/pkg/errors"
)

type Config struct {
	App           AppConfig
	Feed          FeedConfig
	Kafka         KafkaConfig
	ClickHouse    ClickHouseConfig
	Metrics       MetricsConfig
	Flow          FlowConfig
	Divergence    DivergenceConfig
	Profile       ProfileConfig
	Depth         DepthConfig
	Momentum      MomentumConfig
	Recorder      RecorderConfig
	ErrorTracking ErrorTrackingConfig
}

type AppConfig struct {
	Name     string `envconfig:"APP_NAME" default:"tapeflow"`
	Env      string `envconfig:"APP_ENV" default:"development"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	Debug    bool   `envconfig:"DEBUG" default:"false"`
}

type FeedConfig struct {
	WSURL   string   `envconfig:"FEED_WS_URL" default:"wss://stream.binance.com:9443"`
	RESTURL string   `envconfig:"FEED_REST_URL" default:"https://api.binance.com"`
	Symbols []string `envconfig:"FEED_SYMBOLS" default:"BTCUSDT"`
	// Depth snapshot levels pushed by the exchange (5, 10 or 20).
	DepthLevels      int           `envconfig:"FEED_DEPTH_LEVELS" default:"20"`
	ReconnectDelay   time.Duration `envconfig:"FEED_RECONNECT_DELAY" default:"1s"`
	MaxReconnectWait time.Duration `envconfig:"FEED_MAX_RECONNECT_WAIT" default:"1m"`
	// REST request budget for kline bootstrap.
	RequestsPerSecond float64 `envconfig:"FEED_REQUESTS_PER_SECOND" default:"5"`
	BootstrapBars     int     `envconfig:"FEED_BOOTSTRAP_BARS" default:"500"`
	BarInterval       string  `envconfig:"FEED_BAR_INTERVAL" default:"1m"`
}

// NormalizedSymbols returns the configured symbols uppercased and trimmed.
func (c FeedConfig) NormalizedSymbols() []string {
	out := make([]string, 0, len(c.Symbols))
	for _, s := range c.Symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

type KafkaConfig struct {
	Enabled bool     `envconfig:"KAFKA_ENABLED" default:"false"`
	Brokers []string `envconfig:"KAFKA_BROKERS" default:"localhost:9092"`
}

type ClickHouseConfig struct {
	Enabled  bool   `envconfig:"CLICKHOUSE_ENABLED" default:"false"`
	Host     string `envconfig:"CLICKHOUSE_HOST" default:"localhost"`
	Port     int    `envconfig:"CLICKHOUSE_PORT" default:"9000"`
	User     string `envconfig:"CLICKHOUSE_USER" default:"default"`
	Password string `envconfig:"CLICKHOUSE_PASSWORD"`
	Database string `envconfig:"CLICKHOUSE_DB" default:"tapeflow"`
}

func (c ClickHouseConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type MetricsConfig struct {
	Enabled bool   `envconfig:"METRICS_ENABLED" default:"true"`
	Addr    string `envconfig:"METRICS_ADDR" default:":9100"`
}

type FlowConfig struct {
	TradeHistorySize   int           `envconfig:"FLOW_TRADE_HISTORY_SIZE" default:"10000"`
	ImbalanceThreshold float64       `envconfig:"FLOW_IMBALANCE_THRESHOLD" default:"0.1"`
	Window             time.Duration `envconfig:"FLOW_WINDOW" default:"1s"`
	SnapshotInterval   time.Duration `envconfig:"FLOW_SNAPSHOT_INTERVAL" default:"1s"`
	HistorySize        int           `envconfig:"FLOW_HISTORY_SIZE" default:"1000"`
}

type DivergenceConfig struct {
	Window      int     `envconfig:"DIVERGENCE_WINDOW" default:"5"`
	HiddenRatio float64 `envconfig:"DIVERGENCE_HIDDEN_RATIO" default:"1.5"`
}

type ProfileConfig struct {
	Bins             int     `envconfig:"PROFILE_BINS" default:"50"`
	ValueAreaPercent float64 `envconfig:"PROFILE_VALUE_AREA_PERCENT" default:"70"`
}

type DepthConfig struct {
	Levels        int     `envconfig:"DEPTH_LEVELS" default:"10"`
	FlowThreshold float64 `envconfig:"DEPTH_FLOW_THRESHOLD" default:"10"`
	HistorySize   int     `envconfig:"DEPTH_HISTORY_SIZE" default:"1000"`
}

type MomentumConfig struct {
	RSIPeriod       int     `envconfig:"MOMENTUM_RSI_PERIOD" default:"14"`
	MACDFast        int     `envconfig:"MOMENTUM_MACD_FAST" default:"12"`
	MACDSlow        int     `envconfig:"MOMENTUM_MACD_SLOW" default:"26"`
	MACDSignal      int     `envconfig:"MOMENTUM_MACD_SIGNAL" default:"9"`
	BollingerPeriod int     `envconfig:"MOMENTUM_BOLLINGER_PERIOD" default:"20"`
	BollingerStdDev float64 `envconfig:"MOMENTUM_BOLLINGER_STD_DEV" default:"2.0"`
}

type RecorderConfig struct {
	Enabled       bool          `envconfig:"RECORDER_ENABLED" default:"false"`
	BatchSize     int           `envconfig:"RECORDER_BATCH_SIZE" default:"500"`
	FlushInterval time.Duration `envconfig:"RECORDER_FLUSH_INTERVAL" default:"5s"`
}

type ErrorTrackingConfig struct {
	Enabled     bool   `envconfig:"ERROR_TRACKING_ENABLED" default:"false"`
	Provider    string `envconfig:"ERROR_TRACKING_PROVIDER" default:"sentry"`
	SentryDSN   string `envconfig:"SENTRY_DSN"`
	Environment string `envconfig:"SENTRY_ENVIRONMENT" default:"production"`
}

// Load reads configuration from environment variables
// It first tries to load .env file (useful for local development)
func Load() (*Config, error) {
	// Load .env file if exists (ignore error if not exists)
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to process env config")
	}

	return &cfg, nil
}
