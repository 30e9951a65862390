package config

import (
	"time"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/trainu/outreach-gateway/pkg/logger"
)

const ConfigTagName = "env"
const ConfigDefaultTagName = "default"

var config *Config

// Config holds every env-driven value for both binaries. Only this struct
// must be used to hold configuration values, no direct access to env, ini or
// any other config source should be made.
type Config struct {
	AppEnv              string `env:"APP_ENV" default:"dev"`
	AppName             string `env:"APP_NAME" default:"outreach_gateway"`
	AppDebug            bool   `env:"APP_DEBUG" default:"1"`
	AppDebugMetricsAddr string `env:"APP_DEBUG_METRIC_ADDR"`
	AppDebugMetricsURI  string `env:"APP_DEBUG_METRIC_URI"`

	HttpListenAddr            string `env:"HTTP_LISTEN_ADDR" validation:"mustExists"`
	HttpServerReadTimeout     int    `env:"HTTP_SERVER_READ_TIMEOUT"`
	HttpServerWriteTimeout    int    `env:"HTTP_SERVER_WRITE_TIMEOUT"`
	HttpServerReadBufferSize  int    `env:"HTTP_SERVER_READ_BUFFER_SIZE"`
	HttpServerWriteBufferSize int    `env:"HTTP_SERVER_WRITE_BUFFER_SIZE"`

	PostgresReadHost     string `env:"POSTGRES_READ_HOST"`
	PostgresReadPort     string `env:"POSTGRES_READ_PORT"`
	PostgresReadUser     string `env:"POSTGRES_READ_USER"`
	PostgresReadPassword string `env:"POSTGRES_READ_PASSWORD"`
	PostgresReadDatabase string `env:"POSTGRES_READ_DBNAME"`

	PostgresWriteHost     string `env:"POSTGRES_WRITE_HOST"`
	PostgresWritePort     string `env:"POSTGRES_WRITE_PORT"`
	PostgresWriteUser     string `env:"POSTGRES_WRITE_USER"`
	PostgresWritePassword string `env:"POSTGRES_WRITE_PASSWORD"`
	PostgresWriteDatabase string `env:"POSTGRES_WRITE_DBNAME"`

	RedisAddr               string `env:"REDIS_ADDR"`
	RedisUsername           string `env:"REDIS_USER"`
	RedisPassword           string `env:"REDIS_PASS"`
	RedisDatabase           int    `env:"REDIS_DATABASE"`
	RedisUniversalKeyPrefix string `env:"REDIS_UNIVERSAL_KEY_PREFIX"`

	PromNamespace string `env:"PROM_NAMESPACE"`

	ProfilerEnable bool `env:"PROFILER_ENABLE"`
	ProfilerPort   int  `env:"PROFILER_PORT"`

	LogLevel []string `env:"LOG_LEVEL"`

	DispatchStream            string        `env:"DISPATCH_STREAM" default:"outreach:dispatch"`
	DispatchConsumerGroup     string        `env:"DISPATCH_CONSUMER_GROUP" default:"dispatchers"`
	DispatchConsumerName      string        `env:"DISPATCH_CONSUMER_NAME"`
	DispatchMaxDeliveries     int           `env:"DISPATCH_MAX_DELIVERIES"`
	DispatchVisibilityTimeout time.Duration `env:"DISPATCH_VISIBILITY_TIMEOUT"`
	DispatchPollInterval      time.Duration `env:"DISPATCH_POLL_INTERVAL"`
	DispatchBatchSize         int64         `env:"DISPATCH_BATCH_SIZE"`
	DispatchMaxLen            int64         `env:"DISPATCH_MAX_LEN"`
	DispatchEnableDLQ         bool          `env:"DISPATCH_ENABLE_DLQ" default:"1"`
	DispatchWorkerCount       int           `env:"DISPATCH_WORKER_COUNT" default:"4"`

	SchedulerTickInterval time.Duration `env:"SCHEDULER_TICK_INTERVAL" default:"30s"`
	SchedulerBatchSize    int           `env:"SCHEDULER_BATCH_SIZE" default:"100"`

	RateLimitCapacity       int           `env:"RATE_LIMIT_CAPACITY" default:"10"`
	RateLimitRefillInterval time.Duration `env:"RATE_LIMIT_REFILL_INTERVAL" default:"1s"`

	SendRetryBaseDelay   time.Duration `env:"SEND_RETRY_BASE_DELAY" default:"1s"`
	SendRetryMaxDelay    time.Duration `env:"SEND_RETRY_MAX_DELAY" default:"5s"`
	SendRetryMaxAttempts int           `env:"SEND_RETRY_MAX_ATTEMPTS" default:"3"`

	ProviderUrl         string        `env:"PROVIDER_URL"`
	ProviderApiKey      string        `env:"PROVIDER_API_KEY"`
	ProviderSendTimeout time.Duration `env:"PROVIDER_SEND_TIMEOUT" default:"10s"`
}

func Load(path string) error {
	logger.Info("loading configs..", "path", path)
	c := &Config{}
	var err error
	if path != "" {
		logger.Info("trying to publish env from file", "path", path)
		err = godotenv.Load(path)
		if err != nil {
			return errors.New("failed to load configuration file " + path + " error: " + err.Error())
		}
	}

	_, err = env.UnmarshalFromEnviron(c)

	if err != nil {
		return errors.New("failed to map env variables to Configuration object " + " error: " + err.Error())
	}

	config = c
	return nil
}

func Get() *Config {
	if config == nil {
		logger.Panic("Config is not initialized")
	}
	return config
}
