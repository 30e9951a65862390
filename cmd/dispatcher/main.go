package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/trainu/outreach-gateway/internal/config"
	"github.com/trainu/outreach-gateway/internal/dispatcher"
	gateway "github.com/trainu/outreach-gateway/internal/gateways"
	"github.com/trainu/outreach-gateway/internal/queue"
	"github.com/trainu/outreach-gateway/internal/ratelimit"
	"github.com/trainu/outreach-gateway/internal/repository"
	"github.com/trainu/outreach-gateway/internal/scheduler"
	"github.com/trainu/outreach-gateway/pkg/logger"
	"github.com/trainu/outreach-gateway/pkg/pg"
	"github.com/trainu/outreach-gateway/pkg/prom"
	"github.com/trainu/outreach-gateway/pkg/redis"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {

	err := config.Load(argContainsEnvPath())
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return
	}

	readConf := pg.Config{
		User:     config.Get().PostgresReadUser,
		Host:     config.Get().PostgresReadHost,
		Port:     config.Get().PostgresReadPort,
		Password: config.Get().PostgresReadPassword,
		Database: config.Get().PostgresReadDatabase,
	}
	writeConf := pg.Config{
		User:     config.Get().PostgresWriteUser,
		Host:     config.Get().PostgresWriteHost,
		Port:     config.Get().PostgresWritePort,
		Password: config.Get().PostgresWritePassword,
		Database: config.Get().PostgresWriteDatabase,
	}

	pgDebug := false
	if config.Get().AppEnv == "dev" {
		pgDebug = true
	}
	db, err := pg.CreateReadWrite(readConf, writeConf, pgDebug)
	if err != nil {
		logger.Error("failed connecting to pg", "error", err)
		return
	}

	redisAdap, err := redis.NewRedisAdapter("default", config.Get().RedisUniversalKeyPrefix, &redis.Options{
		Addrs:      []string{config.Get().RedisAddr},
		ClientName: "default",
		DB:         config.Get().RedisDatabase,
		Username:   config.Get().RedisUsername,
		Password:   config.Get().RedisPassword,
	})
	if err != nil {
		logger.Error("failed connecting to redis", "error", err)
		return
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	provider, err := gateway.NewHTTPProvider(&gateway.Config{
		Name:            "primary",
		URL:             config.Get().ProviderUrl,
		Timeout:         config.Get().ProviderSendTimeout,
		MaxConns:        1000,
		ReadBufferSize:  1024 * 4,
		WriteBufferSize: 1024 * 4,
	})
	if err != nil {
		logger.Error("failed to create provider", "error", err)
		return
	}

	retry := gateway.DefaultRetryPolicy()
	if config.Get().SendRetryBaseDelay > 0 {
		retry.BaseDelay = config.Get().SendRetryBaseDelay
	}
	if config.Get().SendRetryMaxDelay > 0 {
		retry.MaxDelay = config.Get().SendRetryMaxDelay
	}
	if config.Get().SendRetryMaxAttempts > 0 {
		retry.MaxAttempts = config.Get().SendRetryMaxAttempts
	}

	limiters := ratelimit.NewRegistry(
		config.Get().RateLimitCapacity,
		config.Get().RateLimitRefillInterval,
	)
	ledger := dispatcher.NewDeliveryLedger(redisAdap, dispatcher.DefaultLedgerConfig())

	messageRepo := repository.NewMessageRepository(db)
	settingsRepo := repository.NewSettingsRepository(db)

	messageDispatcher := dispatcher.NewMessageDispatcher(
		messageRepo, settingsRepo, provider, retry, limiters, ledger)

	service, err := dispatcher.NewService(redisAdap, messageDispatcher)
	if err != nil {
		logger.Error("failed to create dispatcher service", "error", err)
		return
	}

	// The scheduler shares the dispatch stream: promoted drafts and released
	// quiet-hours parks go through the same consumer group.
	schedQ, err := queue.New(redisAdap, queue.Config{
		Stream:    config.Get().DispatchStream,
		Group:     config.Get().DispatchConsumerGroup,
		Consumer:  config.Get().DispatchConsumerName + "-scheduler",
		MaxLen:    config.Get().DispatchMaxLen,
		EnableDLQ: config.Get().DispatchEnableDLQ,
	})
	if err != nil {
		logger.Error("failed creating queue", "error", err)
		return
	}
	sched := scheduler.New(messageRepo, settingsRepo, schedQ, scheduler.Config{
		TickInterval: config.Get().SchedulerTickInterval,
		BatchSize:    config.Get().SchedulerBatchSize,
	})

	var hostname string
	hostname, err = os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	err = prom.Create(hostname, config.Get().AppEnv, config.Get().PromNamespace)
	if err != nil {
		logger.Error("failed to create prometheus metrics", "error", err)
		return
	}

	go func() {
		prom.ListenAndServer(":9100", "/metrics")
	}()

	schedCtx, stopSched := context.WithCancel(context.Background())
	go sched.Run(schedCtx)

	go func() {
		err := service.Start()
		if err != nil {
			logger.Error("failed to start dispatcher", "error", err)
		}
	}()

	select {
	case <-c:
		stopSched()
		service.Stop()
	}
}

func argContainsEnvPath() string {
	for _, v := range os.Args {
		if strings.Contains(v, "--env=") {
			s := strings.Split(v, "=")
			if _, err := os.Open(s[1]); err != nil {
				logger.Error("failed to open the passed env file, got error" + err.Error())
				return ""
			}
			return s[1]
		}
	}
	return ""
}
