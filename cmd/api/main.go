package main

import (
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/trainu/outreach-gateway/internal/config"
	"github.com/trainu/outreach-gateway/internal/crmsync"
	"github.com/trainu/outreach-gateway/internal/handlers"
	"github.com/trainu/outreach-gateway/internal/queue"
	"github.com/trainu/outreach-gateway/internal/repository"
	"github.com/trainu/outreach-gateway/internal/services"
	"github.com/trainu/outreach-gateway/migrations"
	xhttp "github.com/trainu/outreach-gateway/pkg/http"
	"github.com/trainu/outreach-gateway/pkg/logger"
	"github.com/trainu/outreach-gateway/pkg/pg"
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

	// transport (tcp for now)
	s := xhttp.NewServer(xhttp.DefaultServerOption)
	s.Server.ReadBufferSize = 1024 * 16
	s.Server.WriteBufferSize = 1024 * 16
	s.Use(xhttp.CompressMiddleware(6))
	s.Use(xhttp.TimeoutMiddleware(time.Second * 5))
	s.Use(xhttp.RequestLoggerMiddleware)
	s.Use(xhttp.RecoverMiddleware)
	s.Router = xhttp.CreateDefaultRouter()

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

	if err := pg.Migrate(writeConf, migrations.Files); err != nil {
		logger.Error("failed to run migrations", "error", err)
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

	// The API only enqueues; consuming is the dispatcher binary's job.
	q, err := queue.New(redisAdap, queue.Config{
		Stream:    config.Get().DispatchStream,
		Group:     config.Get().DispatchConsumerGroup,
		Consumer:  config.Get().DispatchConsumerName,
		MaxLen:    config.Get().DispatchMaxLen,
		EnableDLQ: config.Get().DispatchEnableDLQ,
	})
	if err != nil {
		logger.Error("failed creating queue", "error", err)
		return
	}

	messageRepo := repository.NewMessageRepository(db)
	settingsRepo := repository.NewSettingsRepository(db)
	conflictRepo := repository.NewConflictRepository(db)

	// services
	messageService := services.NewMessageService(messageRepo, settingsRepo, q)
	resolver := crmsync.NewResolver(conflictRepo)
	healthService := services.NewHealthService()

	// v1 handlers
	messageHandler := handlers.NewMessageHandler(messageService)
	webhookHandler := handlers.NewWebhookHandler(messageService, resolver)
	conflictHandler := handlers.NewConflictHandler(resolver)
	healthHandler := handlers.NewHealthHandler(healthService)

	g := s.Router.Group("/api/v1")
	handlers.RegisterMessageRoutes(g, messageHandler)
	handlers.RegisterWebhookRoutes(g, webhookHandler)
	handlers.RegisterConflictRoutes(g, conflictHandler)
	handlers.RegisterHealthRoutes(g, healthHandler)

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	go func() {
		var err = s.ListenAndServe(config.Get().HttpListenAddr)
		if err != nil {
			logger.Error("error in running http-server", "error", err)
		}
	}()

	select {
	case <-c:
		s.Shutdown()
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
