package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SendRequest mirrors the dispatcher's provider call.
type SendRequest struct {
	MessageID   string `json:"message_id" binding:"required"`
	OwnerID     int64  `json:"owner_id"`
	RecipientID string `json:"recipient_id" binding:"required"`
	Channel     string `json:"channel" binding:"required"`
	Content     string `json:"content" binding:"required"`
}

type SendResponse struct {
	ProviderMessageID string    `json:"provider_message_id"`
	AcceptedAt        time.Time `json:"accepted_at"`
}

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Receipt is the callback fired after a simulated delivery.
type Receipt struct {
	ProviderMessageID string    `json:"provider_message_id"`
	Status            string    `json:"status"`
	OccurredAt        time.Time `json:"occurred_at"`
}

// SimProvider fakes a delivery provider: accepts sends, dedupes on the
// idempotency key, fails a configurable fraction of requests and posts
// delivered/read receipts back at the gateway's webhook.
type SimProvider struct {
	acceptRate  float64
	readRate    float64
	minDelay    time.Duration
	maxDelay    time.Duration
	callbackURL string
	providerID  string
	rng         *rand.Rand

	mu       sync.Mutex
	accepted map[string]SendResponse // idempotency key -> first response
}

func NewSimProvider(acceptRate, readRate float64, minDelay, maxDelay time.Duration, callbackURL string) *SimProvider {
	return &SimProvider{
		acceptRate:  acceptRate,
		readRate:    readRate,
		minDelay:    minDelay,
		maxDelay:    maxDelay,
		callbackURL: callbackURL,
		providerID:  "SIM_" + uuid.New().String()[:8],
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		accepted:    make(map[string]SendResponse),
	}
}

func (p *SimProvider) randomDelay() time.Duration {
	if p.maxDelay <= p.minDelay {
		return p.minDelay
	}
	return p.minDelay + time.Duration(p.rng.Int63n(int64(p.maxDelay-p.minDelay)))
}

func (p *SimProvider) accept(key string) (SendResponse, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if resp, ok := p.accepted[key]; ok {
		return resp, true
	}
	resp := SendResponse{
		ProviderMessageID: p.providerID + "-" + uuid.New().String(),
		AcceptedAt:        time.Now().UTC(),
	}
	p.accepted[key] = resp
	return resp, false
}

func (p *SimProvider) randomError() ErrorResponse {
	codes := []ErrorResponse{
		{Code: "RATE_LIMITED", Message: "Too many requests for this account"},
		{Code: "UPSTREAM_TIMEOUT", Message: "Carrier did not answer in time"},
		{Code: "UNKNOWN_RECIPIENT", Message: "The recipient does not exist"},
		{Code: "CONTENT_REJECTED", Message: "Message content violates carrier policy"},
	}
	return codes[p.rng.Intn(len(codes))]
}

func statusFor(code string) int {
	switch code {
	case "RATE_LIMITED":
		return http.StatusTooManyRequests
	case "UPSTREAM_TIMEOUT":
		return http.StatusBadGateway
	default:
		return http.StatusUnprocessableEntity
	}
}

// fireReceipts posts a delivered receipt and, for a fraction of messages, a
// read receipt afterwards.
func (p *SimProvider) fireReceipts(providerMessageID string) {
	if p.callbackURL == "" {
		return
	}

	post := func(status string) {
		body, _ := json.Marshal(Receipt{
			ProviderMessageID: providerMessageID,
			Status:            status,
			OccurredAt:        time.Now().UTC(),
		})
		resp, err := http.Post(p.callbackURL, "application/json", bytes.NewReader(body))
		if err != nil {
			log.Warn().Err(err).Str("provider_message_id", providerMessageID).Msg("receipt callback failed")
			return
		}
		resp.Body.Close()
		log.Info().
			Str("provider_message_id", providerMessageID).
			Str("status", status).
			Int("http_status", resp.StatusCode).
			Msg("receipt delivered")
	}

	time.Sleep(p.randomDelay())
	post("delivered")

	if p.rng.Float64() < p.readRate {
		time.Sleep(p.randomDelay())
		post("read")
	}
}

type Handler struct {
	provider *SimProvider
}

func (h *Handler) Send(c *gin.Context) {
	var req SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Code: "BAD_REQUEST", Message: err.Error()})
		return
	}

	key := c.GetHeader("Idempotency-Key")
	if key == "" {
		key = req.MessageID
	}

	if h.provider.rng.Float64() >= h.provider.acceptRate {
		errResp := h.provider.randomError()
		log.Warn().
			Str("message_id", req.MessageID).
			Str("code", errResp.Code).
			Msg("send rejected")
		c.JSON(statusFor(errResp.Code), errResp)
		return
	}

	resp, replay := h.provider.accept(key)
	if replay {
		log.Info().Str("message_id", req.MessageID).Msg("duplicate send, replaying original response")
		c.JSON(http.StatusOK, resp)
		return
	}

	log.Info().
		Str("message_id", req.MessageID).
		Str("channel", req.Channel).
		Str("provider_message_id", resp.ProviderMessageID).
		Msg("send accepted")

	go h.provider.fireReceipts(resp.ProviderMessageID)

	c.JSON(http.StatusOK, resp)
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "healthy",
		"provider_id": h.provider.providerID,
		"accept_rate": h.provider.acceptRate,
		"timestamp":   time.Now().UTC(),
	})
}

func (h *Handler) UpdateConfig(c *gin.Context) {
	var cfg struct {
		AcceptRate *float64 `json:"accept_rate"`
		ReadRate   *float64 `json:"read_rate"`
	}
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Code: "BAD_REQUEST", Message: err.Error()})
		return
	}
	if cfg.AcceptRate != nil && *cfg.AcceptRate >= 0 && *cfg.AcceptRate <= 1 {
		h.provider.acceptRate = *cfg.AcceptRate
	}
	if cfg.ReadRate != nil && *cfg.ReadRate >= 0 && *cfg.ReadRate <= 1 {
		h.provider.readRate = *cfg.ReadRate
	}
	c.JSON(http.StatusOK, gin.H{
		"accept_rate": h.provider.acceptRate,
		"read_rate":   h.provider.readRate,
	})
}

func SetupRouter(handler *Handler) *gin.Engine {
	router := gin.Default()

	v1 := router.Group("/api/v1")
	{
		v1.POST("/messages/send", handler.Send)
		v1.GET("/health", handler.Health)
		v1.PUT("/config", handler.UpdateConfig)
	}
	router.GET("/health", handler.Health)

	return router
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	port := getEnv("PORT", "8081")
	acceptRate := getEnvFloat("ACCEPT_RATE", 0.95)
	readRate := getEnvFloat("READ_RATE", 0.6)
	minDelay := getEnvDuration("MIN_DELAY", 500*time.Millisecond)
	maxDelay := getEnvDuration("MAX_DELAY", 3*time.Second)
	callbackURL := getEnv("CALLBACK_URL", "")

	log.Info().
		Str("port", port).
		Float64("accept_rate", acceptRate).
		Float64("read_rate", readRate).
		Str("callback_url", callbackURL).
		Msg("starting delivery provider simulator")

	provider := NewSimProvider(acceptRate, readRate, minDelay, maxDelay, callbackURL)
	handler := &Handler{provider: provider}
	router := SetupRouter(handler)

	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server exited")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		var f float64
		if _, err := fmt.Sscanf(value, "%f", &f); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
