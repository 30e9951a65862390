package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/trainu/outreach-gateway/internal/config"
	"github.com/trainu/outreach-gateway/internal/queue"
	"github.com/trainu/outreach-gateway/pkg/logger"
	"github.com/trainu/outreach-gateway/pkg/prom"
	"github.com/trainu/outreach-gateway/pkg/redis"
	"github.com/trainu/outreach-gateway/pkg/worker"
)

const DispatchTimeout = time.Second * 30
const HealthInterval = time.Second * 30
const ShutdownTimeout = time.Minute

// Service consumes the dispatch stream and fans deliveries out over a worker
// pool. Several consumer instances share one consumer group, so entries are
// load-balanced and an unacked entry moves to a healthy instance.
type Service struct {
	adapter    redis.RedisAdapter
	queues     []*queue.Queue
	dispatcher *MessageDispatcher
	metrics    *ServiceMetrics
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	worker     *worker.WorkerManager
}

func NewService(redisAdapter redis.RedisAdapter, dispatcher *MessageDispatcher) (*Service, error) {
	ctx, cancel := context.WithCancel(context.Background())
	workers := config.Get().DispatchWorkerCount
	if workers <= 0 {
		workers = 4
	}
	service := &Service{
		adapter:    redisAdapter,
		queues:     make([]*queue.Queue, 0),
		dispatcher: dispatcher,
		metrics:    NewServiceMetrics(),
		ctx:        ctx,
		cancel:     cancel,
		worker:     worker.NewWorkerManager(10_000, workers, nil),
	}
	return service, nil
}

func (s *Service) Start() error {
	logger.Info("starting dispatcher service...")

	s.worker.SetWorker(s.workerHandler)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.worker.Start(); err != nil {
			logger.Error("worker manager stopped", "error", err)
		}
	}()

	consumers := config.Get().DispatchWorkerCount
	if consumers <= 0 {
		consumers = 4
	}
	for i := 0; i < consumers; i++ {
		queueConfig := queue.Config{
			Stream:            config.Get().DispatchStream,
			Group:             config.Get().DispatchConsumerGroup,
			Consumer:          fmt.Sprintf("%s-instance-%d", config.Get().DispatchConsumerName, i),
			MaxDeliveries:     config.Get().DispatchMaxDeliveries,
			VisibilityTimeout: config.Get().DispatchVisibilityTimeout,
			PollInterval:      config.Get().DispatchPollInterval,
			BatchSize:         config.Get().DispatchBatchSize,
			MaxLen:            config.Get().DispatchMaxLen,
			EnableDLQ:         config.Get().DispatchEnableDLQ,
		}

		q, err := queue.New(s.adapter, queueConfig)
		if err != nil {
			return fmt.Errorf("failed to create consumer %d: %w", i, err)
		}

		if err := q.Consume(s.deliveryHandler); err != nil {
			return fmt.Errorf("failed to start consumer %d: %w", i, err)
		}

		s.queues = append(s.queues, q)
	}

	s.wg.Add(2)
	go s.metricsReporter()
	go s.healthChecker()

	logger.Info("dispatcher service started", "consumers", len(s.queues))
	return nil
}

func (s *Service) metricsReporter() {
	defer s.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.reportMetrics()
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Service) reportMetrics() {
	stats := s.metrics.GetStats()

	logger.Info("dispatch metrics",
		"total_dispatched", stats["total_dispatched"],
		"total_failed", stats["total_failed"],
		"rate_per_second", stats["rate_per_second"],
		"avg_duration_ms", stats["avg_duration_ms"],
		"uptime_seconds", stats["uptime_seconds"])

	for i, q := range s.queues {
		if qStats, err := q.GetStats(); err == nil {
			logger.Info("queue stats",
				"queue", i,
				"length", qStats.StreamLength,
				"pending", qStats.PendingEntries,
				"dead_letter", qStats.DeadLetterCount)
			consumer := fmt.Sprintf("%d", i)
			prom.SetQueueDepth(consumer, "stream", float64(qStats.StreamLength))
			prom.SetQueueDepth(consumer, "pending", float64(qStats.PendingEntries))
			prom.SetQueueDepth(consumer, "dead_letter", float64(qStats.DeadLetterCount))
		}
	}
}

func (s *Service) healthChecker() {
	defer s.wg.Done()

	ticker := time.NewTicker(HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.performHealthCheck()
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Service) performHealthCheck() {
	if err := s.adapter.Client().Ping(context.Background()).Err(); err != nil {
		logger.Error("health check failed: redis connection error", "error", err)
		return
	}

	for i, q := range s.queues {
		stats, err := q.GetStats()
		if err != nil {
			logger.Warn("health check: queue stats unavailable", "queue", i, "error", err)
			continue
		}
		if stats.PendingEntries > 10000 {
			logger.Warn("health check: queue has high lag", "queue", i, "pending", stats.PendingEntries)
		}
	}
}

// Stop drains the consumers and the worker pool.
func (s *Service) Stop() {
	logger.Info("shutting down dispatcher service...")

	s.cancel()

	timeout := ShutdownTimeout
	stopChan := make(chan bool, len(s.queues))

	for i, q := range s.queues {
		go func(index int, q *queue.Queue) {
			if err := q.Stop(timeout); err != nil {
				logger.Error("error stopping queue", "queue", index, "error", err)
			}
			stopChan <- true
		}(i, q)
	}

	for range s.queues {
		select {
		case <-stopChan:
		case <-time.After(timeout + 5*time.Second):
			logger.Warn("timeout waiting for queues to stop")
		}
	}

	s.worker.Exit()
	s.wg.Wait()
	s.reportMetrics()

	logger.Info("dispatcher service stopped")
}

type jobResult struct {
	delivery   *queue.Delivery
	resultChan chan error
	ctx        context.Context
}

// deliveryHandler hands the queue entry to the worker pool and blocks until a
// worker reports the outcome, so the ack decision stays with the queue.
func (s *Service) deliveryHandler(ctx context.Context, d *queue.Delivery) error {
	resultChan := make(chan error, 1)

	msgCtx, cancel := context.WithTimeout(ctx, DispatchTimeout+time.Second)
	defer cancel()

	job := &jobResult{
		delivery:   d,
		resultChan: resultChan,
		ctx:        msgCtx,
	}

	s.worker.Enqueue(job)

	select {
	case err := <-resultChan:
		return err
	case <-msgCtx.Done():
		return fmt.Errorf("timeout waiting for worker to dispatch message: %w", msgCtx.Err())
	}
}

func (s *Service) workerHandler(workerIndex int, job interface{}) {
	jobRes, ok := job.(*jobResult)
	if !ok {
		logger.Error("invalid job type in worker", "worker", workerIndex)
		return
	}

	start := time.Now()
	var resultErr error

	select {
	case <-jobRes.ctx.Done():
		logger.Warn("job context cancelled before dispatch started", "worker", workerIndex)
		return
	default:
	}

	if err := s.dispatcher.Dispatch(jobRes.ctx, jobRes.delivery); err != nil {
		s.metrics.RecordFailure()
		logger.Error("failed to dispatch message", "worker", workerIndex, "error", err)
		resultErr = err
	} else {
		s.metrics.RecordSuccess(time.Since(start))
	}

	// If deliveryHandler timed out, the channel may have no receiver.
	select {
	case jobRes.resultChan <- resultErr:
	case <-jobRes.ctx.Done():
		logger.Warn("context cancelled while sending result", "worker", workerIndex)
	}
}
