package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/trainu/outreach-gateway/pkg/redis"
)

// Job is the payload handed from approval to delivery. The row in postgres is
// the source of truth; the job only tells a dispatcher which row to work on.
type Job struct {
	MessageID int64  `json:"message_id"`
	OwnerID   int64  `json:"owner_id"`
	Channel   string `json:"channel"`
}

// Delivery is one claimed stream entry. Handlers either return nil (the entry
// is acked) or an error (the entry stays pending and is reclaimed after the
// visibility timeout).
type Delivery struct {
	ID       string
	Job      Job
	Attempts int
	acked    bool
	queue    *Queue
}

// Ack acknowledges the entry ahead of handler return. Used when the handler
// parks a message and does not want the stream to redeliver it.
func (d *Delivery) Ack() error {
	if d.acked {
		return fmt.Errorf("delivery already acknowledged")
	}
	d.acked = true
	return d.queue.ack(d.ID)
}

// Handler processes one delivery. A nil return acks the entry.
type Handler func(ctx context.Context, d *Delivery) error

type Config struct {
	Stream            string
	Group             string
	Consumer          string
	MaxDeliveries     int
	VisibilityTimeout time.Duration
	PollInterval      time.Duration
	BatchSize         int64
	MaxLen            int64
	EnableDLQ         bool
}

// Queue is the durable hand-off between approval and delivery, backed by a
// Redis stream with a consumer group. Entries not acked within the visibility
// timeout are reclaimed, so a dispatcher crash never loses a queued message.
type Queue struct {
	adapter redis.RedisAdapter
	config  Config
	handler Handler
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type Stats struct {
	StreamLength    int64
	PendingEntries  int64
	ConsumerCount   int64
	DeadLetterCount int64
}

func New(adapter redis.RedisAdapter, config Config) (*Queue, error) {
	if config.Stream == "" {
		return nil, fmt.Errorf("stream name is required")
	}
	if config.Group == "" {
		config.Group = "dispatchers"
	}
	if config.Consumer == "" {
		config.Consumer = fmt.Sprintf("dispatcher-%d", time.Now().UnixNano())
	}
	if config.MaxDeliveries == 0 {
		config.MaxDeliveries = 5
	}
	if config.VisibilityTimeout == 0 {
		config.VisibilityTimeout = 30 * time.Second
	}
	if config.PollInterval == 0 {
		config.PollInterval = time.Second
	}
	if config.BatchSize == 0 {
		config.BatchSize = 10
	}

	ctx, cancel := context.WithCancel(context.Background())

	q := &Queue{
		adapter: adapter,
		config:  config,
		ctx:     ctx,
		cancel:  cancel,
	}

	// BUSYGROUP on an existing group is fine.
	_ = q.adapter.XGroupCreateMkStream(config.Stream, config.Group, "0")

	return q, nil
}

// Enqueue appends a job to the stream.
func (q *Queue) Enqueue(ctx context.Context, job Job) (string, error) {
	payload, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job: %w", err)
	}

	values := map[string]interface{}{
		"job":         string(payload),
		"enqueued_at": time.Now().Unix(),
	}

	id, err := q.adapter.XAdd(q.config.Stream, values)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}

	if q.config.MaxLen > 0 {
		_ = q.adapter.XTrimApprox(q.config.Stream, q.config.MaxLen)
	}

	return id, nil
}

// Consume starts the poll loop. Call Stop to drain.
func (q *Queue) Consume(handler Handler) error {
	if handler == nil {
		return fmt.Errorf("handler is required")
	}

	q.handler = handler
	q.wg.Add(1)

	go q.consumeLoop()

	return nil
}

func (q *Queue) consumeLoop() {
	defer q.wg.Done()

	ticker := time.NewTicker(q.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.ctx.Done():
			return
		case <-ticker.C:
			q.readNew()
			q.reclaimStale()
		}
	}
}

func (q *Queue) readNew() {
	entries, err := q.adapter.XReadGroup(
		q.config.Group,
		q.config.Consumer,
		q.config.Stream,
		">",
		q.config.BatchSize,
	)
	if err != nil {
		return
	}

	for _, entry := range entries {
		d, err := q.parseEntry(entry)
		if err != nil {
			// Malformed entry, nothing a retry can fix.
			_ = q.ack(entry.ID)
			continue
		}
		q.handleDelivery(d)
	}
}

// reclaimStale takes over entries another consumer claimed but never acked
// within the visibility timeout.
func (q *Queue) reclaimStale() {
	pending, err := q.adapter.XPending(q.config.Stream, q.config.Group)
	if err != nil || pending == nil || pending.Count == 0 {
		return
	}

	pendingExt, err := q.adapter.XPendingExt(
		q.config.Stream,
		q.config.Group,
		"-",
		"+",
		100,
	)
	if err != nil || len(pendingExt) == 0 {
		return
	}

	var stale []string
	attempts := make(map[string]int, len(pendingExt))
	for _, p := range pendingExt {
		if p.Idle >= q.config.VisibilityTimeout {
			stale = append(stale, p.ID)
			attempts[p.ID] = int(p.RetryCount)
		}
	}
	if len(stale) == 0 {
		return
	}

	entries, err := q.adapter.XClaim(
		q.config.Stream,
		q.config.Group,
		q.config.Consumer,
		q.config.VisibilityTimeout,
		stale...,
	)
	if err != nil {
		return
	}

	for _, entry := range entries {
		d, err := q.parseEntry(entry)
		if err != nil {
			_ = q.ack(entry.ID)
			continue
		}
		d.Attempts = attempts[entry.ID]
		q.handleDelivery(d)
	}
}

func (q *Queue) handleDelivery(d *Delivery) {
	if d.Attempts >= q.config.MaxDeliveries {
		q.moveToDeadLetter(d)
		_ = q.ack(d.ID)
		return
	}

	ctx, cancel := context.WithTimeout(q.ctx, q.config.VisibilityTimeout)
	defer cancel()

	if err := q.handler(ctx, d); err != nil {
		// Leave pending, the entry is reclaimed after the timeout.
		return
	}
	if !d.acked {
		_ = q.ack(d.ID)
	}
}

func (q *Queue) ack(entryID string) error {
	return q.adapter.XAck(q.config.Stream, q.config.Group, entryID)
}

func (q *Queue) moveToDeadLetter(d *Delivery) {
	if !q.config.EnableDLQ {
		return
	}

	payload, _ := json.Marshal(d.Job)
	values := map[string]interface{}{
		"job":         string(payload),
		"original_id": d.ID,
		"deliveries":  d.Attempts,
		"failed_at":   time.Now().Unix(),
	}
	_, _ = q.adapter.XAdd(q.deadLetterStream(), values)
}

func (q *Queue) deadLetterStream() string {
	return q.config.Stream + ":dlq"
}

func (q *Queue) parseEntry(entry redis.StreamMessage) (*Delivery, error) {
	raw, ok := entry.Values["job"].(string)
	if !ok {
		return nil, fmt.Errorf("entry %s has no job payload", entry.ID)
	}

	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("entry %s: %w", entry.ID, err)
	}

	d := &Delivery{
		ID:    entry.ID,
		Job:   job,
		queue: q,
	}

	if att, ok := entry.Values["deliveries"].(string); ok {
		if n, err := strconv.Atoi(att); err == nil {
			d.Attempts = n
		}
	}

	return d, nil
}

func (q *Queue) Stop(timeout time.Duration) error {
	q.cancel()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("timeout waiting for queue to stop")
	}
}

func (q *Queue) GetStats() (*Stats, error) {
	length, err := q.adapter.XLen(q.config.Stream)
	if err != nil {
		return nil, err
	}

	stats := &Stats{StreamLength: length}

	if pending, err := q.adapter.XPending(q.config.Stream, q.config.Group); err == nil && pending != nil {
		stats.PendingEntries = pending.Count
		stats.ConsumerCount = int64(len(pending.Consumers))
	}

	if dlqLen, err := q.adapter.XLen(q.deadLetterStream()); err == nil {
		stats.DeadLetterCount = dlqLen
	}

	return stats, nil
}
