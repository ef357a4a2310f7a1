package partner

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/magsasa-card/magsasa/internal/model"
	"github.com/magsasa-card/magsasa/internal/telemetry"
)

// UsageStore persists partner usage rows.
type UsageStore interface {
	InsertUsageBatch(ctx context.Context, logs []model.UsageLog) error
}

const (
	usageBatchSize     = 100
	usageFlushInterval = time.Second
	usageWriteTimeout  = 10 * time.Second
)

// UsageRecorder writes partner usage logs off the request path. Record never
// blocks: when the queue is full the entry is dropped and counted.
type UsageRecorder struct {
	store  UsageStore
	logger *slog.Logger
	queue  chan model.UsageLog

	flushInterval time.Duration
	dropped       atomic.Int64
	dropCounter   metric.Int64Counter

	started atomic.Bool
	drainCh chan context.Context
	done    chan struct{}
	once    sync.Once
}

// NewUsageRecorder creates a recorder with a queue of queueSize entries.
func NewUsageRecorder(store UsageStore, queueSize int, logger *slog.Logger) *UsageRecorder {
	if queueSize <= 0 {
		queueSize = 1
	}
	u := &UsageRecorder{
		store:         store,
		logger:        logger,
		queue:         make(chan model.UsageLog, queueSize),
		flushInterval: usageFlushInterval,
		drainCh:       make(chan context.Context, 1),
		done:          make(chan struct{}),
	}
	meter := telemetry.Meter("magsasa/partner")
	u.dropCounter, _ = meter.Int64Counter("magsasa.partner.usage_dropped",
		metric.WithDescription("Partner usage logs dropped because the queue was full"))
	_, _ = meter.Int64ObservableGauge("magsasa.partner.usage_queue_depth",
		metric.WithDescription("Partner usage logs waiting to be written"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(len(u.queue)))
			return nil
		}),
	)
	return u
}

// Record enqueues l. It reports false when the entry was dropped.
func (u *UsageRecorder) Record(l model.UsageLog) bool {
	select {
	case u.queue <- l:
		return true
	default:
		u.dropped.Add(1)
		if u.dropCounter != nil {
			u.dropCounter.Add(context.Background(), 1)
		}
		u.logger.Warn("partner usage queue full, dropping log", "api_key_id", l.APIKeyID, "endpoint", l.Endpoint)
		return false
	}
}

// Dropped returns how many entries have been dropped since start.
func (u *UsageRecorder) Dropped() int64 {
	return u.dropped.Load()
}

// Start runs the write loop until ctx is cancelled or Drain is called.
func (u *UsageRecorder) Start(ctx context.Context) {
	if !u.started.CompareAndSwap(false, true) {
		u.logger.Warn("partner usage: Start called more than once, ignoring")
		return
	}
	go u.loop(ctx)
}

// Drain writes everything still queued and stops the loop. It blocks until
// the loop exits or ctx expires.
func (u *UsageRecorder) Drain(ctx context.Context) {
	if !u.started.Load() {
		return
	}
	select {
	case u.drainCh <- ctx:
	default:
	}
	select {
	case <-u.done:
	case <-ctx.Done():
		u.logger.Warn("partner usage: drain timed out", "pending", len(u.queue))
	}
}

func (u *UsageRecorder) loop(ctx context.Context) {
	defer u.once.Do(func() { close(u.done) })

	ticker := time.NewTicker(u.flushInterval)
	defer ticker.Stop()

	batch := make([]model.UsageLog, 0, usageBatchSize)
	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		writeCtx, cancel := context.WithTimeout(ctx, usageWriteTimeout)
		defer cancel()
		if err := u.store.InsertUsageBatch(writeCtx, batch); err != nil {
			u.logger.Error("partner usage: write batch", "error", err, "count", len(batch))
		}
		batch = batch[:0]
	}

	for {
		select {
		case l := <-u.queue:
			batch = append(batch, l)
			if len(batch) >= usageBatchSize {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		case drainCtx := <-u.drainCh:
			u.drainQueue(drainCtx, &batch, flush)
			return
		case <-ctx.Done():
			fallback, cancel := context.WithTimeout(context.Background(), usageWriteTimeout)
			u.drainQueue(fallback, &batch, flush)
			cancel()
			return
		}
	}
}

func (u *UsageRecorder) drainQueue(ctx context.Context, batch *[]model.UsageLog, flush func(context.Context)) {
	for {
		select {
		case l := <-u.queue:
			*batch = append(*batch, l)
			if len(*batch) >= usageBatchSize {
				flush(ctx)
			}
		default:
			flush(ctx)
			return
		}
	}
}
