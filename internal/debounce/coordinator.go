package debounce

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/aqilrvsb/dev-muse-automaton-sub005/internal/observability/metrics"
	"github.com/aqilrvsb/dev-muse-automaton-sub005/pkg/logging"
)

var tracer = otel.Tracer("internal/debounce")

const (
	listPrefix     = "debounce:msgs:"
	deadlinePrefix = "debounce:deadline:"
)

// flushScript collects and deletes a bucket only when its deadline has
// passed. Running the check and the delete inside one script means a
// message arriving mid-flush either lands in this batch or starts a new
// bucket; it is never lost.
var flushScript = redis.NewScript(`
local deadline = redis.call('GET', KEYS[1])
if not deadline then
  return {}
end
if tonumber(deadline) > tonumber(ARGV[1]) then
  return {}
end
local items = redis.call('LRANGE', KEYS[2], 0, -1)
redis.call('DEL', KEYS[1], KEYS[2])
return items
`)

// Key identifies one debounce bucket.
type Key struct {
	DeviceID string
	Phone    string
}

func (k Key) String() string {
	return k.DeviceID + ":" + k.Phone
}

// FlushFunc receives the ordered payloads of a flushed bucket.
type FlushFunc func(ctx context.Context, key Key, payloads []string)

// Coordinator buffers rapid-fire inbound messages per conversation and
// releases them as one batch once the sender has gone quiet.
type Coordinator struct {
	client     *redis.Client
	logger     *logging.Logger
	metrics    *metrics.PipelineMetrics
	delay      time.Duration
	staleAfter time.Duration
	sweepEvery time.Duration
	flush      FlushFunc
	now        func() time.Time

	mu      sync.Mutex
	stopped bool
	done    chan struct{}
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithDelay sets the quiet period before a bucket flushes.
func WithDelay(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.delay = d
		}
	}
}

// WithStaleAfter sets how long unflushed buckets survive in Redis.
func WithStaleAfter(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.staleAfter = d
		}
	}
}

// WithSweepInterval sets how often the sweeper scans for overdue buckets.
func WithSweepInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.sweepEvery = d
		}
	}
}

// WithMetrics attaches pipeline metrics.
func WithMetrics(m *metrics.PipelineMetrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

func withNow(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// NewCoordinator builds a debounce coordinator. The flush callback runs
// on a timer goroutine, at most once per bucket lifetime.
func NewCoordinator(client *redis.Client, logger *logging.Logger, flush FlushFunc, opts ...Option) *Coordinator {
	if client == nil {
		panic("debounce: redis client is required")
	}
	if flush == nil {
		panic("debounce: flush callback is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	c := &Coordinator{
		client:     client,
		logger:     logger,
		delay:      4 * time.Second,
		staleAfter: 10 * time.Minute,
		sweepEvery: 30 * time.Second,
		flush:      flush,
		now:        time.Now,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Enqueue appends a payload to the sender's bucket and pushes the flush
// deadline out by the configured delay. Every call arms a fresh timer;
// stale timers fire against an already-moved deadline and do nothing.
func (c *Coordinator) Enqueue(ctx context.Context, key Key, payload string) error {
	ctx, span := tracer.Start(ctx, "debounce.Enqueue")
	defer span.End()

	deadline := c.now().Add(c.delay)
	pipe := c.client.TxPipeline()
	pipe.RPush(ctx, listPrefix+key.String(), payload)
	pipe.Set(ctx, deadlinePrefix+key.String(), strconv.FormatInt(deadline.UnixMilli(), 10), 0)
	pipe.Expire(ctx, listPrefix+key.String(), c.staleAfter)
	pipe.Expire(ctx, deadlinePrefix+key.String(), c.staleAfter)
	if _, err := pipe.Exec(ctx); err != nil {
		span.RecordError(err)
		return fmt.Errorf("debounce: enqueue: %w", err)
	}

	time.AfterFunc(c.delay+50*time.Millisecond, func() {
		c.mu.Lock()
		stopped := c.stopped
		c.mu.Unlock()
		if stopped {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := c.Flush(ctx, key, "timer"); err != nil {
			c.logger.Error("debounce flush failed", "key", key.String(), "error", err)
		}
	})
	return nil
}

// Flush collects the bucket if its deadline has passed and hands the
// batch to the callback. A bucket whose deadline moved forward since the
// timer was armed is left alone.
func (c *Coordinator) Flush(ctx context.Context, key Key, trigger string) error {
	ctx, span := tracer.Start(ctx, "debounce.Flush")
	defer span.End()

	res, err := flushScript.Run(ctx, c.client,
		[]string{deadlinePrefix + key.String(), listPrefix + key.String()},
		c.now().UnixMilli(),
	).StringSlice()
	if err != nil && err != redis.Nil {
		span.RecordError(err)
		return fmt.Errorf("debounce: flush: %w", err)
	}
	if len(res) == 0 {
		return nil
	}
	c.metrics.ObserveDebounceFlush(trigger, len(res))
	c.flush(ctx, key, res)
	return nil
}

// RunSweeper periodically scans for buckets whose deadline has passed
// but whose timer never fired, e.g. after a process restart. Blocks
// until ctx is cancelled or Stop is called.
func (c *Coordinator) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(c.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.Sweep(ctx); err != nil {
				c.logger.Error("debounce sweep failed", "error", err)
			}
		}
	}
}

// Sweep flushes every overdue bucket found in Redis.
func (c *Coordinator) Sweep(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "debounce.Sweep")
	defer span.End()

	iter := c.client.Scan(ctx, 0, deadlinePrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key, ok := parseDeadlineKey(iter.Val())
		if !ok {
			continue
		}
		if err := c.Flush(ctx, key, "sweep"); err != nil {
			c.logger.Error("debounce sweep flush failed", "key", key.String(), "error", err)
		}
	}
	if err := iter.Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("debounce: sweep scan: %w", err)
	}
	return nil
}

// Stop disarms pending timers and stops the sweeper.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.stopped = true
	close(c.done)
}

func parseDeadlineKey(redisKey string) (Key, bool) {
	rest := redisKey[len(deadlinePrefix):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == ':' {
			return Key{DeviceID: rest[:i], Phone: rest[i+1:]}, true
		}
	}
	return Key{}, false
}
