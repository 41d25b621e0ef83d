package refresh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/kjstillabower/sismos-service/internal/circuitbreaker"
	"github.com/kjstillabower/sismos-service/internal/client"
	"github.com/kjstillabower/sismos-service/internal/models"
	"github.com/kjstillabower/sismos-service/internal/normalize"
	"github.com/kjstillabower/sismos-service/internal/observability"
	"github.com/kjstillabower/sismos-service/internal/snapshot"
	"github.com/kjstillabower/sismos-service/internal/traffic"
)

const (
	DefaultInterval      = 5 * time.Minute
	DefaultShutdownGrace = 10 * time.Second
	statusWindow         = time.Hour
)

// Store persists a snapshot durably. Replace must leave the previous state intact on error.
type Store interface {
	Replace(ctx context.Context, snap *models.Snapshot) error
}

// PublishHook runs after a snapshot is published. Errors are logged and never undo the publish.
type PublishHook func(ctx context.Context, snap *models.Snapshot) error

// Config wires a Coordinator. Fetcher, Normalizer and Store are required.
type Config struct {
	Fetcher    client.Fetcher
	Normalizer *normalize.Normalizer
	Store      Store
	Breaker    *circuitbreaker.CircuitBreaker
	Tracker    *traffic.Tracker
	Clock      clockwork.Clock
	Logger     *zap.Logger

	Interval      time.Duration
	RunOnStart    bool
	Retry         RetryPolicy
	Retention     MergeOptions
	ShutdownGrace time.Duration

	Initial *models.Snapshot
	Hooks   []PublishHook
}

// Result describes one successful refresh.
type Result struct {
	Trigger     Trigger        `json:"trigger"`
	Fetched     int            `json:"fetched"`
	Valid       int            `json:"valid"`
	Dropped     int            `json:"dropped"`
	DroppedBy   map[string]int `json:"droppedBy,omitempty"`
	Duplicates  int            `json:"duplicates"`
	Added       int            `json:"added"`
	Updated     int            `json:"updated"`
	Unchanged   int            `json:"unchanged"`
	Retained    int            `json:"retained"`
	Pruned      int            `json:"pruned"`
	Total       int            `json:"total"`
	Attempts    int            `json:"attempts"`
	Duration    time.Duration  `json:"-"`
	DurationMs  int64          `json:"durationMs"`
	LastUpdated time.Time      `json:"lastUpdated"`
}

// Status is a point-in-time view of the coordinator for the status and health endpoints.
type Status struct {
	State               string         `json:"state"`
	Scheduled           bool           `json:"scheduled"`
	Interval            string         `json:"interval"`
	LastAttempt         *time.Time     `json:"lastAttempt"`
	LastSuccess         *time.Time     `json:"lastSuccess"`
	NextRun             *time.Time     `json:"nextRun"`
	TotalRuns           int64          `json:"totalRuns"`
	SuccessfulRuns      int64          `json:"successfulRuns"`
	FailedRuns          int64          `json:"failedRuns"`
	RejectedRuns        int64          `json:"rejectedRuns"`
	ConsecutiveFailures int            `json:"consecutiveFailures"`
	LastError           string         `json:"lastError,omitempty"`
	LastErrorKind       string         `json:"lastErrorKind,omitempty"`
	LastResult          *Result        `json:"lastResult,omitempty"`
	LastHour            traffic.Window `json:"lastHour"`
	CircuitBreaker      string         `json:"circuitBreaker,omitempty"`
	Records             int            `json:"records"`
}

// Coordinator owns the published snapshot and runs fetch, normalize, merge, persist,
// publish. At most one refresh runs at a time; readers never block on it.
type Coordinator struct {
	fetcher    client.Fetcher
	normalizer *normalize.Normalizer
	store      Store
	breaker    *circuitbreaker.CircuitBreaker
	tracker    *traffic.Tracker
	clock      clockwork.Clock
	logger     *zap.Logger
	interval   time.Duration
	runOnStart bool
	retry      RetryPolicy
	retention  MergeOptions
	grace      time.Duration
	hooks      []PublishHook

	current atomic.Pointer[models.Snapshot]
	state   atomic.Int32

	quit     chan struct{} // closed when Stop abandons an in-flight refresh
	quitOnce sync.Once

	mu          sync.Mutex
	done        chan struct{} // closed when the latest run finishes
	stopped     bool
	schedCancel context.CancelFunc
	schedDone   chan struct{}
	nextRun     time.Time
	lastAttempt time.Time
	lastSuccess time.Time
	total       int64
	succeeded   int64
	failed      int64
	rejected    int64
	consecutive int
	lastErr     error
	lastResult  *Result
}

// New validates cfg and returns an idle Coordinator publishing cfg.Initial (or an empty snapshot).
func New(cfg Config) (*Coordinator, error) {
	if cfg.Fetcher == nil || cfg.Normalizer == nil || cfg.Store == nil {
		return nil, errors.New("refresh: fetcher, normalizer and store are required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = DefaultShutdownGrace
	}
	if cfg.Tracker == nil {
		cfg.Tracker = traffic.NewTracker(cfg.Clock, statusWindow)
	}
	cfg.Retry = cfg.Retry.withDefaults()

	c := &Coordinator{
		fetcher:    cfg.Fetcher,
		normalizer: cfg.Normalizer,
		store:      cfg.Store,
		breaker:    cfg.Breaker,
		tracker:    cfg.Tracker,
		clock:      cfg.Clock,
		logger:     cfg.Logger,
		interval:   cfg.Interval,
		runOnStart: cfg.RunOnStart,
		retry:      cfg.Retry,
		retention:  cfg.Retention,
		grace:      cfg.ShutdownGrace,
		hooks:      cfg.Hooks,
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	close(c.done)

	initial := cfg.Initial
	if initial == nil {
		initial = models.EmptySnapshot()
	}
	c.current.Store(initial)
	observability.SnapshotRecords.Set(float64(initial.Len()))
	if !initial.LastUpdated.IsZero() {
		observability.SnapshotLastUpdatedSeconds.Set(float64(initial.LastUpdated.Unix()))
	}
	return c, nil
}

// Current returns the published snapshot. It is never nil and must not be modified.
func (c *Coordinator) Current() *models.Snapshot {
	return c.current.Load()
}

// State returns the current refresh state.
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// Trigger runs one refresh synchronously. A trigger arriving while another refresh is
// running returns ErrRefreshInProgress immediately. Once started the refresh ignores
// ctx cancellation and runs to success or failure.
func (c *Coordinator) Trigger(ctx context.Context, trigger Trigger) (Result, error) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return Result{}, ErrStopped
	}
	prev := c.State()
	if !prev.ready() || !c.state.CompareAndSwap(int32(prev), int32(StateFetching)) {
		c.rejected++
		c.mu.Unlock()
		c.tracker.RecordRejected()
		observability.RefreshRejectedTotal.WithLabelValues(string(trigger)).Inc()
		c.logger.Info("Refresh rejected, another refresh is running", zap.String("trigger", string(trigger)))
		return Result{}, ErrRefreshInProgress
	}
	done := make(chan struct{})
	c.done = done
	c.total++
	c.lastAttempt = c.clock.Now()
	c.mu.Unlock()

	observability.RefreshState.Set(float64(StateFetching))
	var err error
	defer func() {
		if err != nil {
			c.setState(StateFailed)
		} else {
			c.setState(StateIdle)
		}
		close(done)
	}()

	var res Result
	res, err = c.run(context.WithoutCancel(ctx), trigger)
	return res, err
}

func (c *Coordinator) setState(s State) {
	c.state.Store(int32(s))
	observability.RefreshState.Set(float64(s))
}

func (c *Coordinator) run(ctx context.Context, trigger Trigger) (Result, error) {
	start := c.clock.Now()
	logger := c.logger.With(zap.String("trigger", string(trigger)))
	if corrID, ok := ctx.Value("correlation_id").(string); ok && corrID != "" {
		logger = logger.With(zap.String("correlation_id", corrID))
	}
	logger.Info("Refresh started")

	res := Result{Trigger: trigger}

	features, attempts, err := c.fetchWithRetry(ctx, logger)
	res.Attempts = attempts
	if err != nil {
		return res, c.fail(logger, trigger, start, err)
	}
	res.Fetched = len(features)

	c.setState(StateMerging)
	batch := c.normalizer.NormalizeBatch(features)
	observability.RecordDropped(batch.Reasons)
	res.Valid = len(batch.Records)
	res.Dropped = batch.Dropped
	res.DroppedBy = batch.Reasons
	res.Duplicates = batch.Duplicates
	if len(batch.Records) == 0 {
		return res, c.fail(logger, trigger, start, fmt.Errorf("%w: %d fetched, %d dropped", ErrNoValidRecords, res.Fetched, res.Dropped))
	}

	now := c.clock.Now().UTC()
	opts := c.retention
	opts.Now = now
	merged := Merge(c.Current().Records, batch.Records, opts)
	res.Added, res.Updated, res.Unchanged = merged.Added, merged.Updated, merged.Unchanged
	res.Retained, res.Pruned, res.Total = merged.Retained, merged.Pruned, len(merged.Records)

	c.setState(StatePublishing)
	next := &models.Snapshot{Records: merged.Records, LastUpdated: now}
	if err := c.store.Replace(ctx, next); err != nil {
		return res, c.fail(logger, trigger, start, err)
	}
	// Publish only after the snapshot is durable.
	c.current.Store(next)

	res.Duration = c.clock.Since(start)
	res.DurationMs = res.Duration.Milliseconds()
	res.LastUpdated = now
	c.succeed(logger, trigger, res)
	c.runHooks(ctx, logger, next)
	return res, nil
}

func (c *Coordinator) fetchWithRetry(ctx context.Context, logger *zap.Logger) ([]models.RawFeature, int, error) {
	var (
		features []models.RawFeature
		lastErr  error
	)
	for attempt := 0; attempt < c.retry.Attempts; attempt++ {
		if attempt > 0 {
			observability.UpstreamRetriesTotal.Inc()
			delay := c.retry.backoff(attempt)
			logger.Warn("Retrying feed fetch",
				zap.Int("attempt", attempt+1),
				zap.Duration("delay", delay),
				zap.Error(lastErr),
			)
			if delay > 0 {
				select {
				case <-c.quit:
					return nil, attempt, fmt.Errorf("%w: %w", ErrStopped, lastErr)
				case <-c.clock.After(delay):
				}
			}
		}

		call := func(ctx context.Context) error {
			var err error
			features, err = c.fetcher.Fetch(ctx)
			return err
		}
		var err error
		if c.breaker != nil {
			err = c.breaker.Call(ctx, call)
		} else {
			err = call(ctx)
		}
		if err == nil {
			return features, attempt + 1, nil
		}
		lastErr = err
		if errors.Is(err, circuitbreaker.ErrOpen) || !client.IsRetryable(err) {
			return nil, attempt + 1, err
		}
	}
	return nil, c.retry.Attempts, fmt.Errorf("exhausted %d attempts: %w", c.retry.Attempts, lastErr)
}

func (c *Coordinator) succeed(logger *zap.Logger, trigger Trigger, res Result) {
	c.mu.Lock()
	c.succeeded++
	c.consecutive = 0
	c.lastSuccess = res.LastUpdated
	c.lastErr = nil
	r := res
	c.lastResult = &r
	c.mu.Unlock()

	c.tracker.RecordSuccess()
	observability.RefreshRunsTotal.WithLabelValues(string(trigger), "success").Inc()
	observability.RefreshDuration.WithLabelValues("success").Observe(res.Duration.Seconds())
	observability.RecordsMergedTotal.WithLabelValues("added").Add(float64(res.Added))
	observability.RecordsMergedTotal.WithLabelValues("updated").Add(float64(res.Updated))
	observability.RecordsMergedTotal.WithLabelValues("retained").Add(float64(res.Retained))
	observability.RecordsMergedTotal.WithLabelValues("pruned").Add(float64(res.Pruned))
	observability.SnapshotRecords.Set(float64(res.Total))
	observability.SnapshotLastUpdatedSeconds.Set(float64(res.LastUpdated.Unix()))

	logger.Info("Refresh completed",
		zap.String("outcome", "success"),
		zap.Int("fetched", res.Fetched),
		zap.Int("valid", res.Valid),
		zap.Int("dropped", res.Dropped),
		zap.Int("added", res.Added),
		zap.Int("updated", res.Updated),
		zap.Int("retained", res.Retained),
		zap.Int("pruned", res.Pruned),
		zap.Int("total", res.Total),
		zap.Int("attempts", res.Attempts),
		zap.Duration("duration", res.Duration),
	)
}

func (c *Coordinator) fail(logger *zap.Logger, trigger Trigger, start time.Time, err error) error {
	kind := ErrorKind(err)
	duration := c.clock.Since(start)

	c.mu.Lock()
	c.failed++
	c.consecutive++
	c.lastErr = err
	consecutive := c.consecutive
	c.mu.Unlock()

	c.tracker.RecordError()
	observability.RefreshRunsTotal.WithLabelValues(string(trigger), "failure").Inc()
	observability.RefreshDuration.WithLabelValues("failure").Observe(duration.Seconds())

	logger.Error("Refresh completed",
		zap.String("outcome", "failure"),
		zap.String("kind", kind),
		zap.Int("consecutiveFailures", consecutive),
		zap.Duration("duration", duration),
		zap.Error(err),
	)
	return err
}

func (c *Coordinator) runHooks(ctx context.Context, logger *zap.Logger, snap *models.Snapshot) {
	for i, hook := range c.hooks {
		if err := hook(ctx, snap); err != nil {
			logger.Warn("Publish hook failed", zap.Int("hook", i), zap.Error(err))
		}
	}
}

// ErrorKind maps a refresh error to the label used by status, health and the update endpoint.
func ErrorKind(err error) string {
	var pe *snapshot.PersistError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrRefreshInProgress):
		return "in_progress"
	case errors.Is(err, ErrStopped):
		return "stopped"
	case errors.As(err, &pe):
		return string(client.ErrorCategoryPersist)
	case errors.Is(err, ErrNoValidRecords):
		return string(client.ErrorCategoryValidation)
	case errors.Is(err, circuitbreaker.ErrOpen):
		return string(client.ErrorCategoryCircuitOpen)
	default:
		return string(client.CategorizeError(err))
	}
}

// Status returns counters and timings for the status endpoint.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	st := Status{
		State:               c.State().String(),
		Scheduled:           c.schedCancel != nil && !c.stopped,
		Interval:            c.interval.String(),
		LastAttempt:         timePtr(c.lastAttempt),
		LastSuccess:         timePtr(c.lastSuccess),
		NextRun:             timePtr(c.nextRun),
		TotalRuns:           c.total,
		SuccessfulRuns:      c.succeeded,
		FailedRuns:          c.failed,
		RejectedRuns:        c.rejected,
		ConsecutiveFailures: c.consecutive,
	}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
		st.LastErrorKind = ErrorKind(c.lastErr)
	}
	if c.lastResult != nil {
		r := *c.lastResult
		st.LastResult = &r
	}
	c.mu.Unlock()

	st.LastHour = c.tracker.Summary(statusWindow)
	if c.breaker != nil {
		st.CircuitBreaker = c.breaker.State().String()
	}
	st.Records = c.Current().Len()
	return st
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
