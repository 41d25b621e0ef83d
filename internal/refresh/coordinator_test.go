package refresh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kjstillabower/sismos-service/internal/circuitbreaker"
	"github.com/kjstillabower/sismos-service/internal/client"
	"github.com/kjstillabower/sismos-service/internal/models"
	"github.com/kjstillabower/sismos-service/internal/normalize"
	"github.com/kjstillabower/sismos-service/internal/snapshot"
)

// fetchFunc adapts a function to client.Fetcher.
type fetchFunc func(ctx context.Context) ([]models.RawFeature, error)

func (f fetchFunc) Fetch(ctx context.Context) ([]models.RawFeature, error) { return f(ctx) }

type memStore struct {
	mu    sync.Mutex
	saved []*models.Snapshot
	err   error
}

func (s *memStore) Replace(ctx context.Context, snap *models.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.saved = append(s.saved, snap)
	return nil
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saved)
}

// raw builds a valid upstream feature; hour and minute make the id unique.
func raw(hour, minute int, mag string) models.RawFeature {
	return models.RawFeature{
		Type: "Feature",
		Properties: models.RawProperties{
			Phone:          mag,
			PhoneFormatted: "10",
			Address:        "Caracas",
			City:           fmt.Sprintf("%02d:%02d", hour, minute),
			Country:        "Venezuela",
			PostalCode:     "05-03-2025",
			Lat:            "10.5",
			Long:           "-66.9",
		},
	}
}

func staticFeed(features ...models.RawFeature) fetchFunc {
	return func(context.Context) ([]models.RawFeature, error) { return features, nil }
}

func newCoordinator(t *testing.T, fetcher client.Fetcher, store Store, mutate func(*Config)) *Coordinator {
	t.Helper()
	cfg := Config{
		Fetcher:    fetcher,
		Normalizer: normalize.New(zap.NewNop()),
		Store:      store,
		Clock:      clockwork.NewFakeClock(),
		Logger:     zap.NewNop(),
		Retry:      RetryPolicy{Attempts: 3},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(cfg)
	require.NoError(t, err)
	return c
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestTrigger_PublishesAfterPersist(t *testing.T) {
	store := &memStore{}
	var published []*models.Snapshot
	c := newCoordinator(t, staticFeed(raw(10, 0, "3.1"), raw(11, 0, "5.4"), raw(12, 0, "4.0")), store, func(cfg *Config) {
		cfg.Hooks = []PublishHook{func(_ context.Context, snap *models.Snapshot) error {
			published = append(published, snap)
			return errors.New("mirror down")
		}}
	})

	res, err := c.Trigger(context.Background(), TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Fetched)
	assert.Equal(t, 3, res.Valid)
	assert.Equal(t, 3, res.Added)
	assert.Equal(t, 3, res.Total)
	assert.Equal(t, 1, res.Attempts)

	cur := c.Current()
	require.Equal(t, 3, cur.Len())
	require.Equal(t, 1, store.count())
	assert.Same(t, store.saved[0], cur, "published snapshot is the persisted one")
	require.Len(t, published, 1, "hook failure does not undo publish")
	assert.Equal(t, StateIdle, c.State())

	st := c.Status()
	assert.EqualValues(t, 1, st.SuccessfulRuns)
	assert.NotNil(t, st.LastSuccess)
	assert.Empty(t, st.LastError)
	assert.Equal(t, 1, st.LastHour.Successes)
}

func TestTrigger_IdempotentRefreshes(t *testing.T) {
	c := newCoordinator(t, staticFeed(raw(10, 0, "3.1"), raw(11, 0, "3.5")), &memStore{}, nil)

	_, err := c.Trigger(context.Background(), TriggerManual)
	require.NoError(t, err)
	first := ids(c.Current().Records)

	res, err := c.Trigger(context.Background(), TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, first, ids(c.Current().Records))
	assert.Equal(t, 0, res.Added)
	assert.Equal(t, 2, res.Unchanged)
}

func TestTrigger_MergesWithInitialSnapshot(t *testing.T) {
	n := normalize.New(nil)
	a, _ := n.Normalize(raw(8, 0, "3.0"))
	b, _ := n.Normalize(raw(9, 0, "3.5"))
	c0, _ := n.Normalize(raw(10, 0, "4.0"))
	initial := &models.Snapshot{Records: []models.Record{c0, b, a}, LastUpdated: base}

	c := newCoordinator(t, staticFeed(raw(9, 0, "3.9"), raw(10, 0, "4.0"), raw(11, 0, "2.2")), &memStore{}, func(cfg *Config) {
		cfg.Initial = initial
	})
	res, err := c.Trigger(context.Background(), TriggerManual)
	require.NoError(t, err)

	assert.Equal(t, 4, c.Current().Len())
	assert.Equal(t, 1, res.Added)
	assert.Equal(t, 1, res.Updated)
	assert.Equal(t, 1, res.Retained)
	assert.Equal(t, 3, initial.Len(), "previous snapshot is never mutated")
}

func TestTrigger_PartialValidation(t *testing.T) {
	features := make([]models.RawFeature, 0, 10)
	for i := 0; i < 8; i++ {
		features = append(features, raw(10, i, "3.0"))
	}
	bad1, bad2 := raw(11, 0, "3.0"), raw(11, 1, "3.0")
	bad1.Properties.Lat = "95"
	bad2.Properties.Long = "-190"
	features = append(features, bad1, bad2)

	c := newCoordinator(t, staticFeed(features...), &memStore{}, nil)
	res, err := c.Trigger(context.Background(), TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 8, res.Valid)
	assert.Equal(t, 2, res.Dropped)
	assert.Equal(t, 2, res.DroppedBy[normalize.ReasonInvalidCoordinates])
	assert.Equal(t, 8, c.Current().Len())
}

func TestTrigger_AllInvalidIsFailure(t *testing.T) {
	bad := raw(10, 0, "3.0")
	bad.Properties.PostalCode = "not a date"
	c := newCoordinator(t, staticFeed(bad), &memStore{}, nil)
	before := c.Current()

	_, err := c.Trigger(context.Background(), TriggerManual)
	require.ErrorIs(t, err, ErrNoValidRecords)
	assert.Same(t, before, c.Current())
	assert.Equal(t, "validation", c.Status().LastErrorKind)
}

func TestTrigger_PersistFailureKeepsPreviousSnapshot(t *testing.T) {
	store := &memStore{}
	c := newCoordinator(t, staticFeed(raw(10, 0, "3.0")), store, nil)
	_, err := c.Trigger(context.Background(), TriggerManual)
	require.NoError(t, err)
	good := c.Current()

	store.err = &snapshot.PersistError{Op: "rename", Path: "/data/sismos.json", Err: errors.New("disk full")}
	_, err = c.Trigger(context.Background(), TriggerManual)
	var pe *snapshot.PersistError
	require.ErrorAs(t, err, &pe)
	assert.Same(t, good, c.Current())

	st := c.Status()
	assert.Equal(t, "persist", st.LastErrorKind)
	assert.EqualValues(t, 1, st.FailedRuns)
	assert.Equal(t, 1, st.ConsecutiveFailures)
	assert.Equal(t, StateFailed, c.State())
	assert.Equal(t, "failed", st.State)

	store.err = nil
	_, err = c.Trigger(context.Background(), TriggerManual)
	require.NoError(t, err, "a failed coordinator accepts the next trigger")
	assert.Equal(t, StateIdle, c.State())
	assert.Equal(t, "idle", c.Status().State)
	assert.Equal(t, 0, c.Status().ConsecutiveFailures)
}

func TestTrigger_RetriesRetryableFetchErrors(t *testing.T) {
	var calls atomic.Int32
	fetcher := fetchFunc(func(context.Context) ([]models.RawFeature, error) {
		if calls.Add(1) < 3 {
			return nil, &client.FetchError{Kind: client.KindUpstreamStatus, StatusCode: 503}
		}
		return []models.RawFeature{raw(10, 0, "3.0")}, nil
	})
	c := newCoordinator(t, fetcher, &memStore{}, nil)

	res, err := c.Trigger(context.Background(), TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempts)
	assert.EqualValues(t, 3, calls.Load())
}

func TestTrigger_DoesNotRetryPermanentErrors(t *testing.T) {
	var calls atomic.Int32
	fetcher := fetchFunc(func(context.Context) ([]models.RawFeature, error) {
		calls.Add(1)
		return nil, &client.FetchError{Kind: client.KindDecode, Err: errors.New("bad json")}
	})
	c := newCoordinator(t, fetcher, &memStore{}, nil)

	_, err := c.Trigger(context.Background(), TriggerManual)
	require.ErrorIs(t, err, client.ErrUpstreamFailure)
	assert.EqualValues(t, 1, calls.Load())
	assert.Equal(t, "parsing", c.Status().LastErrorKind)
}

func TestTrigger_ExhaustedRetriesReportsTimeout(t *testing.T) {
	fetcher := fetchFunc(func(context.Context) ([]models.RawFeature, error) {
		return nil, &client.FetchError{Kind: client.KindTimeout, Err: context.DeadlineExceeded}
	})
	c := newCoordinator(t, fetcher, &memStore{}, nil)

	res, err := c.Trigger(context.Background(), TriggerManual)
	require.Error(t, err)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, "timeout", ErrorKind(err))
}

func TestTrigger_CircuitBreakerShortCircuits(t *testing.T) {
	var calls atomic.Int32
	fetcher := fetchFunc(func(context.Context) ([]models.RawFeature, error) {
		calls.Add(1)
		return nil, &client.FetchError{Kind: client.KindNetwork, Err: errors.New("connection refused")}
	})
	clock := clockwork.NewFakeClock()
	cb := circuitbreaker.New(circuitbreaker.Config{FailureThreshold: 2, Timeout: time.Minute, Clock: clock})
	c := newCoordinator(t, fetcher, &memStore{}, func(cfg *Config) {
		cfg.Breaker = cb
		cfg.Clock = clock
	})

	_, err := c.Trigger(context.Background(), TriggerManual)
	require.ErrorIs(t, err, circuitbreaker.ErrOpen, "third attempt hits the open circuit")
	assert.EqualValues(t, 2, calls.Load())
	assert.Equal(t, "circuit_open", c.Status().LastErrorKind)
	assert.Equal(t, "open", c.Status().CircuitBreaker)
}

// blockingFeed parks Fetch until release is closed and reports entry on entered.
func blockingFeed(entered chan<- struct{}, release <-chan struct{}, features ...models.RawFeature) fetchFunc {
	var once sync.Once
	return func(context.Context) ([]models.RawFeature, error) {
		once.Do(func() { close(entered) })
		<-release
		return features, nil
	}
}

func TestTrigger_AtMostOneInFlight(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	store := &memStore{}
	c := newCoordinator(t, blockingFeed(entered, release, raw(10, 0, "3.0")), store, nil)
	before := c.Current()

	var firstErr error
	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		_, firstErr = c.Trigger(context.Background(), TriggerManual)
	}()
	<-entered

	const concurrent = 10
	var wg sync.WaitGroup
	var rejected atomic.Int32
	for i := 0; i < concurrent; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Trigger(context.Background(), TriggerManual); errors.Is(err, ErrRefreshInProgress) {
				rejected.Add(1)
			}
		}()
	}
	wg.Wait()

	// Reads during the refresh see the previous snapshot.
	assert.Same(t, before, c.Current())
	assert.Equal(t, StateFetching, c.State())

	close(release)
	<-firstDone
	require.NoError(t, firstErr)
	assert.EqualValues(t, concurrent, rejected.Load())
	assert.Equal(t, 1, store.count())
	assert.Equal(t, 1, c.Current().Len())
	assert.EqualValues(t, concurrent, c.Status().RejectedRuns)
	assert.Equal(t, concurrent, c.Status().LastHour.Rejected)
}

// blockingStore parks Replace until release is closed and reports entry on entered.
type blockingStore struct {
	memStore
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (s *blockingStore) Replace(ctx context.Context, snap *models.Snapshot) error {
	s.once.Do(func() { close(s.entered) })
	<-s.release
	return s.memStore.Replace(ctx, snap)
}

func TestTrigger_ReadDuringPersistSeesPreviousSnapshot(t *testing.T) {
	store := &blockingStore{entered: make(chan struct{}), release: make(chan struct{})}
	initial := &models.Snapshot{Records: []models.Record{}, LastUpdated: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)}
	c := newCoordinator(t, staticFeed(raw(10, 0, "3.0"), raw(11, 0, "4.2")), store, func(cfg *Config) {
		cfg.Initial = initial
	})

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Trigger(context.Background(), TriggerManual)
		errCh <- err
	}()
	<-store.entered

	assert.Equal(t, StatePublishing, c.State())
	assert.Same(t, initial, c.Current(), "merged records are not visible before persist completes")
	assert.Equal(t, 0, c.Status().Records)
	_, err := c.Trigger(context.Background(), TriggerManual)
	assert.ErrorIs(t, err, ErrRefreshInProgress)

	close(store.release)
	require.NoError(t, <-errCh)
	assert.Equal(t, 2, c.Current().Len())
	assert.Equal(t, StateIdle, c.State())
}

func TestTrigger_IgnoresCallerCancellation(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	c := newCoordinator(t, blockingFeed(entered, release, raw(10, 0, "3.0")), &memStore{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := c.Trigger(ctx, TriggerManual)
		errCh <- err
	}()
	<-entered
	cancel()
	close(release)

	require.NoError(t, <-errCh)
	assert.Equal(t, 1, c.Current().Len())
}

func TestStop_RejectsNewTriggers(t *testing.T) {
	c := newCoordinator(t, staticFeed(raw(10, 0, "3.0")), &memStore{}, nil)
	require.NoError(t, c.Stop(context.Background()))
	_, err := c.Trigger(context.Background(), TriggerManual)
	assert.ErrorIs(t, err, ErrStopped)
	assert.NoError(t, c.Stop(context.Background()), "Stop is idempotent")
}

func TestStop_WaitsForInFlightRefresh(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	c := newCoordinator(t, blockingFeed(entered, release, raw(10, 0, "3.0")), &memStore{}, nil)

	go func() { _, _ = c.Trigger(context.Background(), TriggerManual) }()
	<-entered

	stopErr := make(chan error, 1)
	go func() { stopErr <- c.Stop(context.Background()) }()
	close(release)

	require.NoError(t, <-stopErr)
	assert.Equal(t, 1, c.Current().Len(), "in-flight refresh completed")
}

func TestStop_AbandonsAfterGrace(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	clock := clockwork.NewFakeClock()
	c := newCoordinator(t, blockingFeed(entered, release, raw(10, 0, "3.0")), &memStore{}, func(cfg *Config) {
		cfg.Clock = clock
		cfg.ShutdownGrace = 10 * time.Second
	})

	go func() { _, _ = c.Trigger(context.Background(), TriggerManual) }()
	<-entered

	stopErr := make(chan error, 1)
	go func() { stopErr <- c.Stop(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(10 * time.Second)

	assert.ErrorIs(t, <-stopErr, ErrShutdownGraceExceeded)
}

func TestScheduler_RunsOnStartAndOnTick(t *testing.T) {
	var calls atomic.Int32
	fetcher := fetchFunc(func(context.Context) ([]models.RawFeature, error) {
		calls.Add(1)
		return []models.RawFeature{raw(10, 0, "3.0")}, nil
	})
	clock := clockwork.NewFakeClock()
	c := newCoordinator(t, fetcher, &memStore{}, func(cfg *Config) {
		cfg.Clock = clock
		cfg.Interval = time.Minute
		cfg.RunOnStart = true
	})

	require.NoError(t, c.Start(context.Background()))
	assert.Error(t, c.Start(context.Background()), "second Start fails")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// The ticker is the only clock waiter once the startup refresh is done.
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	assert.EqualValues(t, 1, calls.Load())
	assert.True(t, c.Status().Scheduled)
	require.NotNil(t, c.Status().NextRun)

	clock.Advance(time.Minute)
	require.Eventually(t, func() bool { return calls.Load() == 2 }, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, c.Stop(context.Background()))
	assert.False(t, c.Status().Scheduled)
	assert.Nil(t, c.Status().NextRun)
}

func TestErrorKind(t *testing.T) {
	assert.Equal(t, "", ErrorKind(nil))
	assert.Equal(t, "in_progress", ErrorKind(ErrRefreshInProgress))
	assert.Equal(t, "stopped", ErrorKind(ErrStopped))
	assert.Equal(t, "upstream_5xx", ErrorKind(fmt.Errorf("exhausted: %w", &client.FetchError{Kind: client.KindUpstreamStatus, StatusCode: 502})))
	assert.Equal(t, "empty_feed", ErrorKind(&client.FetchError{Kind: client.KindEmptyFeed}))
}
