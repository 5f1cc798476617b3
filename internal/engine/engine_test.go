package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"qms/queue-engine/internal/cache"
	memcache "qms/queue-engine/internal/cache/memory"
	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/notify"
	"qms/queue-engine/internal/store"
	memstore "qms/queue-engine/internal/store/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *recordingNotifier) Notify(ctx context.Context, events ...notify.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, events...)
}

func (n *recordingNotifier) types() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.events))
	for _, evt := range n.events {
		out = append(out, evt.Type)
	}
	return out
}

type recordingBus struct {
	mu     sync.Mutex
	events []notify.BusEvent
}

func (b *recordingBus) Emit(ctx context.Context, evt notify.BusEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, evt)
	return nil
}

type fixture struct {
	engine   *Engine
	store    *memstore.Store
	cache    *memcache.Cache
	clock    *testClock
	notifier *recordingNotifier
	bus      *recordingBus
}

func newFixture(t *testing.T, opts ...func(*Options)) *fixture {
	t.Helper()
	f := &fixture{
		store:    memstore.New(),
		cache:    memcache.New(),
		clock:    newTestClock(),
		notifier: &recordingNotifier{},
		bus:      &recordingBus{},
	}
	options := Options{
		Cache:    cache.NewLayer(f.cache),
		Notifier: f.notifier,
		Bus:      f.bus,
		Clock:    f.clock.Now,
	}
	for _, opt := range opts {
		opt(&options)
	}
	f.engine = New(f.store, options)
	return f
}

func (f *fixture) queue(t *testing.T, maxClients int) models.Queue {
	t.Helper()
	q, err := f.engine.CreateQueue(context.Background(), CreateQueueInput{
		Name:                 "front desk",
		MaxClients:           maxClients,
		EstimatedServiceTime: 60,
	})
	require.NoError(t, err)
	return q
}

func (f *fixture) admit(t *testing.T, queueID, clientID, priority string) models.Position {
	t.Helper()
	p, err := f.engine.Admit(context.Background(), AdmitInput{
		QueueID:    queueID,
		ClientID:   clientID,
		ClientName: "Client " + clientID,
		Priority:   priority,
	})
	require.NoError(t, err)
	return p
}

// slots maps client id to position number for the active set.
func (f *fixture) slots(t *testing.T, queueID string) map[string]int {
	t.Helper()
	active, err := f.store.ListActive(context.Background(), queueID)
	require.NoError(t, err)
	out := make(map[string]int, len(active))
	for _, p := range active {
		out[p.ClientID] = p.Position
	}
	return out
}

func requireDense(t *testing.T, st store.Reader, queueID string) {
	t.Helper()
	active, err := st.ListActive(context.Background(), queueID)
	require.NoError(t, err)
	clients := make(map[string]bool, len(active))
	for i, p := range active {
		require.Equal(t, i+1, p.Position, "active positions must be 1..N")
		require.False(t, clients[p.ClientID], "client %s holds two active positions", p.ClientID)
		clients[p.ClientID] = true
	}
}

func TestAdmitVIPShiftsAndCapacity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	q := f.queue(t, 2)

	c1 := f.admit(t, q.QueueID, "c1", models.PriorityNormal)
	assert.Equal(t, 1, c1.Position)

	c2 := f.admit(t, q.QueueID, "c2", models.PriorityVIP)
	assert.Equal(t, 1, c2.Position)
	assert.Equal(t, map[string]int{"c1": 2, "c2": 1}, f.slots(t, q.QueueID))

	before := f.slots(t, q.QueueID)
	_, err := f.engine.Admit(ctx, AdmitInput{QueueID: q.QueueID, ClientID: "c3", Priority: models.PriorityNormal})
	require.ErrorIs(t, err, ErrCapacityExceeded)
	assert.Equal(t, before, f.slots(t, q.QueueID))
}

func TestAdmitRejectsDuplicateAndClosedQueue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	q := f.queue(t, 10)

	f.admit(t, q.QueueID, "c1", models.PriorityNormal)
	_, err := f.engine.Admit(ctx, AdmitInput{QueueID: q.QueueID, ClientID: "c1", Priority: models.PriorityHigh})
	require.ErrorIs(t, err, ErrAlreadyQueued)

	_, err = f.engine.Admit(ctx, AdmitInput{QueueID: q.QueueID, ClientID: "c2", Priority: "urgent"})
	require.ErrorIs(t, err, ErrInvalidArgument)

	paused := models.QueueStatusPaused
	_, err = f.engine.UpdateQueue(ctx, q.QueueID, UpdateQueueInput{Status: &paused})
	require.NoError(t, err)
	_, err = f.engine.Admit(ctx, AdmitInput{QueueID: q.QueueID, ClientID: "c2"})
	require.ErrorIs(t, err, ErrQueueClosed)

	_, err = f.engine.Admit(ctx, AdmitInput{QueueID: "missing", ClientID: "c2"})
	require.ErrorIs(t, err, ErrQueueNotFound)
}

func TestAdmitSetsEstimateFromRank(t *testing.T) {
	f := newFixture(t)
	q := f.queue(t, 10)

	first := f.admit(t, q.QueueID, "c1", models.PriorityNormal)
	assert.Equal(t, 60, first.EstimatedWaitTime)

	second := f.admit(t, q.QueueID, "c2", models.PriorityLow)
	assert.Equal(t, 180, second.EstimatedWaitTime)

	vip := f.admit(t, q.QueueID, "c3", models.PriorityVIP)
	assert.Equal(t, 30, vip.EstimatedWaitTime)
}

func TestRecomputeEstimates(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.RecomputeEstimates = true })
	ctx := context.Background()
	q := f.queue(t, 10)

	f.admit(t, q.QueueID, "c1", models.PriorityNormal)
	f.admit(t, q.QueueID, "c2", models.PriorityNormal)
	f.admit(t, q.QueueID, "c3", models.PriorityVIP)

	p, found, err := f.store.FindActive(ctx, q.QueueID, "c2")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 180, p.EstimatedWaitTime)

	_, err = f.engine.Remove(ctx, q.QueueID, "c1")
	require.NoError(t, err)
	p, _, err = f.store.FindActive(ctx, q.QueueID, "c2")
	require.NoError(t, err)
	assert.Equal(t, 120, p.EstimatedWaitTime)
}

func TestRemoveRenumbers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	q := f.queue(t, 10)
	for i := 1; i <= 5; i++ {
		f.admit(t, q.QueueID, fmt.Sprintf("c%d", i), models.PriorityNormal)
	}

	ok, err := f.engine.Remove(ctx, q.QueueID, "c3")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, map[string]int{"c1": 1, "c2": 2, "c4": 3, "c5": 4}, f.slots(t, q.QueueID))

	positions, err := f.store.ListClientPositions(ctx, "c3")
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestRemoveMissingClientWritesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	q := f.queue(t, 10)
	f.admit(t, q.QueueID, "c2", models.PriorityNormal)

	before, err := f.store.ListActive(ctx, q.QueueID)
	require.NoError(t, err)
	queueBefore, err := f.store.GetQueue(ctx, q.QueueID)
	require.NoError(t, err)
	sent := len(f.notifier.types())

	f.clock.Advance(time.Minute)
	ok, err := f.engine.Remove(ctx, q.QueueID, "c1")
	require.ErrorIs(t, err, ErrNotInQueue)
	assert.False(t, ok)

	after, err := f.store.ListActive(ctx, q.QueueID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	queueAfter, err := f.store.GetQueue(ctx, q.QueueID)
	require.NoError(t, err)
	assert.Equal(t, queueBefore.UpdatedAt, queueAfter.UpdatedAt)
	assert.Len(t, f.notifier.types(), sent)
}

func TestDensityUnderRandomSequence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	q := f.queue(t, 12)
	rng := rand.New(rand.NewSource(7))
	priorities := []string{models.PriorityLow, models.PriorityNormal, models.PriorityHigh, models.PriorityVIP}

	for step := 0; step < 300; step++ {
		client := fmt.Sprintf("c%d", rng.Intn(20))
		var err error
		if rng.Intn(3) == 0 {
			_, err = f.engine.Remove(ctx, q.QueueID, client)
		} else {
			_, err = f.engine.Admit(ctx, AdmitInput{
				QueueID:  q.QueueID,
				ClientID: client,
				Priority: priorities[rng.Intn(len(priorities))],
			})
		}
		if err != nil && !errors.Is(err, ErrAlreadyQueued) && !errors.Is(err, ErrCapacityExceeded) && !errors.Is(err, ErrNotInQueue) {
			t.Fatalf("step %d: unexpected error: %v", step, err)
		}
		requireDense(t, f.store, q.QueueID)
		active, err := f.store.ListActive(ctx, q.QueueID)
		require.NoError(t, err)
		require.LessOrEqual(t, len(active), q.MaxClients)
	}
}

func TestConcurrentAdmitsStayDense(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	q := f.queue(t, 20)
	priorities := []string{models.PriorityLow, models.PriorityNormal, models.PriorityHigh, models.PriorityVIP}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
		rejected int
	)
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.engine.Admit(ctx, AdmitInput{
				QueueID:  q.QueueID,
				ClientID: fmt.Sprintf("c%d", i),
				Priority: priorities[i%len(priorities)],
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				admitted++
			case errors.Is(err, ErrCapacityExceeded):
				rejected++
			default:
				t.Errorf("admit c%d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 20, admitted)
	assert.Equal(t, 10, rejected)
	requireDense(t, f.store, q.QueueID)
}

func TestCallNextFollowsPriority(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	q := f.queue(t, 10)

	f.admit(t, q.QueueID, "low", models.PriorityLow)
	f.admit(t, q.QueueID, "normal-1", models.PriorityNormal)
	f.admit(t, q.QueueID, "high", models.PriorityHigh)
	f.admit(t, q.QueueID, "vip", models.PriorityVIP)
	f.admit(t, q.QueueID, "normal-2", models.PriorityNormal)

	want := []string{"vip", "high", "normal-1", "normal-2", "low"}
	for _, clientID := range want {
		peeked, found, err := f.engine.Peek(ctx, q.QueueID)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, clientID, peeked.ClientID)

		called, err := f.engine.CallNext(ctx, q.QueueID)
		require.NoError(t, err)
		assert.Equal(t, clientID, called.ClientID)
		assert.Equal(t, models.StatusCalled, called.Status)
		require.NotNil(t, called.CalledAt)
	}
	_, err := f.engine.CallNext(ctx, q.QueueID)
	require.ErrorIs(t, err, ErrNoClientsWaiting)
	requireDense(t, f.store, q.QueueID)
}

func TestCallNextEmptyThenAdmitted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	q := f.queue(t, 10)

	_, err := f.engine.CallNext(ctx, q.QueueID)
	require.ErrorIs(t, err, ErrNoClientsWaiting)

	admitted := f.admit(t, q.QueueID, "c1", models.PriorityNormal)
	called, err := f.engine.CallNext(ctx, q.QueueID)
	require.NoError(t, err)
	assert.Equal(t, admitted.PositionID, called.PositionID)
	assert.Equal(t, models.StatusCalled, called.Status)

	stored, err := f.store.GetPosition(ctx, admitted.PositionID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCalled, stored.Status)
}

func TestServeLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	q := f.queue(t, 10)
	op, err := f.engine.CreateOperator(ctx, CreateOperatorInput{Name: "Ana", QueueID: q.QueueID})
	require.NoError(t, err)

	c1 := f.admit(t, q.QueueID, "c1", models.PriorityNormal)
	f.admit(t, q.QueueID, "c2", models.PriorityNormal)
	_, err = f.engine.CallNext(ctx, q.QueueID)
	require.NoError(t, err)

	log, err := f.engine.StartServing(ctx, StartServingInput{OperatorID: op.OperatorID, ClientID: "c1", QueueID: q.QueueID})
	require.NoError(t, err)
	assert.Equal(t, models.ServiceInProgress, log.Status)
	assert.Equal(t, c1.PositionID, log.PositionID)
	assert.Equal(t, map[string]int{"c2": 1}, f.slots(t, q.QueueID))

	busy, err := f.store.GetOperator(ctx, op.OperatorID)
	require.NoError(t, err)
	assert.Equal(t, models.OperatorBusy, busy.Status)

	f.clock.Advance(90 * time.Second)
	closed, err := f.engine.FinishServing(ctx, FinishServingInput{
		OperatorID:   op.OperatorID,
		ServiceLogID: log.ServiceLogID,
		Outcome:      models.ServiceCompleted,
		Notes:        "done",
	})
	require.NoError(t, err)
	assert.Equal(t, models.ServiceCompleted, closed.Status)
	assert.Equal(t, 90, closed.DurationSeconds)
	require.NotNil(t, closed.EndedAt)

	served, err := f.store.GetPosition(ctx, c1.PositionID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusServed, served.Status)

	after, err := f.store.GetOperator(ctx, op.OperatorID)
	require.NoError(t, err)
	assert.Equal(t, models.OperatorAvailable, after.Status)
	assert.Equal(t, 1, after.ClientsServedToday)

	counter, found, err := f.cache.Get(ctx, cache.QueueServedTodayKey(q.QueueID))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "1", string(counter))
}

func TestStartServingRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	q := f.queue(t, 10)
	op, err := f.engine.CreateOperator(ctx, CreateOperatorInput{Name: "Ana", QueueID: q.QueueID})
	require.NoError(t, err)
	f.admit(t, q.QueueID, "c1", models.PriorityNormal)

	_, err = f.engine.StartServing(ctx, StartServingInput{OperatorID: "ghost", ClientID: "c1", QueueID: q.QueueID})
	require.ErrorIs(t, err, ErrOperatorNotFound)

	_, err = f.engine.StartServing(ctx, StartServingInput{OperatorID: op.OperatorID, ClientID: "nobody", QueueID: q.QueueID})
	require.ErrorIs(t, err, ErrClientNotEligible)

	_, err = f.engine.SetOperatorStatus(ctx, op.OperatorID, models.OperatorOffline)
	require.NoError(t, err)
	_, err = f.engine.StartServing(ctx, StartServingInput{OperatorID: op.OperatorID, ClientID: "c1", QueueID: q.QueueID})
	require.ErrorIs(t, err, ErrOperatorUnavailable)

	assert.Equal(t, map[string]int{"c1": 1}, f.slots(t, q.QueueID))
}

func TestDailyLimitMakesOperatorUnavailable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	q := f.queue(t, 10)
	op, err := f.engine.CreateOperator(ctx, CreateOperatorInput{Name: "Ana", QueueID: q.QueueID, MaxClientsPerDay: 1})
	require.NoError(t, err)
	f.admit(t, q.QueueID, "c1", models.PriorityNormal)
	f.admit(t, q.QueueID, "c2", models.PriorityNormal)

	log, err := f.engine.StartServing(ctx, StartServingInput{OperatorID: op.OperatorID, ClientID: "c1", QueueID: q.QueueID})
	require.NoError(t, err)
	_, err = f.engine.FinishServing(ctx, FinishServingInput{OperatorID: op.OperatorID, ServiceLogID: log.ServiceLogID})
	require.NoError(t, err)

	_, err = f.engine.StartServing(ctx, StartServingInput{OperatorID: op.OperatorID, ClientID: "c2", QueueID: q.QueueID})
	require.ErrorIs(t, err, ErrOperatorUnavailable)

	reset, err := f.engine.ResetDailyCounters(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, reset)
	_, err = f.engine.StartServing(ctx, StartServingInput{OperatorID: op.OperatorID, ClientID: "c2", QueueID: q.QueueID})
	require.NoError(t, err)
}

func TestFinishServingRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	q := f.queue(t, 10)
	op, err := f.engine.CreateOperator(ctx, CreateOperatorInput{Name: "Ana", QueueID: q.QueueID})
	require.NoError(t, err)
	other, err := f.engine.CreateOperator(ctx, CreateOperatorInput{Name: "Ben", QueueID: q.QueueID})
	require.NoError(t, err)
	f.admit(t, q.QueueID, "c1", models.PriorityNormal)
	log, err := f.engine.StartServing(ctx, StartServingInput{OperatorID: op.OperatorID, ClientID: "c1", QueueID: q.QueueID})
	require.NoError(t, err)

	_, err = f.engine.FinishServing(ctx, FinishServingInput{OperatorID: op.OperatorID, ServiceLogID: log.ServiceLogID, Outcome: "abandoned"})
	require.ErrorIs(t, err, ErrInvalidStatusTransition)

	_, err = f.engine.FinishServing(ctx, FinishServingInput{OperatorID: other.OperatorID, ServiceLogID: log.ServiceLogID})
	require.ErrorIs(t, err, ErrOwnershipMismatch)

	_, err = f.engine.FinishServing(ctx, FinishServingInput{OperatorID: op.OperatorID, ServiceLogID: log.ServiceLogID, Outcome: models.ServiceRedirected})
	require.NoError(t, err)

	_, err = f.engine.FinishServing(ctx, FinishServingInput{OperatorID: op.OperatorID, ServiceLogID: log.ServiceLogID})
	require.ErrorIs(t, err, ErrAlreadyFinished)

	_, err = f.engine.FinishServing(ctx, FinishServingInput{OperatorID: op.OperatorID, ServiceLogID: "missing"})
	require.ErrorIs(t, err, ErrServiceLogNotFound)
}

func TestSkip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	q := f.queue(t, 10)
	f.admit(t, q.QueueID, "c1", models.PriorityNormal)
	f.admit(t, q.QueueID, "c2", models.PriorityNormal)
	f.admit(t, q.QueueID, "c3", models.PriorityNormal)

	skipped, err := f.engine.Skip(ctx, q.QueueID, "c2")
	require.NoError(t, err)
	assert.Equal(t, models.StatusSkipped, skipped.Status)
	assert.Equal(t, map[string]int{"c1": 1, "c3": 2}, f.slots(t, q.QueueID))

	_, err = f.engine.Skip(ctx, q.QueueID, "c2")
	require.ErrorIs(t, err, ErrNotInQueue)
}

func TestSkipStaleCalls(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	q := f.queue(t, 10)
	f.admit(t, q.QueueID, "c1", models.PriorityNormal)
	f.admit(t, q.QueueID, "c2", models.PriorityNormal)

	_, err := f.engine.CallNext(ctx, q.QueueID)
	require.NoError(t, err)

	n, err := f.engine.SkipStaleCalls(ctx, 5*time.Minute, 10)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Advance(10 * time.Minute)
	n, err = f.engine.SkipStaleCalls(ctx, 5*time.Minute, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, map[string]int{"c2": 1}, f.slots(t, q.QueueID))
}

func TestGetQueueStateIsStable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	q := f.queue(t, 10)
	f.admit(t, q.QueueID, "c1", models.PriorityNormal)
	f.admit(t, q.QueueID, "c2", models.PriorityVIP)

	first, err := f.engine.GetQueueState(ctx, q.QueueID)
	require.NoError(t, err)
	has, err := f.cache.Has(ctx, cache.QueueStateKey(q.QueueID))
	require.NoError(t, err)
	require.True(t, has)

	second, err := f.engine.GetQueueState(ctx, q.QueueID)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	assert.Equal(t, 2, first.ClientCount)
	require.Len(t, first.Positions, 2)
	assert.Equal(t, "c2", first.Positions[0].ClientID)
	assert.Equal(t, 1, first.Positions[0].Rank)
}

func TestMutationInvalidatesDerivedKeys(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	q := f.queue(t, 10)
	f.admit(t, q.QueueID, "c1", models.PriorityNormal)

	state, err := f.engine.GetQueueState(ctx, q.QueueID)
	require.NoError(t, err)
	require.Equal(t, 1, state.ClientCount)
	_, _, err = f.engine.Peek(ctx, q.QueueID)
	require.NoError(t, err)

	f.admit(t, q.QueueID, "c2", models.PriorityVIP)
	for _, key := range []string{cache.QueueStateKey(q.QueueID), cache.NextClientKey(q.QueueID)} {
		has, err := f.cache.Has(ctx, key)
		require.NoError(t, err)
		assert.False(t, has, key)
	}

	state, err = f.engine.GetQueueState(ctx, q.QueueID)
	require.NoError(t, err)
	assert.Equal(t, 2, state.ClientCount)
	next, found, err := f.engine.Peek(ctx, q.QueueID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "c2", next.ClientID)

	members, err := f.cache.SetMembers(ctx, cache.ActiveQueuesKey)
	require.NoError(t, err)
	assert.Contains(t, members, q.QueueID)
}

func TestNotificationsFollowCommit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	q := f.queue(t, 1)

	f.admit(t, q.QueueID, "c1", models.PriorityNormal)
	assert.Equal(t, []string{notify.TypeAdmitted, notify.TypeQueueUpdated}, f.notifier.types())
	require.Len(t, f.bus.events, 1)
	assert.Equal(t, notify.BusClientAdded, f.bus.events[0].EventType)
	require.NotNil(t, f.bus.events[0].Position)
	assert.Equal(t, 1, *f.bus.events[0].Position)

	_, err := f.engine.Admit(ctx, AdmitInput{QueueID: q.QueueID, ClientID: "c2"})
	require.ErrorIs(t, err, ErrCapacityExceeded)
	assert.Len(t, f.notifier.types(), 2)
	assert.Len(t, f.bus.events, 1)

	_, err = f.engine.CallNext(ctx, q.QueueID)
	require.NoError(t, err)
	require.Len(t, f.bus.events, 2)
	assert.Equal(t, notify.BusQueueProceeded, f.bus.events[1].EventType)
	require.NotNil(t, f.bus.events[1].NewQueueLength)
	assert.Equal(t, 0, *f.bus.events[1].NewQueueLength)

	_, err = f.engine.Remove(ctx, q.QueueID, "c1")
	require.NoError(t, err)
	assert.Equal(t, notify.BusClientRemoved, f.bus.events[2].EventType)
}

// brokenCache fails every call.
type brokenCache struct{}

var errBroken = errors.New("connection refused")

func (brokenCache) Get(context.Context, string) ([]byte, bool, error) { return nil, false, errBroken }
func (brokenCache) Set(context.Context, string, []byte, time.Duration) error {
	return errBroken
}
func (brokenCache) Delete(context.Context, ...string) error { return errBroken }
func (brokenCache) Has(context.Context, string) (bool, error) { return false, errBroken }
func (brokenCache) Increment(context.Context, string, int64) (int64, error) { return 0, errBroken }
func (brokenCache) Decrement(context.Context, string, int64) (int64, error) { return 0, errBroken }
func (brokenCache) ListPush(context.Context, string, []byte, int64) error { return errBroken }
func (brokenCache) ListRange(context.Context, string, int64, int64) ([][]byte, error) {
	return nil, errBroken
}
func (brokenCache) ListPop(context.Context, string, int) ([][]byte, error) { return nil, errBroken }
func (brokenCache) SetAdd(context.Context, string, ...string) error { return errBroken }
func (brokenCache) SetMembers(context.Context, string) ([]string, error) { return nil, errBroken }
func (brokenCache) Publish(context.Context, string, []byte) error { return errBroken }
func (brokenCache) Subscribe(context.Context, string) (cache.Subscription, error) {
	return nil, errBroken
}

func TestCacheOutageDegradesToStore(t *testing.T) {
	st := memstore.New()
	clock := newTestClock()
	e := New(st, Options{
		Cache:    cache.NewLayer(brokenCache{}),
		Notifier: notify.NewFanout(brokenCache{}),
		Clock:    clock.Now,
	})
	ctx := context.Background()

	q, err := e.CreateQueue(ctx, CreateQueueInput{Name: "desk", MaxClients: 5})
	require.NoError(t, err)
	_, err = e.Admit(ctx, AdmitInput{QueueID: q.QueueID, ClientID: "c1"})
	require.NoError(t, err)
	_, err = e.Admit(ctx, AdmitInput{QueueID: q.QueueID, ClientID: "c2", Priority: models.PriorityVIP})
	require.NoError(t, err)

	state, err := e.GetQueueState(ctx, q.QueueID)
	require.NoError(t, err)
	assert.Equal(t, 2, state.ClientCount)

	next, found, err := e.Peek(ctx, q.QueueID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "c2", next.ClientID)

	got, err := e.GetQueue(ctx, q.QueueID)
	require.NoError(t, err)
	assert.Equal(t, q.QueueID, got.QueueID)
	requireDense(t, st, q.QueueID)
}

func TestGetQueueStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	q := f.queue(t, 10)
	op, err := f.engine.CreateOperator(ctx, CreateOperatorInput{Name: "Ana", QueueID: q.QueueID})
	require.NoError(t, err)

	empty, err := f.engine.GetQueueStats(ctx, q.QueueID, "")
	require.NoError(t, err)
	assert.Equal(t, models.PeriodDay, empty.Period)
	assert.Zero(t, empty.Services.Total)
	assert.Equal(t, "00:00", empty.FormattedWaitTime)

	f.admit(t, q.QueueID, "c1", models.PriorityNormal)
	log, err := f.engine.StartServing(ctx, StartServingInput{OperatorID: op.OperatorID, ClientID: "c1", QueueID: q.QueueID})
	require.NoError(t, err)
	f.clock.Advance(2 * time.Minute)
	_, err = f.engine.FinishServing(ctx, FinishServingInput{OperatorID: op.OperatorID, ServiceLogID: log.ServiceLogID})
	require.NoError(t, err)
	f.admit(t, q.QueueID, "c2", models.PriorityNormal)
	f.admit(t, q.QueueID, "c3", models.PriorityNormal)

	stats, err := f.engine.GetQueueStats(ctx, q.QueueID, models.PeriodDay)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Services.Total)
	assert.Equal(t, 1, stats.Services.Completed)
	assert.Equal(t, 100.0, stats.CompletionRate)
	assert.Equal(t, 120.0, stats.Services.AverageServiceTime)
	assert.Equal(t, 2, stats.Waiting)
	assert.Equal(t, 1, stats.AvailableOperators)
	assert.Equal(t, 240, stats.EstimatedWaitTime)
	assert.Equal(t, "04:00", stats.FormattedWaitTime)

	opStats, err := f.engine.OperatorStats(ctx, op.OperatorID, models.PeriodWeek)
	require.NoError(t, err)
	assert.Equal(t, 1, opStats.Services.Completed)
	assert.Equal(t, 1, opStats.ServedToday)

	_, err = f.engine.GetQueueStats(ctx, q.QueueID, "year")
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestQueueStatsFollowQueueMutations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	q := f.queue(t, 10)

	before, err := f.engine.GetQueueStats(ctx, q.QueueID, models.PeriodDay)
	require.NoError(t, err)
	assert.Zero(t, before.Waiting)
	assert.Zero(t, before.EstimatedWaitTime)

	f.admit(t, q.QueueID, "c1", models.PriorityNormal)
	f.admit(t, q.QueueID, "c2", models.PriorityNormal)
	stats, err := f.engine.GetQueueStats(ctx, q.QueueID, models.PeriodDay)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Waiting)
	assert.Equal(t, 120, stats.EstimatedWaitTime)
	assert.Equal(t, "02:00", stats.FormattedWaitTime)

	ana, err := f.engine.CreateOperator(ctx, CreateOperatorInput{Name: "Ana", QueueID: q.QueueID})
	require.NoError(t, err)
	_, err = f.engine.CreateOperator(ctx, CreateOperatorInput{Name: "Ben", QueueID: q.QueueID})
	require.NoError(t, err)
	stats, err = f.engine.GetQueueStats(ctx, q.QueueID, models.PeriodDay)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.AvailableOperators)
	assert.Equal(t, 60, stats.EstimatedWaitTime)

	_, err = f.engine.Remove(ctx, q.QueueID, "c2")
	require.NoError(t, err)
	stats, err = f.engine.GetQueueStats(ctx, q.QueueID, models.PeriodDay)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Waiting)
	assert.Equal(t, 30, stats.EstimatedWaitTime)

	log, err := f.engine.StartServing(ctx, StartServingInput{OperatorID: ana.OperatorID, ClientID: "c1", QueueID: q.QueueID})
	require.NoError(t, err)
	stats, err = f.engine.GetQueueStats(ctx, q.QueueID, models.PeriodDay)
	require.NoError(t, err)
	assert.Zero(t, stats.Waiting)
	assert.Equal(t, 1, stats.AvailableOperators)
	assert.Equal(t, 1, stats.Services.Total)
	assert.Zero(t, stats.Services.Completed)

	_, err = f.engine.FinishServing(ctx, FinishServingInput{OperatorID: ana.OperatorID, ServiceLogID: log.ServiceLogID})
	require.NoError(t, err)
	stats, err = f.engine.GetQueueStats(ctx, q.QueueID, models.PeriodDay)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Services.Completed)
	assert.Equal(t, 2, stats.AvailableOperators)

	opStats, err := f.engine.OperatorStats(ctx, ana.OperatorID, models.PeriodDay)
	require.NoError(t, err)
	assert.Equal(t, 1, opStats.ServedToday)
	_, err = f.engine.ResetDailyCounters(ctx)
	require.NoError(t, err)
	opStats, err = f.engine.OperatorStats(ctx, ana.OperatorID, models.PeriodDay)
	require.NoError(t, err)
	assert.Zero(t, opStats.ServedToday)
	assert.Equal(t, 1, opStats.Services.Completed)
}

func TestServingOperatorStaysBusy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	q := f.queue(t, 10)
	op, err := f.engine.CreateOperator(ctx, CreateOperatorInput{Name: "Ana", QueueID: q.QueueID})
	require.NoError(t, err)
	f.admit(t, q.QueueID, "c1", models.PriorityNormal)
	f.admit(t, q.QueueID, "c2", models.PriorityNormal)

	log, err := f.engine.StartServing(ctx, StartServingInput{OperatorID: op.OperatorID, ClientID: "c1", QueueID: q.QueueID})
	require.NoError(t, err)

	_, err = f.engine.SetOperatorStatus(ctx, op.OperatorID, models.OperatorAvailable)
	require.ErrorIs(t, err, ErrInvalidStatusTransition)
	_, err = f.engine.SetOperatorStatus(ctx, op.OperatorID, models.OperatorOffline)
	require.ErrorIs(t, err, ErrInvalidStatusTransition)

	_, err = f.engine.StartServing(ctx, StartServingInput{OperatorID: op.OperatorID, ClientID: "c2", QueueID: q.QueueID})
	require.ErrorIs(t, err, ErrOperatorUnavailable)
	assert.Equal(t, map[string]int{"c2": 1}, f.slots(t, q.QueueID))

	cached, err := f.engine.GetOperator(ctx, op.OperatorID)
	require.NoError(t, err)
	assert.Equal(t, models.OperatorBusy, cached.Status)

	_, err = f.engine.FinishServing(ctx, FinishServingInput{OperatorID: op.OperatorID, ServiceLogID: log.ServiceLogID})
	require.NoError(t, err)

	offline, err := f.engine.SetOperatorStatus(ctx, op.OperatorID, models.OperatorOffline)
	require.NoError(t, err)
	assert.Equal(t, models.OperatorOffline, offline.Status)
	_, err = f.engine.SetOperatorStatus(ctx, op.OperatorID, models.OperatorAvailable)
	require.NoError(t, err)

	_, err = f.engine.StartServing(ctx, StartServingInput{OperatorID: op.OperatorID, ClientID: "c2", QueueID: q.QueueID})
	require.NoError(t, err)

	_, err = f.engine.SetOperatorStatus(ctx, op.OperatorID, "asleep")
	require.ErrorIs(t, err, ErrInvalidArgument)
	_, err = f.engine.SetOperatorStatus(ctx, "ghost", models.OperatorOffline)
	require.ErrorIs(t, err, ErrOperatorNotFound)
}

func TestAssignOperatorAcrossServe(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	front := f.queue(t, 10)
	back := f.queue(t, 10)
	op, err := f.engine.CreateOperator(ctx, CreateOperatorInput{Name: "Ana", QueueID: front.QueueID})
	require.NoError(t, err)
	f.admit(t, front.QueueID, "c1", models.PriorityNormal)
	f.admit(t, back.QueueID, "c2", models.PriorityNormal)

	log, err := f.engine.StartServing(ctx, StartServingInput{OperatorID: op.OperatorID, ClientID: "c1", QueueID: front.QueueID})
	require.NoError(t, err)

	_, err = f.engine.AssignOperator(ctx, op.OperatorID, back.QueueID)
	require.ErrorIs(t, err, ErrOperatorUnavailable)
	_, err = f.engine.AssignOperator(ctx, op.OperatorID, "")
	require.ErrorIs(t, err, ErrOperatorUnavailable)
	stored, err := f.store.GetOperator(ctx, op.OperatorID)
	require.NoError(t, err)
	assert.Equal(t, front.QueueID, stored.CurrentQueueID)

	_, err = f.engine.FinishServing(ctx, FinishServingInput{OperatorID: op.OperatorID, ServiceLogID: log.ServiceLogID})
	require.NoError(t, err)

	moved, err := f.engine.AssignOperator(ctx, op.OperatorID, back.QueueID)
	require.NoError(t, err)
	assert.Equal(t, back.QueueID, moved.CurrentQueueID)

	frontStats, err := f.engine.GetQueueStats(ctx, front.QueueID, models.PeriodDay)
	require.NoError(t, err)
	assert.Zero(t, frontStats.AvailableOperators)
	backStats, err := f.engine.GetQueueStats(ctx, back.QueueID, models.PeriodDay)
	require.NoError(t, err)
	assert.Equal(t, 1, backStats.AvailableOperators)
	assert.Equal(t, 1, backStats.Waiting)

	_, err = f.engine.StartServing(ctx, StartServingInput{OperatorID: op.OperatorID, ClientID: "c2", QueueID: back.QueueID})
	require.NoError(t, err)

	_, err = f.engine.AssignOperator(ctx, op.OperatorID, "missing")
	require.ErrorIs(t, err, ErrQueueNotFound)
}

func TestQueueAdministration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	q := f.queue(t, 3)
	f.admit(t, q.QueueID, "c1", models.PriorityNormal)
	f.admit(t, q.QueueID, "c2", models.PriorityNormal)

	one := 1
	_, err := f.engine.UpdateQueue(ctx, q.QueueID, UpdateQueueInput{MaxClients: &one})
	require.ErrorIs(t, err, ErrCapacityExceeded)

	err = f.engine.DeleteQueue(ctx, q.QueueID)
	require.ErrorIs(t, err, ErrQueueNotEmpty)

	_, err = f.engine.Remove(ctx, q.QueueID, "c1")
	require.NoError(t, err)
	_, err = f.engine.Remove(ctx, q.QueueID, "c2")
	require.NoError(t, err)
	require.NoError(t, f.engine.DeleteQueue(ctx, q.QueueID))

	_, err = f.engine.GetQueue(ctx, q.QueueID)
	require.ErrorIs(t, err, ErrQueueNotFound)
	queues, err := f.engine.ListQueues(ctx)
	require.NoError(t, err)
	assert.Empty(t, queues)
}

func TestClientPositionsAcrossQueues(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.queue(t, 5)
	f.clock.Advance(time.Second)
	b := f.queue(t, 5)

	f.admit(t, a.QueueID, "c1", models.PriorityNormal)
	f.clock.Advance(time.Second)
	f.admit(t, b.QueueID, "c1", models.PriorityHigh)

	positions, err := f.engine.ClientPositions(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, positions, 2)
	assert.Equal(t, a.QueueID, positions[0].QueueID)

	_, err = f.engine.Remove(ctx, a.QueueID, "c1")
	require.NoError(t, err)
	positions, err = f.engine.ClientPositions(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, b.QueueID, positions[0].QueueID)
}
