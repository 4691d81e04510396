package autosave

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/vaultgate/vaultgate/internal/settings"
)

const (
	testDebounce  = 30 * time.Millisecond
	testSavedHold = 120 * time.Millisecond
	waitFor       = 2 * time.Second
	tick          = 5 * time.Millisecond
)

// fakeStore records Update calls. When gated, each Update blocks until a
// value is sent on gate.
type fakeStore struct {
	mu        sync.Mutex
	catalog   settings.Catalog
	calls     [][]settings.Change
	updateErr error
	gate      chan struct{}
	started   chan struct{}
}

func newFakeStore() *fakeStore {
	return &fakeStore{started: make(chan struct{}, 16)}
}

func (f *fakeStore) Fetch(ctx context.Context) (settings.Catalog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.catalog, nil
}

func (f *fakeStore) Update(ctx context.Context, batch []settings.Change) ([]settings.Setting, error) {
	f.mu.Lock()
	f.calls = append(f.calls, batch)
	gate := f.gate
	err := f.updateErr
	f.mu.Unlock()

	f.started <- struct{}{}
	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}

	out := make([]settings.Setting, len(batch))
	for i, c := range batch {
		out[i] = settings.Setting{Key: c.Key, Value: c.Value, UpdatedAt: time.Now()}
	}
	return out, nil
}

func (f *fakeStore) Calls() [][]settings.Change {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]settings.Change(nil), f.calls...)
}

// MockStore is a testify mock of Store
type MockStore struct {
	mock.Mock
}

func (m *MockStore) Fetch(ctx context.Context) (settings.Catalog, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(settings.Catalog), args.Error(1)
}

func (m *MockStore) Update(ctx context.Context, batch []settings.Change) ([]settings.Setting, error) {
	args := m.Called(ctx, batch)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]settings.Setting), args.Error(1)
}

// eventLog collects status events
type eventLog struct {
	mu     sync.Mutex
	events []StatusEvent
}

func (l *eventLog) add(ev StatusEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) statuses() []Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Status, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.Status
	}
	return out
}

func (l *eventLog) all() []StatusEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]StatusEvent(nil), l.events...)
}

func newTestEngine(t *testing.T, store Store, opts ...Option) (*Engine, *eventLog) {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	base := []Option{
		WithDebounce(testDebounce),
		WithSavedHold(testSavedHold),
		WithLogger(logger),
	}
	e := New(store, append(base, opts...)...)
	t.Cleanup(e.Close)

	log := &eventLog{}
	e.Subscribe(log.add)
	return e, log
}

func statusIs(e *Engine, want Status) func() bool {
	return func() bool {
		s, _ := e.Status()
		return s == want
	}
}

func eventsReach(log *eventLog, n int) func() bool {
	return func() bool {
		return len(log.statuses()) >= n
	}
}

func TestEngine_CoalescesEditsToOneKey(t *testing.T) {
	store := newFakeStore()
	e, _ := newTestEngine(t, store)

	for i := 0; i < 50; i++ {
		e.HandleChange("withdrawal.fee_percentage", fmt.Sprint(i))
	}

	require.Eventually(t, statusIs(e, StatusSaved), waitFor, tick)
	calls := store.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, []settings.Change{{Key: "withdrawal.fee_percentage", Value: "49"}}, calls[0])
}

func TestEngine_BatchesEditsWithinWindow(t *testing.T) {
	store := newFakeStore()
	e, _ := newTestEngine(t, store)

	e.HandleChange("b", "valB")
	e.HandleChange("a", "valA")

	require.Eventually(t, statusIs(e, StatusSaved), waitFor, tick)
	calls := store.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, []settings.Change{
		{Key: "a", Value: "valA"},
		{Key: "b", Value: "valB"},
	}, calls[0])
	assert.Empty(t, e.Pending())
}

func TestEngine_NoLostUpdates(t *testing.T) {
	store := newFakeStore()
	store.gate = make(chan struct{})
	e, _ := newTestEngine(t, store)

	e.HandleChange("k", "1")
	<-store.started
	assert.True(t, e.InFlight())

	// edit the same key while the first flush is outstanding
	e.HandleChange("k", "2")
	assert.Equal(t, "2", e.EffectiveValue("k"))

	store.gate <- struct{}{}

	// the follow-up flush carries the newer value
	<-store.started
	calls := store.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, []settings.Change{{Key: "k", Value: "1"}}, calls[0])
	assert.Equal(t, []settings.Change{{Key: "k", Value: "2"}}, calls[1])
	assert.Equal(t, []settings.Change{{Key: "k", Value: "2"}}, e.Pending())

	store.gate <- struct{}{}
	require.Eventually(t, statusIs(e, StatusSaved), waitFor, tick)
	assert.Empty(t, e.Pending())
	assert.Equal(t, "2", e.EffectiveValue("k"))
}

func TestEngine_DeferredFlushRunsAfterFlight(t *testing.T) {
	store := newFakeStore()
	store.gate = make(chan struct{})
	e, _ := newTestEngine(t, store)

	e.HandleChange("a", "1")
	<-store.started
	e.HandleChange("b", "2")

	// let the debounce timer for b fire while a is still in flight
	time.Sleep(3 * testDebounce)
	assert.Len(t, store.Calls(), 1)

	store.gate <- struct{}{}
	<-store.started
	calls := store.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, []settings.Change{{Key: "b", Value: "2"}}, calls[1])
	store.gate <- struct{}{}

	require.Eventually(t, statusIs(e, StatusSaved), waitFor, tick)
}

func TestEngine_ValueContinuity(t *testing.T) {
	store := newFakeStore()
	store.catalog = settings.Catalog{
		"deposit": {{Key: "deposit.address_ttl", Value: "7200"}},
	}
	e, log := newTestEngine(t, store)
	require.NoError(t, e.Refresh(context.Background()))
	assert.Equal(t, "7200", e.EffectiveValue("deposit.address_ttl"))

	var mu sync.Mutex
	var seen []string
	e.Subscribe(func(StatusEvent) {
		v := e.EffectiveValue("deposit.address_ttl")
		mu.Lock()
		seen = append(seen, v)
		mu.Unlock()
	})

	e.HandleChange("deposit.address_ttl", "1800")
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 4
	}, waitFor, tick)

	assert.Equal(t, []Status{StatusPending, StatusSaving, StatusSaved, StatusIdle}, log.statuses())
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 4)
	for _, v := range seen {
		assert.Equal(t, "1800", v)
	}
	assert.Equal(t, "1800", e.EffectiveValue("deposit.address_ttl"))
}

func TestEngine_StatusSequenceSuccess(t *testing.T) {
	store := newFakeStore()
	e, log := newTestEngine(t, store)

	s, _ := e.Status()
	assert.Equal(t, StatusIdle, s)

	e.HandleChange("security.session_timeout", "900")
	require.Eventually(t, eventsReach(log, 4), waitFor, tick)

	events := log.all()
	require.Len(t, events, 4)
	assert.Equal(t, []Status{StatusPending, StatusSaving, StatusSaved, StatusIdle}, log.statuses())

	held := events[3].At.Sub(events[2].At)
	assert.GreaterOrEqual(t, held, testSavedHold-10*time.Millisecond)
}

func TestEngine_StatusSequenceFailure(t *testing.T) {
	store := newFakeStore()
	store.updateErr = errors.New("backend unavailable")
	e, log := newTestEngine(t, store)

	e.HandleChange("withdrawal.mode", "manual")
	require.Eventually(t, statusIs(e, StatusError), waitFor, tick)

	// no automatic retry, status stays Error
	time.Sleep(3*testDebounce + testSavedHold)
	assert.Equal(t, []Status{StatusPending, StatusSaving, StatusError}, log.statuses())
	s, msg := e.Status()
	assert.Equal(t, StatusError, s)
	assert.Equal(t, "backend unavailable", msg)
	assert.Len(t, store.Calls(), 1)
	assert.Equal(t, []settings.Change{{Key: "withdrawal.mode", Value: "manual"}}, e.Pending())
	assert.Equal(t, "manual", e.EffectiveValue("withdrawal.mode"))

	// the next edit clears the message immediately and retries the whole buffer
	store.mu.Lock()
	store.updateErr = nil
	store.mu.Unlock()
	e.HandleChange("withdrawal.daily_limit", "5000")
	s, msg = e.Status()
	assert.Equal(t, StatusPending, s)
	assert.Empty(t, msg)

	require.Eventually(t, statusIs(e, StatusSaved), waitFor, tick)
	calls := store.Calls()
	require.Len(t, calls, 2)
	assert.Len(t, calls[1], 2)
}

// An edit made while a failing request is outstanding is sent by the
// follow-up flush, which starts from Error.
func TestEngine_FailedFlightWithConcurrentEdit(t *testing.T) {
	store := newFakeStore()
	store.gate = make(chan struct{})
	store.updateErr = errors.New("backend unavailable")
	e, log := newTestEngine(t, store)

	e.HandleChange("a", "1")
	<-store.started
	e.HandleChange("b", "2")
	// let the debounce for b fire while the first request is held
	time.Sleep(3 * testDebounce)

	store.mu.Lock()
	store.updateErr = nil
	store.mu.Unlock()
	store.gate <- struct{}{}

	<-store.started
	store.gate <- struct{}{}

	require.Eventually(t, statusIs(e, StatusIdle), waitFor, tick)
	assert.Equal(t, []Status{
		StatusPending, StatusSaving, StatusPending, StatusError,
		StatusSaving, StatusSaved, StatusIdle,
	}, log.statuses())

	events := log.all()
	assert.Equal(t, "backend unavailable", events[3].Err)
	assert.Empty(t, events[4].Err)

	calls := store.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, []settings.Change{{Key: "a", Value: "1"}}, calls[0])
	assert.Equal(t, []settings.Change{{Key: "a", Value: "1"}, {Key: "b", Value: "2"}}, calls[1])

	s, msg := e.Status()
	assert.Equal(t, StatusIdle, s)
	assert.Empty(t, msg)
	assert.Empty(t, e.Pending())
	assert.Equal(t, "2", e.EffectiveValue("b"))
}

func TestEngine_FlushRefusesIllegalTransition(t *testing.T) {
	store := newFakeStore()
	e, log := newTestEngine(t, store, WithDebounce(time.Hour))

	e.HandleChange("a", "1")
	e.mu.Lock()
	e.machine.status = StatusSaved
	e.mu.Unlock()

	e.Flush()
	assert.Empty(t, store.Calls())
	assert.Equal(t, []Status{StatusPending}, log.statuses())
	assert.Equal(t, []settings.Change{{Key: "a", Value: "1"}}, e.Pending())

	// the next edit puts the machine back on a legal path
	e.HandleChange("a", "2")
	e.Flush()
	require.Len(t, store.Calls(), 1)
	assert.Equal(t, []settings.Change{{Key: "a", Value: "2"}}, store.Calls()[0])
}

func TestEngine_EditDuringSavedCancelsRevert(t *testing.T) {
	store := newFakeStore()
	e, log := newTestEngine(t, store)

	e.HandleChange("a", "1")
	require.Eventually(t, statusIs(e, StatusSaved), waitFor, tick)

	e.HandleChange("a", "2")
	require.Eventually(t, eventsReach(log, 7), waitFor, tick)
	assert.Len(t, store.Calls(), 2)

	assert.Equal(t, []Status{
		StatusPending, StatusSaving, StatusSaved,
		StatusPending, StatusSaving, StatusSaved, StatusIdle,
	}, log.statuses())
}

func TestEngine_TeardownMidDebounce(t *testing.T) {
	store := newFakeStore()
	e, log := newTestEngine(t, store)

	e.HandleChange("a", "1")
	e.Close()
	time.Sleep(3 * testDebounce)

	assert.Empty(t, store.Calls())
	assert.Equal(t, []Status{StatusPending}, log.statuses())

	// calls after Close are no-ops
	assert.NotPanics(t, func() {
		e.HandleChange("a", "2")
		e.Flush()
		e.Discard()
		e.Close()
	})
	assert.Equal(t, "1", e.EffectiveValue("a"))
	assert.Equal(t, []Status{StatusPending}, log.statuses())
}

func TestEngine_TeardownMidFlush(t *testing.T) {
	store := newFakeStore()
	store.gate = make(chan struct{})
	e, log := newTestEngine(t, store)

	e.HandleChange("a", "1")
	<-store.started
	e.Close()

	assert.NotPanics(t, func() {
		store.gate <- struct{}{}
	})
	time.Sleep(testSavedHold)

	s, _ := e.Status()
	assert.Equal(t, StatusSaving, s)
	assert.Equal(t, []Status{StatusPending, StatusSaving}, log.statuses())
	assert.Equal(t, []settings.Change{{Key: "a", Value: "1"}}, e.Pending())
}

func TestEngine_TeardownDuringSaved(t *testing.T) {
	store := newFakeStore()
	e, log := newTestEngine(t, store)

	e.HandleChange("a", "1")
	require.Eventually(t, eventsReach(log, 3), waitFor, tick)
	e.Close()
	time.Sleep(testSavedHold + testDebounce)

	s, _ := e.Status()
	assert.Equal(t, StatusSaved, s)
	assert.Equal(t, []Status{StatusPending, StatusSaving, StatusSaved}, log.statuses())
}

func TestEngine_FlushEmptyBuffer(t *testing.T) {
	store := newFakeStore()
	e, log := newTestEngine(t, store)

	e.Flush()
	assert.Empty(t, store.Calls())
	assert.Empty(t, log.statuses())

	s, _ := e.Status()
	assert.Equal(t, StatusIdle, s)
}

func TestEngine_DiscardCancelsScheduledFlush(t *testing.T) {
	store := newFakeStore()
	e, log := newTestEngine(t, store)

	e.HandleChange("a", "1")
	e.Discard()
	time.Sleep(3 * testDebounce)

	assert.Empty(t, store.Calls())
	assert.Empty(t, e.Pending())
	assert.Equal(t, []Status{StatusPending, StatusIdle}, log.statuses())
}

func TestEngine_RefreshWithMock(t *testing.T) {
	store := new(MockStore)
	catalog := settings.Catalog{
		"withdrawal": {
			{Key: "withdrawal.mode", Value: "auto"},
			{Key: "withdrawal.daily_limit", Value: "100000"},
		},
	}
	store.On("Fetch", mock.Anything).Return(catalog, nil).Once()
	store.On("Fetch", mock.Anything).Return(nil, errors.New("connection refused")).Once()

	// the debounce never fires, so Update is never called on the mock
	e, _ := newTestEngine(t, store, WithDebounce(time.Hour))
	require.NoError(t, e.Refresh(context.Background()))
	assert.Equal(t, "auto", e.EffectiveValue("withdrawal.mode"))
	assert.Equal(t, "", e.EffectiveValue("feature.hidden"))

	e.HandleChange("withdrawal.mode", "manual")

	err := e.Refresh(context.Background())
	var fetchErr *FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Contains(t, err.Error(), "connection refused")

	// a failed fetch keeps the previous catalog and never touches edits
	assert.Equal(t, "manual", e.EffectiveValue("withdrawal.mode"))
	assert.Equal(t, "100000", e.EffectiveValue("withdrawal.daily_limit"))
	e.Discard()
	store.AssertExpectations(t)
}

func TestEngine_UpdateFailureWithMock(t *testing.T) {
	store := new(MockStore)
	batch := []settings.Change{{Key: "deposit.confirmations", Value: "2"}}
	store.On("Update", mock.Anything, batch).Return(nil, errors.New("422: value must be at least 3")).Once()

	e, _ := newTestEngine(t, store, WithMeta(nil))
	e.HandleChange("deposit.confirmations", "2")

	require.Eventually(t, statusIs(e, StatusError), waitFor, tick)
	_, msg := e.Status()
	assert.Contains(t, msg, "at least 3")
	store.AssertExpectations(t)
}

func TestEngine_WarningUsesEffectiveValue(t *testing.T) {
	store := newFakeStore()
	store.catalog = settings.Catalog{"session": {{Key: "session.ttl", Value: "7200"}}}
	e, _ := newTestEngine(t, store, WithMeta(loadThresholds(t)))
	require.NoError(t, e.Refresh(context.Background()))

	assert.Empty(t, e.Warning("session.ttl", ""))
	e.HandleChange("session.ttl", "1800")
	assert.Equal(t, "too short", e.Warning("session.ttl", ""))
	assert.Equal(t, "external", e.Warning("session.ttl", "external"))

	// warnings never block the save
	require.Eventually(t, statusIs(e, StatusSaved), waitFor, tick)
	assert.Len(t, store.Calls(), 1)
}

type countingRecorder struct {
	mu       sync.Mutex
	flushes  int
	failures int
	statuses []Status
}

func (r *countingRecorder) ObserveFlush(batchSize int, d time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushes++
	if err != nil {
		r.failures++
	}
}

func (r *countingRecorder) ObserveStatus(s Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, s)
}

func TestEngine_Recorder(t *testing.T) {
	store := newFakeStore()
	rec := &countingRecorder{}
	e, _ := newTestEngine(t, store, WithRecorder(rec))

	e.HandleChange("a", "1")
	require.Eventually(t, statusIs(e, StatusIdle), waitFor, tick)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, 1, rec.flushes)
	assert.Zero(t, rec.failures)
	assert.Equal(t, []Status{StatusPending, StatusSaving, StatusSaved, StatusIdle}, rec.statuses)
}

func TestEngine_RecorderSkipsFlushResolvedAfterClose(t *testing.T) {
	store := newFakeStore()
	store.gate = make(chan struct{})
	rec := &countingRecorder{}
	e, _ := newTestEngine(t, store, WithRecorder(rec))

	e.HandleChange("a", "1")
	<-store.started
	e.Close()
	store.gate <- struct{}{}
	time.Sleep(testSavedHold)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Zero(t, rec.flushes)
	assert.Equal(t, []Status{StatusPending, StatusSaving}, rec.statuses)
}

func TestEngine_Unsubscribe(t *testing.T) {
	store := newFakeStore()
	e, _ := newTestEngine(t, store)

	log := &eventLog{}
	unsubscribe := e.Subscribe(log.add)
	e.HandleChange("a", "1")
	unsubscribe()
	require.Eventually(t, statusIs(e, StatusSaved), waitFor, tick)

	assert.Equal(t, []Status{StatusPending}, log.statuses())
}
