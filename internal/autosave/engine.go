// Package autosave implements debounced, batched persistence of settings edits.
//
// Edits are buffered per key and flushed as one batch after a quiet period.
// At most one flush is in flight at a time. While a request is outstanding,
// further edits stay in the buffer and are sent by a follow-up flush. A status
// indicator (Idle, Pending, Saving, Saved, Error) tracks progress, and
// EffectiveValue always reflects what the user last typed.
//
// Timer callbacks and flush responses are guarded by generation counters and a
// closed flag, so nothing mutates the engine after Close.
package autosave

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vaultgate/vaultgate/internal/settings"
)

// Engine coalesces settings edits and persists them through a Store
type Engine struct {
	store          Store
	logger         *logrus.Logger
	recorder       Recorder
	evaluator      *Evaluator
	debounce       time.Duration
	savedHold      time.Duration
	requestTimeout time.Duration

	mu          sync.Mutex
	catalog     settings.Catalog
	confirmed   map[string]string
	edits       *EditBuffer
	machine     statusMachine
	flushTimer  *time.Timer
	flushGen    uint64
	resetTimer  *time.Timer
	resetGen    uint64
	inFlight    bool
	deferred    bool
	closed      bool
	outbox      []StatusEvent
	dispatching bool
	listeners   []listener
	nextID      int
}

type listener struct {
	id int
	fn func(StatusEvent)
}

// New creates an engine persisting through store
func New(store Store, opts ...Option) *Engine {
	e := &Engine{
		store:          store,
		logger:         logrus.StandardLogger(),
		evaluator:      NewEvaluator(nil),
		debounce:       DefaultDebounce,
		savedHold:      DefaultSavedHold,
		requestTimeout: DefaultRequestTimeout,
		catalog:        settings.Catalog{},
		confirmed:      make(map[string]string),
		edits:          NewEditBuffer(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Refresh replaces the catalog with the store's current contents.
// It does not touch pending edits and never waits on a flush.
func (e *Engine) Refresh(ctx context.Context) error {
	catalog, err := e.store.Fetch(ctx)
	if err != nil {
		e.logger.WithError(err).Warn("Settings catalog fetch failed")
		return &FetchError{Err: err}
	}
	if catalog == nil {
		catalog = settings.Catalog{}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.catalog = catalog
	e.confirmed = make(map[string]string)
	return nil
}

// HandleChange records an edit and (re)arms the debounce timer
func (e *Engine) HandleChange(key, value string) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.edits.Set(key, value)
	e.stopResetLocked()
	e.setStatusLocked(StatusPending, "")
	e.armFlushLocked()
	e.mu.Unlock()

	e.dispatch()
}

// Flush sends the current edit buffer as one batch. It is a no-op while
// another flush is in flight; the outstanding flush schedules a follow-up
// when it resolves. Flush blocks until the store responds.
func (e *Engine) Flush() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	if e.inFlight {
		e.deferred = true
		e.mu.Unlock()
		return
	}

	batch := e.edits.Snapshot()
	if batch.Len() == 0 {
		e.setStatusLocked(StatusIdle, "")
		e.mu.Unlock()
		e.dispatch()
		return
	}

	// A direct call supersedes any armed debounce timer; the snapshot
	// already holds every pending edit.
	e.stopFlushLocked()
	if !e.setStatusLocked(StatusSaving, "") {
		// edits stay buffered; the next edit schedules another flush
		e.mu.Unlock()
		return
	}
	e.inFlight = true
	e.mu.Unlock()
	e.dispatch()

	ctx, cancel := context.WithTimeout(context.Background(), e.requestTimeout)
	start := time.Now()
	updated, err := e.store.Update(ctx, batch.Changes())
	cancel()
	elapsed := time.Since(start)

	e.mu.Lock()
	e.inFlight = false
	if e.closed {
		e.mu.Unlock()
		return
	}
	if e.recorder != nil {
		e.recorder.ObserveFlush(batch.Len(), elapsed, err)
	}

	if err != nil {
		e.logger.WithError(err).WithFields(logrus.Fields{
			"keys":     batch.Len(),
			"duration": elapsed,
		}).Warn("Settings autosave failed")
		e.setStatusLocked(StatusError, err.Error())
	} else {
		for _, c := range batch.Changes() {
			e.confirmed[c.Key] = c.Value
		}
		removed := e.edits.Acknowledge(batch)
		e.logger.WithFields(logrus.Fields{
			"keys":      batch.Len(),
			"confirmed": len(updated),
			"cleared":   removed,
			"remaining": e.edits.Len(),
			"duration":  elapsed,
		}).Debug("Settings autosave completed")

		if e.edits.Len() == 0 {
			e.setStatusLocked(StatusSaved, "")
			e.armResetLocked()
		} else {
			e.setStatusLocked(StatusPending, "")
		}
	}

	if e.deferred {
		e.deferred = false
		if e.edits.Len() > 0 && e.flushTimer == nil {
			e.armFlushLocked()
		}
	}
	e.mu.Unlock()
	e.dispatch()
}

// Discard drops all pending edits and cancels a scheduled flush.
// A flush already in flight is not affected.
func (e *Engine) Discard() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.edits.Clear()
	e.stopFlushLocked()
	e.deferred = false
	if !e.inFlight && (e.machine.status == StatusPending || e.machine.status == StatusError) {
		e.setStatusLocked(StatusIdle, "")
	}
	e.mu.Unlock()
	e.dispatch()
}

// Close stops both timers and ignores any response that arrives afterwards.
// It is safe to call more than once.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	e.stopFlushLocked()
	e.stopResetLocked()
	e.outbox = nil
	e.listeners = nil
	if e.edits.Len() > 0 {
		e.logger.WithField("keys", e.edits.Len()).Warn("Autosave engine closed with unsaved edits")
	}
}

// EffectiveValue returns the value to display for key
func (e *Engine) EffectiveValue(key string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return effectiveValue(e.catalog, e.confirmed, e.edits, key)
}

// Warning evaluates the advisory warning for key at its effective value
func (e *Engine) Warning(key, external string) string {
	return e.evaluator.Warning(key, e.EffectiveValue(key), external)
}

// Status returns the current status and, in StatusError, the failure message
func (e *Engine) Status() (Status, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.machine.status, e.machine.err
}

// Pending returns the unsaved edits ordered by key
func (e *Engine) Pending() []settings.Change {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.edits.Snapshot().Changes()
}

// InFlight reports whether a flush request is outstanding
func (e *Engine) InFlight() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inFlight
}

// Catalog returns the last fetched catalog
func (e *Engine) Catalog() settings.Catalog {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.catalog
}

// Subscribe registers fn for status changes. Events are delivered in order,
// outside the engine lock, so fn may call back into the engine.
func (e *Engine) Subscribe(fn func(StatusEvent)) (unsubscribe func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return func() {}
	}
	e.nextID++
	id := e.nextID
	e.listeners = append(e.listeners, listener{id: id, fn: fn})

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		for i, l := range e.listeners {
			if l.id == id {
				e.listeners = append(e.listeners[:i:i], e.listeners[i+1:]...)
				return
			}
		}
	}
}

// setStatusLocked queues the event for a visible change. It returns false
// only when the transition is illegal.
func (e *Engine) setStatusLocked(next Status, errMsg string) bool {
	ev, changed, err := e.machine.move(next, errMsg)
	if err != nil {
		e.logger.WithError(err).Error("Autosave status machine rejected transition")
		return false
	}
	if !changed {
		return true
	}
	if e.recorder != nil {
		e.recorder.ObserveStatus(ev.Status)
	}
	e.outbox = append(e.outbox, ev)
	return true
}

func (e *Engine) armFlushLocked() {
	e.stopFlushLocked()
	gen := e.flushGen
	e.flushTimer = time.AfterFunc(e.debounce, func() {
		e.mu.Lock()
		if e.closed || gen != e.flushGen {
			e.mu.Unlock()
			return
		}
		e.flushTimer = nil
		e.mu.Unlock()
		e.Flush()
	})
}

func (e *Engine) stopFlushLocked() {
	if e.flushTimer != nil {
		e.flushTimer.Stop()
		e.flushTimer = nil
	}
	e.flushGen++
}

func (e *Engine) armResetLocked() {
	e.stopResetLocked()
	gen := e.resetGen
	e.resetTimer = time.AfterFunc(e.savedHold, func() {
		e.mu.Lock()
		if e.closed || gen != e.resetGen || e.machine.status != StatusSaved {
			e.mu.Unlock()
			return
		}
		e.resetTimer = nil
		e.setStatusLocked(StatusIdle, "")
		e.mu.Unlock()
		e.dispatch()
	})
}

func (e *Engine) stopResetLocked() {
	if e.resetTimer != nil {
		e.resetTimer.Stop()
		e.resetTimer = nil
	}
	e.resetGen++
}

// dispatch drains the outbox. Only one goroutine drains at a time; events
// queued by others, or by listeners themselves, are picked up by the loop.
func (e *Engine) dispatch() {
	e.mu.Lock()
	if e.dispatching {
		e.mu.Unlock()
		return
	}
	e.dispatching = true

	for len(e.outbox) > 0 && !e.closed {
		ev := e.outbox[0]
		e.outbox = e.outbox[1:]
		fns := make([]func(StatusEvent), len(e.listeners))
		for i, l := range e.listeners {
			fns[i] = l.fn
		}
		e.mu.Unlock()

		for _, fn := range fns {
			fn(ev)
		}

		e.mu.Lock()
	}

	e.dispatching = false
	e.mu.Unlock()
}
