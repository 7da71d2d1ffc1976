// Copyright the dbconn authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dbconn

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xflagstudio/db-connection/internal/metrics"
)

// txStatus is the connection holder's transaction status, per spec.md §3.
type txStatus int

const (
	txIdle txStatus = iota
	txTransaction
	txFailed
)

// holder is the spec's "connection holder record" (§3): a single-threaded
// actor owning one Adapter State. It is realized in Go as a background
// goroutine (the disconnected/connected supervisor loop) plus a mutex that
// serializes every adapter call, since at most one of {the checked-out
// client, the background pinger} is ever meant to be calling in at a time
// — the mutex is this project's stand-in for the process mailbox an actor
// language would use (SPEC_FULL.md §4).
type holder struct {
	id      int
	adapter Adapter
	opts    Options
	metrics *metrics.PoolMetrics
	diag    *zap.Logger

	onIdle       func(h *holder)
	onTerminated func(h *holder, err error)

	mu         sync.Mutex
	state      State
	connected  bool
	stopped    bool
	backoff    *Backoff
	txStatus   txStatus
	cursors    map[interface{}]struct{}
	clientRef  uint64
	stopWatch  chan struct{}
	terminated error

	wakeCh chan struct{}
	stopCh chan struct{}
}

func newHolder(id int, adapter Adapter, opts Options, m *metrics.PoolMetrics, diag *zap.Logger, backoff *Backoff) *holder {
	return &holder{
		id:      id,
		adapter: adapter,
		opts:    opts,
		metrics: m,
		diag:    diag,
		backoff: backoff,
		cursors: make(map[interface{}]struct{}),
		wakeCh:  make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}
}

// connectOnce performs a single synchronous connect attempt, used for
// sync_connect startup (spec.md §4.3 "Startup").
func (h *holder) connectOnce(ctx context.Context) error {
	state, err := h.adapter.Connect(ctx, h.opts.AdapterOpts)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.state = state
	h.connected = true
	h.txStatus = txIdle
	h.cursors = make(map[interface{}]struct{})
	h.backoff.Reset()
	h.mu.Unlock()
	return nil
}

// run is the supervisor loop: spec.md §4.3's disconnected/connected
// top-level states.
func (h *holder) run(ctx context.Context) {
	for {
		h.mu.Lock()
		stopped := h.stopped
		connected := h.connected
		h.mu.Unlock()
		if stopped {
			return
		}
		if !connected {
			if !h.reconnectLoop(ctx) {
				return
			}
			continue
		}
		h.idleWait(ctx)
	}
}

// reconnectLoop retries connect with backoff until it succeeds or the
// holder is asked to stop. Returns false if the holder terminated.
func (h *holder) reconnectLoop(ctx context.Context) bool {
	delay, ok := h.backoff.Next()
	if !ok {
		h.terminate(fmt.Errorf("dbconn: backoff exhausted (type=stop)"))
		return false
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-h.stopCh:
		return false
	}

	if err := h.connectOnce(ctx); err != nil {
		h.diag.Warn("reconnect attempt failed", zap.Int("holder", h.id), zap.Error(err))
		return true
	}
	if h.metrics != nil {
		h.metrics.Reconnects.Inc()
	}
	h.diag.Info("holder reconnected", zap.Int("holder", h.id))
	if h.onIdle != nil {
		h.onIdle(h)
	}
	return true
}

// idleWait waits for the ping interval (when no client holds the
// connection) or for a wake signal (checkout/checkin/disconnect), per
// spec.md §4.3 "schedule ping after idle_interval when no client is
// holding."
func (h *holder) idleWait(ctx context.Context) {
	h.mu.Lock()
	idle := h.clientRef == 0 && h.connected
	h.mu.Unlock()
	if !idle {
		select {
		case <-h.wakeCh:
		case <-h.stopCh:
		}
		return
	}

	timer := time.NewTimer(h.opts.IdleInterval)
	defer timer.Stop()
	select {
	case <-timer.C:
		h.doPing(ctx)
	case <-h.wakeCh:
	case <-h.stopCh:
	}
}

func (h *holder) doPing(ctx context.Context) {
	_, _ = h.invoke(ctx, 0, func(ctx context.Context, ad Adapter, s State) Outcome {
		return ad.Ping(ctx, s)
	})
}

func (h *holder) wake() {
	select {
	case h.wakeCh <- struct{}{}:
	default:
	}
}

// invoke is the single choke point every adapter callback goes through.
// ref is 0 for background calls (ping); a non-zero ref must match the
// current checkout owner, enforcing spec.md §5 "Safety of handles".
func (h *holder) invoke(ctx context.Context, ref uint64, fn func(context.Context, Adapter, State) Outcome) (Outcome, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.invokeLocked(ctx, ref, fn)
}

func (h *holder) invokeLocked(ctx context.Context, ref uint64, fn func(context.Context, Adapter, State) Outcome) (Outcome, error) {
	if h.stopped {
		return Outcome{}, h.terminated
	}
	if !h.connected {
		return Outcome{}, newClosedError()
	}
	if ref != 0 && h.clientRef != ref {
		return Outcome{}, ErrOwnershipMismatch
	}

	cctx := ctx
	var cancel context.CancelFunc
	if h.opts.Timeout > 0 {
		cctx, cancel = context.WithTimeout(ctx, h.opts.Timeout)
		defer cancel()
	}

	outcome := h.safeInvoke(cctx, fn)

	switch outcome.Kind {
	case OutcomeOK, OutcomeError:
		h.state = outcome.State
		return outcome, nil
	case OutcomeDisconnect:
		h.handleDisconnectLocked(context.Background(), outcome)
		return outcome, nil
	default:
		err := newBadReturnError(outcome)
		h.terminateLocked(err)
		return Outcome{}, err
	}
}

// invokeFetchLocked is invoke's sibling for HandleFetch, whose FetchOutcome
// shape differs from Outcome. Caller must hold h.mu.
func (h *holder) invokeFetchLocked(ctx context.Context, ref uint64, query, cursor interface{}, opts map[string]interface{}) (FetchOutcome, error) {
	if h.stopped {
		return FetchOutcome{}, h.terminated
	}
	if !h.connected {
		return FetchOutcome{}, newClosedError()
	}
	if ref != 0 && h.clientRef != ref {
		return FetchOutcome{}, ErrOwnershipMismatch
	}

	cctx := ctx
	var cancel context.CancelFunc
	if h.opts.Timeout > 0 {
		cctx, cancel = context.WithTimeout(ctx, h.opts.Timeout)
		defer cancel()
	}

	fo := h.safeInvokeFetch(cctx, func(ctx context.Context, ad Adapter, s State) FetchOutcome {
		return ad.HandleFetch(ctx, query, cursor, opts, s)
	})

	switch fo.Kind {
	case OutcomeOK, OutcomeError:
		h.state = fo.State
		return fo, nil
	case OutcomeDisconnect:
		h.handleDisconnectLocked(context.Background(), fo.Outcome)
		return fo, nil
	default:
		err := newBadReturnError(fo)
		h.terminateLocked(err)
		return FetchOutcome{}, err
	}
}

func (h *holder) safeInvokeFetch(ctx context.Context, fn func(context.Context, Adapter, State) FetchOutcome) (out FetchOutcome) {
	defer func() {
		if r := recover(); r != nil {
			out = FetchOutcome{Outcome: Disconnect(fmt.Errorf("adapter callback panic: %v", r), h.state)}
		}
	}()
	return fn(ctx, h.adapter, h.state)
}

// safeInvoke recovers an adapter panic into a disconnect Outcome, per
// spec.md §7 "Protocol errors (... callback raises)".
func (h *holder) safeInvoke(ctx context.Context, fn func(context.Context, Adapter, State) Outcome) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = Disconnect(fmt.Errorf("adapter callback panic: %v", r), h.state)
		}
	}()
	return fn(ctx, h.adapter, h.state)
}

// invokeBestEffort downgrades an adapter error outcome to a disconnect,
// used for the implicit-rollback-on-client-death path where there is no
// caller left to observe a plain error (spec.md §4.3 "errors downgrade to
// disconnect").
func (h *holder) invokeBestEffort(ctx context.Context, ref uint64, fn func(context.Context, Adapter, State) Outcome) {
	h.mu.Lock()
	defer h.mu.Unlock()
	outcome, err := h.invokeLocked(ctx, ref, fn)
	if err != nil {
		return
	}
	if outcome.Kind == OutcomeError {
		h.handleDisconnectLocked(context.Background(), Disconnect(outcome.Err, outcome.State))
	}
}

// handleDisconnectLocked tears the adapter state down and arms the
// reconnect loop. Caller must hold h.mu.
func (h *holder) handleDisconnectLocked(ctx context.Context, outcome Outcome) {
	if !h.connected {
		return
	}
	_ = h.adapter.Disconnect(ctx, outcome.Err, outcome.State)
	h.diag.Warn("holder disconnected", zap.Int("holder", h.id), zap.Error(outcome.Err))
	h.connected = false
	h.state = nil
	h.clientRef = 0
	h.txStatus = txIdle
	h.cursors = make(map[interface{}]struct{})
	if h.stopWatch != nil {
		close(h.stopWatch)
		h.stopWatch = nil
	}
	h.backoff.Reset()
	h.wake()
}

func (h *holder) terminate(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.terminateLocked(err)
}

func (h *holder) terminateLocked(err error) {
	if h.stopped {
		return
	}
	h.stopped = true
	h.terminated = err
	h.diag.Error("holder terminated", zap.Int("holder", h.id), zap.Error(err))
	close(h.stopCh)
	if h.onTerminated != nil {
		go h.onTerminated(h, err)
	}
}

// stop asks the holder's background loop to exit without treating it as
// a protocol failure (spec.md §4.5 pool shutdown path).
func (h *holder) stop(ctx context.Context) {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.stopped = true
	connected := h.connected
	state := h.state
	close(h.stopCh)
	h.mu.Unlock()
	if connected {
		_ = h.adapter.Disconnect(ctx, nil, state)
	}
}

// checkout seizes the connection for ref, running the adapter's Checkout
// callback, and arms a liveness watch on done (nil means no liveness
// tracking requested).
func (h *holder) checkout(ctx context.Context, ref uint64, done <-chan struct{}) error {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return h.terminated
	}
	if !h.connected {
		h.mu.Unlock()
		return newClosedError()
	}
	h.clientRef = ref
	stopWatch := make(chan struct{})
	h.stopWatch = stopWatch
	h.mu.Unlock()

	// Seizing the connection must interrupt idleWait immediately: it may
	// already be parked on a ping timer armed before this checkout, and
	// that timer must not fire while a client holds the connection
	// (spec.md §4.3 "schedule ping ... when no client is holding").
	h.wake()

	outcome, err := h.invoke(ctx, ref, func(ctx context.Context, ad Adapter, s State) Outcome {
		return ad.Checkout(ctx, s)
	})
	if err != nil {
		return err
	}
	if outcome.Kind == OutcomeDisconnect {
		return newDisconnectError(outcome.Err)
	}

	if done != nil {
		go h.watchClient(ref, done, stopWatch)
	}
	return nil
}

// watchClient implements spec.md §4.3 "Client supervision": if the
// principal holding the connection dies while a transaction is open, the
// holder performs a best-effort rollback and checks the connection back
// in on the principal's behalf.
func (h *holder) watchClient(ref uint64, done <-chan struct{}, stopWatch chan struct{}) {
	select {
	case <-done:
	case <-stopWatch:
		return
	}

	h.mu.Lock()
	if h.clientRef != ref || h.stopped {
		h.mu.Unlock()
		return
	}
	status := h.txStatus
	h.mu.Unlock()

	ctx := context.Background()
	if status != txIdle {
		h.invokeBestEffort(ctx, ref, func(ctx context.Context, ad Adapter, s State) Outcome {
			return ad.HandleRollback(ctx, nil, s)
		})
	}
	h.checkin(ctx, ref)
}

// checkin releases the connection held by ref, per spec.md §4.5
// "Check-in".
func (h *holder) checkin(ctx context.Context, ref uint64) {
	h.mu.Lock()
	if h.clientRef != ref {
		h.mu.Unlock()
		return
	}
	if h.stopWatch != nil {
		close(h.stopWatch)
		h.stopWatch = nil
	}
	h.mu.Unlock()

	_, _ = h.invoke(ctx, ref, func(ctx context.Context, ad Adapter, s State) Outcome {
		return ad.Checkin(ctx, s)
	})

	h.mu.Lock()
	h.clientRef = 0
	h.txStatus = txIdle
	h.cursors = make(map[interface{}]struct{})
	connected := h.connected
	h.mu.Unlock()

	h.wake()
	if connected && h.onIdle != nil {
		h.onIdle(h)
	}
}

func (h *holder) txStatusFor(ref uint64) txStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clientRef != ref {
		return txFailed
	}
	return h.txStatus
}

func (h *holder) setTxStatus(ref uint64, status txStatus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clientRef == ref {
		h.txStatus = status
	}
}

func (h *holder) trackCursor(ref uint64, cursor interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clientRef == ref {
		h.cursors[cursor] = struct{}{}
	}
}

func (h *holder) untrackCursor(ref uint64, cursor interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clientRef == ref {
		delete(h.cursors, cursor)
	}
}

func (h *holder) hasCursor(ref uint64, cursor interface{}) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clientRef != ref {
		return false
	}
	_, ok := h.cursors[cursor]
	return ok
}

func (h *holder) isConnected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connected
}
