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
	"container/list"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/xflagstudio/db-connection/internal/metrics"
)

// ErrPoolClosed is returned by Checkout once Pool.Close has run.
var ErrPoolClosed = errors.New("dbconn: pool closed")

// Pool is the spec's connection pool (§4.5): a fixed set of holders, an
// idle FIFO, and a deadline-bearing waiter queue.
type Pool struct {
	opts    Options
	adapter Adapter
	diag    *zap.Logger
	metrics *metrics.PoolMetrics

	mu       sync.Mutex
	holders  []*holder
	idle     *list.List // of *holder
	waiters  *list.List // of *waiter
	closed   bool
	closeCh  chan struct{}
	refSeq   uint64
	idleSize int
}

type waiter struct {
	ch       chan *holder
	deadline time.Time
	done     bool
}

// NewPool constructs a Pool for adapter and starts every holder's
// supervisor loop. When opts.SyncConnect is set, NewPool blocks until the
// first holder's single connect attempt returns, and returns that attempt's
// error if it failed, per spec.md §4.3 "Startup".
func NewPool(adapter Adapter, opts Options, fns ...Option) (*Pool, error) {
	opts = opts.withDefaults().Apply(fns...)

	diag := diagLogger(nil)
	var m *metrics.PoolMetrics
	if opts.Name != "" {
		m = metrics.NewPoolMetrics(opts.Name)
	}

	p := &Pool{
		opts:    opts,
		adapter: adapter,
		diag:    diag,
		metrics: m,
		idle:    list.New(),
		waiters: list.New(),
		closeCh: make(chan struct{}),
	}

	p.holders = make([]*holder, opts.PoolSize)
	for i := 0; i < opts.PoolSize; i++ {
		b := NewBackoff(opts.BackoffType, opts.BackoffMin, opts.BackoffMax, nil)
		h := newHolder(i, adapter, opts, m, diag, b)
		h.onIdle = p.onHolderIdle
		h.onTerminated = p.onHolderTerminated
		p.holders[i] = h
	}

	if opts.SyncConnect {
		if err := p.holders[0].connectOnce(context.Background()); err != nil {
			return nil, err
		}
		p.idle.PushBack(p.holders[0])
		if m != nil {
			m.IdleHolders.Set(float64(p.idle.Len()))
		}
	}

	for _, h := range p.holders {
		go h.run(context.Background())
	}

	if opts.Name != "" {
		registerPool(opts.Name, p)
	}

	return p, nil
}

func (p *Pool) onHolderIdle(h *holder) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	for e := p.waiters.Front(); e != nil; e = e.Next() {
		w := e.Value.(*waiter)
		p.waiters.Remove(e)
		if w.done || time.Now().After(w.deadline) {
			continue
		}
		w.done = true
		w.ch <- h
		return
	}
	p.idle.PushBack(h)
	if p.metrics != nil {
		p.metrics.IdleHolders.Set(float64(p.idle.Len()))
	}
}

func (p *Pool) onHolderTerminated(h *holder, err error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return
	}
	b := NewBackoff(p.opts.BackoffType, p.opts.BackoffMin, p.opts.BackoffMax, nil)
	fresh := newHolder(h.id, p.adapter, p.opts, p.metrics, p.diag, b)
	fresh.onIdle = p.onHolderIdle
	fresh.onTerminated = p.onHolderTerminated

	p.mu.Lock()
	for i, existing := range p.holders {
		if existing == h {
			p.holders[i] = fresh
			break
		}
	}
	p.mu.Unlock()

	go fresh.run(context.Background())
}

// Checkout reserves a holder for the caller and returns a ClientConn bound
// to it, honoring opts.QueueTimeout (or ctx's own deadline, whichever is
// sooner), per spec.md §4.5 "Check-out". The returned handle relies on an
// explicit Close (the ordinary Go idiom); use CheckoutWithLiveness for the
// spec's "client death" auto-revocation behavior.
func (p *Pool) Checkout(ctx context.Context) (*ClientConn, error) {
	return p.checkout(ctx, nil)
}

// CheckoutWithLiveness is like Checkout, but additionally arms spec.md
// §4.3's client-supervision path: if done is closed before the handle is
// explicitly closed, the holder performs a best-effort rollback and
// checks the connection back in on the caller's behalf. done is the
// Go-native stand-in for monitoring a dead process (SPEC_FULL.md §5);
// OwnershipPool uses this for its owners' liveness tracking.
func (p *Pool) CheckoutWithLiveness(ctx context.Context, done <-chan struct{}) (*ClientConn, error) {
	return p.checkout(ctx, done)
}

func (p *Pool) checkout(ctx context.Context, liveness <-chan struct{}) (*ClientConn, error) {
	start := time.Now()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if e := p.idle.Front(); e != nil {
		h := p.idle.Remove(e).(*holder)
		if p.metrics != nil {
			p.metrics.IdleHolders.Set(float64(p.idle.Len()))
		}
		p.mu.Unlock()
		return p.grant(ctx, h, time.Since(start), liveness)
	}
	if p.opts.AdmissionControl && p.waiters.Len() > 0 && p.opts.QueueTarget < p.opts.QueueTimeout {
		p.mu.Unlock()
		if p.metrics != nil {
			p.metrics.QueueTimeouts.Inc()
		}
		return nil, ErrTimeout
	}

	deadline := time.Now().Add(p.opts.QueueTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	w := &waiter{ch: make(chan *holder, 1), deadline: deadline}
	p.waiters.PushBack(w)
	if p.metrics != nil {
		p.metrics.WaiterDepth.Set(float64(p.waiters.Len()))
	}
	p.mu.Unlock()

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case h := <-w.ch:
		return p.grant(ctx, h, time.Since(start), liveness)
	case <-timer.C:
		p.cancelWaiter(w)
		if p.metrics != nil {
			p.metrics.QueueTimeouts.Inc()
		}
		return nil, ErrTimeout
	case <-ctx.Done():
		p.cancelWaiter(w)
		return nil, ctx.Err()
	case <-p.closeCh:
		p.cancelWaiter(w)
		return nil, ErrPoolClosed
	}
}

func (p *Pool) cancelWaiter(w *waiter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w.done = true
	if p.metrics != nil {
		p.metrics.WaiterDepth.Set(float64(p.waiters.Len()))
	}
}

func (p *Pool) grant(ctx context.Context, h *holder, waitTime time.Duration, liveness <-chan struct{}) (*ClientConn, error) {
	ref := atomic.AddUint64(&p.refSeq, 1)
	done := make(chan struct{})
	if err := h.checkout(ctx, ref, liveness); err != nil {
		// The holder may have disconnected between being popped off p.idle
		// and this checkout call; only a still-connected holder belongs
		// back on the idle list. A disconnected one re-enters it on its
		// own once reconnectLoop succeeds (via onIdle), so requeuing it
		// here too would hand the same holder to two callers at once.
		if h.isConnected() {
			p.onHolderIdle(h)
		}
		return nil, err
	}
	if p.metrics != nil {
		p.metrics.InUseHolders.Inc()
		p.metrics.CheckoutWaitMS.Observe(float64(waitTime.Milliseconds()))
	}
	pt := waitTime
	return &ClientConn{
		pool:     p,
		holder:   h,
		ref:      ref,
		done:     done,
		poolTime: &pt,
	}, nil
}

// checkin returns a connection to the idle pool or hands it directly to
// the longest-waiting principal.
func (p *Pool) checkin(ctx context.Context, c *ClientConn) {
	close(c.done)
	if p.metrics != nil {
		p.metrics.InUseHolders.Dec()
	}
	c.holder.checkin(ctx, c.ref)
}

// Close stops every holder and fails any waiter still queued.
func (p *Pool) Close(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.waiters.Init()
	holders := append([]*holder(nil), p.holders...)
	close(p.closeCh)
	p.mu.Unlock()

	if p.opts.Name != "" {
		unregisterPool(p.opts.Name)
	}
	for _, h := range holders {
		h.stop(ctx)
	}
}

// Size reports the number of holders configured for this pool.
func (p *Pool) Size() int { return len(p.holders) }
