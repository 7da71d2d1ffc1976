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
	"sync"
)

// Principal identifies a caller that can hold or be allowed into an
// ownership reservation. Any comparable value works — a string name, a
// *http.Request, a context key, whatever the caller already uses to
// identify "who is asking."
type Principal = interface{}

// OwnershipPool wraps a Pool with the principal-keyed reservation table
// from spec.md §4.6. It is the Go realization of the spec's ownership
// proxy: since Go has no process registry to monitor, liveness is driven
// by the Done() channel the caller supplies to Checkout/Allow.
type OwnershipPool struct {
	pool *Pool
	name string

	mu    sync.Mutex
	mode  OwnershipMode
	table map[Principal]*reservation
}

type reservation struct {
	owner     Principal
	conn      *ClientConn
	allowed   map[Principal]struct{}
	stopWatch chan struct{}
}

// NewOwnershipPool wraps pool. mode is the initial OwnershipMode; change it
// later with SetMode.
func NewOwnershipPool(pool *Pool, mode OwnershipMode) *OwnershipPool {
	op := &OwnershipPool{
		pool:  pool,
		mode:  mode,
		table: make(map[Principal]*reservation),
	}
	if pool.opts.Name != "" {
		op.name = pool.opts.Name
		registerOwnershipPool(pool.opts.Name, op)
	}
	return op
}

// SetMode implements ownership_mode(mode).
func (op *OwnershipPool) SetMode(mode OwnershipMode) {
	op.mu.Lock()
	defer op.mu.Unlock()
	op.mode = mode
}

// Checkout implements ownership_checkout(principal). done, if non-nil, is
// watched for the principal's death; on death the reservation is
// implicitly checked in after a best-effort rollback, per spec.md §4.6
// "Liveness".
func (op *OwnershipPool) Checkout(ctx context.Context, principal Principal, done <-chan struct{}) error {
	op.mu.Lock()
	if r, ok := op.table[principal]; ok {
		op.mu.Unlock()
		if r.owner == principal {
			return ErrAlreadyOwner
		}
		return &ConnectionError{Message: "principal already holds an allowed share, not ownership"}
	}
	op.mu.Unlock()

	conn, err := op.pool.CheckoutWithLiveness(ctx, done)
	if err != nil {
		return err
	}

	r := &reservation{owner: principal, conn: conn, allowed: make(map[Principal]struct{}), stopWatch: make(chan struct{})}
	op.mu.Lock()
	op.table[principal] = r
	op.mu.Unlock()

	if done != nil {
		go op.watch(principal, done, r.stopWatch, true)
	}
	return nil
}

// Checkin implements ownership_checkin(principal): revokes every allowed
// principal and returns the real connection to the underlying pool.
func (op *OwnershipPool) Checkin(principal Principal) error {
	op.mu.Lock()
	r, ok := op.table[principal]
	if !ok {
		op.mu.Unlock()
		return ErrOwnershipNotFound
	}
	if r.owner != principal {
		op.mu.Unlock()
		return ErrNotOwner
	}
	delete(op.table, r.owner)
	for allowee := range r.allowed {
		delete(op.table, allowee)
	}
	close(r.stopWatch)
	op.mu.Unlock()

	r.conn.Close()
	return nil
}

// Allow implements ownership_allow(owner, allowee).
func (op *OwnershipPool) Allow(owner, allowee Principal, done <-chan struct{}) error {
	op.mu.Lock()
	r, ok := op.table[owner]
	if !ok {
		op.mu.Unlock()
		return ErrOwnershipNotFound
	}
	if r.owner != owner {
		op.mu.Unlock()
		return ErrNotOwner
	}
	if _, exists := r.allowed[allowee]; exists {
		op.mu.Unlock()
		return ErrAlreadyAllowed
	}
	r.allowed[allowee] = struct{}{}
	op.table[allowee] = r
	op.mu.Unlock()

	if done != nil {
		go op.watch(allowee, done, r.stopWatch, false)
	}
	return nil
}

// Conn returns the ClientConn reserved for principal. In OwnershipAuto
// mode, an unreserved principal is transparently checked out first.
func (op *OwnershipPool) Conn(ctx context.Context, principal Principal, done <-chan struct{}) (*ClientConn, error) {
	op.mu.Lock()
	r, ok := op.table[principal]
	mode := op.mode
	op.mu.Unlock()
	if ok {
		return r.conn, nil
	}
	if mode != OwnershipAuto {
		return nil, ErrOwnershipNotFound
	}
	if err := op.Checkout(ctx, principal, done); err != nil {
		return nil, err
	}
	op.mu.Lock()
	r = op.table[principal]
	op.mu.Unlock()
	return r.conn, nil
}

// watch observes a principal's liveness channel. An owner's death triggers
// a full checkin (best-effort rollback, revoke everyone allowed); an
// allowee's death just removes it from the allowed set.
func (op *OwnershipPool) watch(principal Principal, done <-chan struct{}, stopWatch <-chan struct{}, isOwner bool) {
	select {
	case <-done:
	case <-stopWatch:
		return
	}

	op.mu.Lock()
	r, ok := op.table[principal]
	if !ok {
		op.mu.Unlock()
		return
	}
	op.mu.Unlock()

	if isOwner {
		_ = op.Checkin(r.owner)
		return
	}

	op.mu.Lock()
	if r2, ok := op.table[principal]; ok && r2 == r {
		delete(op.table, principal)
		delete(r.allowed, principal)
	}
	op.mu.Unlock()
}

// Close tears down the underlying pool and every outstanding reservation.
func (op *OwnershipPool) Close(ctx context.Context) {
	op.mu.Lock()
	var conns []*ClientConn
	for p, r := range op.table {
		if r.owner == p {
			close(r.stopWatch)
			conns = append(conns, r.conn)
		}
		delete(op.table, p)
	}
	op.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}

	if op.name != "" {
		unregisterOwnershipPool(op.name)
	}
	op.pool.Close(ctx)
}
