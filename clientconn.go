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
	"errors"
	"time"
)

// ClientConn is the client-facing handle returned by Pool.Checkout. It is
// valid only until Close is called; using it afterward returns a
// "connection is closed" ConnectionError, per spec.md §3 "Client handle".
// A handle from Pool.CheckoutWithLiveness is additionally checked back in,
// after a best-effort rollback, when its done channel is closed.
type ClientConn struct {
	pool   *Pool
	holder *holder
	ref    uint64
	done   chan struct{}
	closed bool

	poolTime *time.Duration
	txDepth  int
}

// Run executes fn with direct access to the held connection. It is
// permitted in any tx_status and does not itself change it, per spec.md
// §4.4.
func (c *ClientConn) Run(fn func(*ClientConn) (interface{}, error)) (interface{}, error) {
	if c.closed {
		return nil, newClosedError()
	}
	return fn(c)
}

// Close releases the connection back to the pool. Safe to call more than
// once.
func (c *ClientConn) Close() {
	if c.closed {
		return
	}
	c.closed = true
	c.pool.checkin(context.Background(), c)
}

func (c *ClientConn) takePoolTime() *time.Duration {
	pt := c.poolTime
	c.poolTime = nil
	return pt
}

func (c *ClientConn) log(call Call, query, params, result interface{}, err error, connTime, decodeTime *time.Duration) {
	emitLog(c.pool.opts.Log, c.pool.diag, LogEntry{
		Call:           call,
		Query:          query,
		Params:         params,
		Result:         result,
		Err:            err,
		PoolTime:       c.takePoolTime(),
		ConnectionTime: connTime,
		DecodeTime:     decodeTime,
	})
}

// Transaction runs fn inside a database transaction, per spec.md §4.4. A
// nested Transaction call (fn calling c.Transaction again on the same
// handle) is a savepoint-like no-op: it neither begins nor commits, and
// simply reflects fn's own return.
func (c *ClientConn) Transaction(ctx context.Context, fn func(*ClientConn) (interface{}, error)) TransactionResult {
	if c.closed {
		return TransactionResult{Err: newClosedError()}
	}

	c.txDepth++
	defer func() { c.txDepth-- }()

	if c.txDepth > 1 {
		res, err := c.safeCall(fn)
		return TransactionResult{Result: res, Err: err}
	}

	if status := c.holder.txStatusFor(c.ref); status != txIdle {
		return TransactionResult{Err: &ConnectionError{Message: "transaction already in progress"}}
	}

	start := time.Now()
	outcome, err := c.holder.invoke(ctx, c.ref, func(ctx context.Context, ad Adapter, s State) Outcome {
		return ad.HandleBegin(ctx, c.pool.opts.AdapterOpts, s)
	})
	c.log(CallBegin, nil, nil, nil, firstErr(err, outcomeErr(outcome)), durPtrNonNil(time.Since(start)), nil)
	if err != nil {
		return TransactionResult{Err: err}
	}
	if outcome.Kind == OutcomeDisconnect {
		return TransactionResult{Err: newDisconnectError(outcome.Err)}
	}
	if outcome.Kind == OutcomeError {
		return TransactionResult{Err: outcome.Err}
	}
	c.holder.setTxStatus(c.ref, txTransaction)

	result, ferr := c.safeCall(fn)

	if ferr == nil && c.holder.txStatusFor(c.ref) == txTransaction {
		cstart := time.Now()
		commitOutcome, cerr := c.holder.invoke(ctx, c.ref, func(ctx context.Context, ad Adapter, s State) Outcome {
			return ad.HandleCommit(ctx, c.pool.opts.AdapterOpts, s)
		})
		c.log(CallCommit, nil, nil, nil, firstErr(cerr, outcomeErr(commitOutcome)), durPtrNonNil(time.Since(cstart)), nil)
		c.holder.setTxStatus(c.ref, txIdle)
		if cerr != nil {
			return TransactionResult{Err: cerr}
		}
		if commitOutcome.Kind == OutcomeDisconnect {
			return TransactionResult{Err: newDisconnectError(commitOutcome.Err)}
		}
		if commitOutcome.Kind == OutcomeError {
			return TransactionResult{Err: commitOutcome.Err}
		}
		return TransactionResult{Result: result}
	}

	rstart := time.Now()
	rollbackOutcome, rerr := c.holder.invoke(ctx, c.ref, func(ctx context.Context, ad Adapter, s State) Outcome {
		return ad.HandleRollback(ctx, c.pool.opts.AdapterOpts, s)
	})
	c.log(CallRollback, nil, nil, nil, firstErr(rerr, outcomeErr(rollbackOutcome)), durPtrNonNil(time.Since(rstart)), nil)
	c.holder.setTxStatus(c.ref, txIdle)

	if ferr == nil {
		ferr = ErrRollback
	}
	return TransactionResult{Err: errors.Join(ErrRollback, ferr)}
}

func (c *ClientConn) safeCall(fn func(*ClientConn) (interface{}, error)) (res interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = newClientStoppedError(c.ref, r)
		}
	}()
	return fn(c)
}

// Query runs a one-shot query, per spec.md §4.4. Allowed in any
// tx_status; short-circuits with a ConnectionError without touching the
// adapter when the surrounding transaction has already failed.
func (c *ClientConn) Query(ctx context.Context, query, params interface{}, opts map[string]interface{}) (interface{}, error) {
	return c.callOp(ctx, CallQuery, query, params, func(ctx context.Context, ad Adapter, s State) Outcome {
		return ad.HandleQuery(ctx, query, params, opts, s)
	})
}

// Prepare compiles query for repeated execution.
func (c *ClientConn) Prepare(ctx context.Context, query interface{}, opts map[string]interface{}) (interface{}, error) {
	return c.callOp(ctx, CallPrepare, query, nil, func(ctx context.Context, ad Adapter, s State) Outcome {
		return ad.HandlePrepare(ctx, query, opts, s)
	})
}

// Execute runs a previously prepared query.
func (c *ClientConn) Execute(ctx context.Context, query interface{}, opts map[string]interface{}) (interface{}, error) {
	return c.callOp(ctx, CallExecute, query, nil, func(ctx context.Context, ad Adapter, s State) Outcome {
		return ad.HandleExecute(ctx, query, opts, s)
	})
}

// CloseQuery releases a prepared query obtained from Prepare.
func (c *ClientConn) CloseQuery(ctx context.Context, query interface{}, opts map[string]interface{}) (interface{}, error) {
	return c.callOp(ctx, CallClose, query, nil, func(ctx context.Context, ad Adapter, s State) Outcome {
		return ad.HandleClose(ctx, query, opts, s)
	})
}

func (c *ClientConn) callOp(ctx context.Context, call Call, query, params interface{}, fn func(context.Context, Adapter, State) Outcome) (interface{}, error) {
	if c.closed {
		return nil, newClosedError()
	}
	if c.holder.txStatusFor(c.ref) == txFailed {
		err := &ConnectionError{Message: "transaction rolling back"}
		c.log(call, query, params, nil, err, nil, nil)
		return nil, err
	}

	start := time.Now()
	outcome, err := c.holder.invoke(ctx, c.ref, fn)
	connTime := durPtrNonNil(time.Since(start))
	if err != nil {
		c.log(call, query, params, nil, err, nil, nil)
		return nil, err
	}

	switch outcome.Kind {
	case OutcomeOK:
		c.log(call, query, params, outcome.Result, nil, connTime, nil)
		return outcome.Result, nil
	case OutcomeError:
		if c.holder.txStatusFor(c.ref) == txTransaction {
			c.holder.setTxStatus(c.ref, txFailed)
		}
		c.log(call, query, params, nil, outcome.Err, connTime, nil)
		return nil, outcome.Err
	default: // OutcomeDisconnect
		derr := newDisconnectError(outcome.Err)
		c.log(call, query, params, nil, derr, connTime, nil)
		return nil, derr
	}
}

// Declare opens a server-side cursor. Allowed only inside an open
// transaction, per spec.md §4.7.
func (c *ClientConn) Declare(ctx context.Context, query, params interface{}, opts map[string]interface{}) (cursor interface{}, outQuery interface{}, err error) {
	if c.closed {
		return nil, query, newClosedError()
	}
	status := c.holder.txStatusFor(c.ref)
	if status == txFailed {
		err := &ConnectionError{Message: "transaction rolling back"}
		c.log(CallDeclare, query, params, nil, err, nil, nil)
		return nil, query, err
	}
	if status != txTransaction {
		err := &ConnectionError{Message: "declare requires an open transaction"}
		c.log(CallDeclare, query, params, nil, err, nil, nil)
		return nil, query, err
	}

	start := time.Now()
	outcome, ierr := c.holder.invoke(ctx, c.ref, func(ctx context.Context, ad Adapter, s State) Outcome {
		return ad.HandleDeclare(ctx, query, params, opts, s)
	})
	connTime := durPtrNonNil(time.Since(start))
	if ierr != nil {
		c.log(CallDeclare, query, params, nil, ierr, nil, nil)
		return nil, query, ierr
	}

	switch outcome.Kind {
	case OutcomeOK:
		outQuery = query
		if outcome.Query != nil {
			outQuery = outcome.Query
		}
		c.holder.trackCursor(c.ref, outcome.Result)
		c.log(CallDeclare, outQuery, params, outcome.Result, nil, connTime, nil)
		return outcome.Result, outQuery, nil
	case OutcomeError:
		c.holder.setTxStatus(c.ref, txFailed)
		c.log(CallDeclare, query, params, nil, outcome.Err, connTime, nil)
		return nil, query, outcome.Err
	default:
		derr := newDisconnectError(outcome.Err)
		c.log(CallDeclare, query, params, nil, derr, connTime, nil)
		return nil, query, derr
	}
}

// Fetch pulls the next batch from a cursor opened with Declare.
func (c *ClientConn) Fetch(ctx context.Context, query, cursor interface{}, opts map[string]interface{}) (result interface{}, halted bool, err error) {
	if c.closed {
		return nil, false, newClosedError()
	}
	if !c.holder.hasCursor(c.ref, cursor) {
		return nil, false, &ConnectionError{Message: "unknown cursor"}
	}

	start := time.Now()
	h := c.holder
	var fo FetchOutcome
	fetchErr := func() error {
		h.mu.Lock()
		defer h.mu.Unlock()
		var ierr error
		fo, ierr = h.invokeFetchLocked(ctx, c.ref, query, cursor, opts)
		return ierr
	}()
	connTime := durPtrNonNil(time.Since(start))
	if fetchErr != nil {
		c.log(CallFetch, query, cursor, nil, fetchErr, nil, nil)
		return nil, false, fetchErr
	}

	switch fo.Kind {
	case OutcomeOK:
		halted = fo.Signal == FetchHalt
		c.log(CallFetch, query, cursor, fo.Result, nil, connTime, nil)
		return fo.Result, halted, nil
	case OutcomeError:
		if c.holder.txStatusFor(c.ref) == txTransaction {
			c.holder.setTxStatus(c.ref, txFailed)
		}
		c.log(CallFetch, query, cursor, nil, fo.Err, connTime, nil)
		return nil, false, fo.Err
	default:
		derr := newDisconnectError(fo.Err)
		c.log(CallFetch, query, cursor, nil, derr, connTime, nil)
		return nil, false, derr
	}
}

// Deallocate closes a cursor opened with Declare. It always removes the
// cursor from the holder's bookkeeping, even on error, per spec.md §4.7's
// "cursor-closure law".
func (c *ClientConn) Deallocate(ctx context.Context, query, cursor interface{}, opts map[string]interface{}) (interface{}, error) {
	if c.closed {
		return nil, newClosedError()
	}
	defer c.holder.untrackCursor(c.ref, cursor)

	if !c.holder.isConnected() {
		err := newClosedError()
		c.log(CallDeallocate, query, cursor, nil, err, nil, nil)
		return nil, err
	}

	start := time.Now()
	outcome, ierr := c.holder.invoke(ctx, c.ref, func(ctx context.Context, ad Adapter, s State) Outcome {
		return ad.HandleDeallocate(ctx, query, cursor, opts, s)
	})
	connTime := durPtrNonNil(time.Since(start))
	if ierr != nil {
		c.log(CallDeallocate, query, cursor, nil, ierr, nil, nil)
		return nil, ierr
	}

	switch outcome.Kind {
	case OutcomeOK:
		c.log(CallDeallocate, query, cursor, outcome.Result, nil, connTime, nil)
		return outcome.Result, nil
	case OutcomeError:
		c.log(CallDeallocate, query, cursor, nil, outcome.Err, connTime, nil)
		return nil, outcome.Err
	default:
		derr := newDisconnectError(outcome.Err)
		c.log(CallDeallocate, query, cursor, nil, derr, connTime, nil)
		return nil, derr
	}
}

func durPtrNonNil(d time.Duration) *time.Duration { return durPtr(d) }

func firstErr(errs ...error) error {
	for _, e := range errs {
		if e != nil {
			return e
		}
	}
	return nil
}

func outcomeErr(o Outcome) error {
	if o.Kind == OutcomeOK {
		return nil
	}
	return o.Err
}
