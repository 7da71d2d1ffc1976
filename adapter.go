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

import "context"

// State is the opaque value a driver threads through every Adapter
// callback. connect produces the first State; every subsequent callback
// both receives and returns one, per spec: whatever a callback returns
// replaces the State that flows to the next callback.
type State = interface{}

// Outcome discriminates the three-way result every stateful Adapter
// callback may return: a normal result, a recoverable error, or a
// disconnect. Outcome.Err carries the error for both OutcomeError and
// OutcomeDisconnect.
type OutcomeKind int

const (
	// OutcomeOK means the callback completed normally.
	OutcomeOK OutcomeKind = iota
	// OutcomeError means the callback failed but the connection is
	// still usable.
	OutcomeError
	// OutcomeDisconnect means the connection must be torn down and
	// reconnected; the current operation fails with a ConnectionError.
	OutcomeDisconnect
)

// Outcome is the generic three-way return shape described in spec.md
// §4.1: ok S' | error E S' | disconnect E S'.
type Outcome struct {
	Kind  OutcomeKind
	State State
	Err   error
	// Result carries the callback's return value on OutcomeOK.
	Result interface{}
	// Query carries a query replacement, used only by Declare's
	// "ok query' cursor S'" form.
	Query interface{}
}

// OK builds a successful Outcome.
func OK(result interface{}, state State) Outcome {
	return Outcome{Kind: OutcomeOK, Result: result, State: state}
}

// Failed builds a recoverable-error Outcome.
func Failed(err error, state State) Outcome {
	return Outcome{Kind: OutcomeError, Err: err, State: state}
}

// Disconnect builds a disconnect Outcome.
func Disconnect(err error, state State) Outcome {
	return Outcome{Kind: OutcomeDisconnect, Err: err, State: state}
}

// FetchSignal discriminates handle_fetch's "cont" vs "halt" return, per
// spec.md §4.1.
type FetchSignal int

const (
	// FetchContinue means more results may follow; the cursor stays live.
	FetchContinue FetchSignal = iota
	// FetchHalt means this is the last batch; the stream starts closing.
	FetchHalt
)

// FetchOutcome is handle_fetch's three-way result, plus the cont/halt
// discriminator carried alongside OutcomeOK.
type FetchOutcome struct {
	Outcome
	Signal FetchSignal
}

// Adapter is the capability set a concrete driver implements. It is the
// only contract point between dbconn and a real wire protocol; dbconn
// itself never parses SQL, negotiates a handshake, or frames a query.
//
// Every method may block on I/O and must honor ctx cancellation. State
// flows in and out as described on the Outcome type. A method that is not
// required (see the per-method doc below) may be omitted by embedding
// NoopAdapter, which supplies the spec's default behavior.
type Adapter interface {
	// Connect performs the initial handshake. Called only from the
	// connection holder that owns the resulting State.
	Connect(ctx context.Context, opts map[string]interface{}) (State, error)

	// Disconnect idempotently tears down state. Always paired with a
	// prior Connect.
	Disconnect(ctx context.Context, err error, state State) error

	// Checkout is invoked when a client seizes the connection.
	Checkout(ctx context.Context, state State) Outcome

	// Checkin is invoked when the client releases the connection.
	Checkin(ctx context.Context, state State) Outcome

	// Ping is periodic liveness. Default: ok(state) unchanged.
	Ping(ctx context.Context, state State) Outcome

	HandleBegin(ctx context.Context, opts map[string]interface{}, state State) Outcome
	HandleCommit(ctx context.Context, opts map[string]interface{}, state State) Outcome
	HandleRollback(ctx context.Context, opts map[string]interface{}, state State) Outcome

	// HandlePrepare compiles a query. Default: ok(query, state) unchanged.
	HandlePrepare(ctx context.Context, query interface{}, opts map[string]interface{}, state State) Outcome
	HandleExecute(ctx context.Context, query interface{}, opts map[string]interface{}, state State) Outcome
	// HandleClose releases a prepared query. Default: ok(state) unchanged.
	HandleClose(ctx context.Context, query interface{}, opts map[string]interface{}, state State) Outcome

	HandleQuery(ctx context.Context, query interface{}, params interface{}, opts map[string]interface{}, state State) Outcome

	// HandleDeclare opens a server-side cursor. The Outcome's Query field
	// is set when the adapter substitutes the query (e.g. after
	// server-side preparation); callers must use it for subsequent
	// Fetch/Deallocate calls when present.
	HandleDeclare(ctx context.Context, query interface{}, params interface{}, opts map[string]interface{}, state State) Outcome

	HandleFetch(ctx context.Context, query interface{}, cursor interface{}, opts map[string]interface{}, state State) FetchOutcome

	HandleDeallocate(ctx context.Context, query interface{}, cursor interface{}, opts map[string]interface{}, state State) Outcome

	// HandleInfo delivers an asynchronous message from the environment.
	// Default: ok(state) unchanged.
	HandleInfo(ctx context.Context, msg interface{}, state State) Outcome
}

// NoopAdapter supplies the spec.md §4.1 "Defaults" for optional callbacks.
// Concrete adapters embed it and override only what they need. Disconnect,
// Checkout, Checkin, Ping, HandlePrepare, HandleClose and HandleInfo have
// working defaults, implemented below. Connect returns ErrNotImplemented;
// every other method, HandleExecute included, returns an OutcomeError
// carrying ErrNotImplemented. None of them panics, and the holder does not
// terminate because of them.
type NoopAdapter struct{}

func (NoopAdapter) Connect(context.Context, map[string]interface{}) (State, error) {
	return nil, ErrNotImplemented
}

func (NoopAdapter) Disconnect(context.Context, error, State) error { return nil }

func (NoopAdapter) Checkout(_ context.Context, state State) Outcome { return OK(nil, state) }

func (NoopAdapter) Checkin(_ context.Context, state State) Outcome { return OK(nil, state) }

// Ping defaults to ok(state), per spec.md §4.1.
func (NoopAdapter) Ping(_ context.Context, state State) Outcome { return OK(nil, state) }

func (NoopAdapter) HandleBegin(context.Context, map[string]interface{}, State) Outcome {
	return Failed(ErrNotImplemented, nil)
}

func (NoopAdapter) HandleCommit(context.Context, map[string]interface{}, State) Outcome {
	return Failed(ErrNotImplemented, nil)
}

func (NoopAdapter) HandleRollback(context.Context, map[string]interface{}, State) Outcome {
	return Failed(ErrNotImplemented, nil)
}

// HandlePrepare defaults to ok(query, state) unchanged, per spec.md §4.1.
func (NoopAdapter) HandlePrepare(_ context.Context, query interface{}, _ map[string]interface{}, state State) Outcome {
	return Outcome{Kind: OutcomeOK, Result: query, State: state}
}

// HandleExecute has no hardwired default in NoopAdapter: per spec.md §4.1
// it "forwards to handle_query", which requires the caller's own
// HandleQuery implementation. Adapters that want the forwarding behavior
// should call their own HandleQuery from HandleExecute explicitly;
// NoopAdapter cannot do so generically since it does not know the
// embedding type's HandleQuery.
func (NoopAdapter) HandleExecute(context.Context, interface{}, map[string]interface{}, State) Outcome {
	return Failed(ErrNotImplemented, nil)
}

// HandleClose defaults to ok(state) unchanged, per spec.md §4.1.
func (NoopAdapter) HandleClose(_ context.Context, _ interface{}, _ map[string]interface{}, state State) Outcome {
	return OK(nil, state)
}

func (NoopAdapter) HandleQuery(context.Context, interface{}, interface{}, map[string]interface{}, State) Outcome {
	return Failed(ErrNotImplemented, nil)
}

func (NoopAdapter) HandleDeclare(context.Context, interface{}, interface{}, map[string]interface{}, State) Outcome {
	return Failed(ErrNotImplemented, nil)
}

func (NoopAdapter) HandleFetch(context.Context, interface{}, interface{}, map[string]interface{}, State) FetchOutcome {
	return FetchOutcome{Outcome: Failed(ErrNotImplemented, nil)}
}

func (NoopAdapter) HandleDeallocate(context.Context, interface{}, interface{}, map[string]interface{}, State) Outcome {
	return Failed(ErrNotImplemented, nil)
}

// HandleInfo defaults to ok(state) unchanged, per spec.md §4.1.
func (NoopAdapter) HandleInfo(_ context.Context, _ interface{}, state State) Outcome {
	return OK(nil, state)
}
