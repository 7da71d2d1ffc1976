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

// Package faketest is a scripted, in-process stand-in for a real wire
// adapter, used to exercise dbconn's holder/pool/stream state machines
// deterministically without a real server. It plays the same role as
// edgedb-go's testserver.go, simplified to an explicit call-by-call
// response stack since dbconn has no wire protocol of its own to fake.
package faketest

import (
	"context"
	"fmt"
	"sync"

	dbconn "github.com/xflagstudio/db-connection"
)

// Step describes how one adapter call should respond. Kind selects which
// dbconn.Outcome shape to build ("ok", "error", "disconnect"); Fn, when
// set, computes the Step from the recorded Call instead.
type Step struct {
	Kind    string
	Result  interface{}
	Query   interface{}
	Err     error
	Halt    bool // for HandleFetch steps
	Fn      func(call Call) Step
	Connect func() (interface{}, error)
}

// Call records one invocation the Adapter received, for assertions.
type Call struct {
	Method string
	Query  interface{}
	Params interface{}
	Cursor interface{}
}

// Adapter is a dbconn.Adapter driven by a queue of Steps, one per call. If
// the queue runs out, it panics with a descriptive message naming the
// call that had no scripted response, so a test fails loudly instead of
// hanging.
type Adapter struct {
	mu       sync.Mutex
	steps    map[string][]Step
	calls    []Call
	connectN int
}

// New returns an empty Adapter. Script responses with On.
func New() *Adapter {
	return &Adapter{steps: make(map[string][]Step)}
}

// On appends a scripted Step for method, consumed in FIFO order.
func (a *Adapter) On(method string, step Step) *Adapter {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.steps[method] = append(a.steps[method], step)
	return a
}

// Calls returns every call recorded so far, in order.
func (a *Adapter) Calls() []Call {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Call(nil), a.calls...)
}

// ConnectCalls returns how many times Connect has been invoked.
func (a *Adapter) ConnectCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connectN
}

// defaultableMethods mirrors dbconn.NoopAdapter's methods that have a real
// spec.md §4.1 default (ok(state) unchanged): a test only needs to script
// them when it cares about a non-default response.
var defaultableMethods = map[string]bool{
	"Checkout":      true,
	"Checkin":       true,
	"Ping":          true,
	"HandlePrepare": true,
	"HandleClose":   true,
	"HandleInfo":    true,
}

func (a *Adapter) next(method string, call Call) Step {
	a.mu.Lock()
	a.calls = append(a.calls, call)
	q := a.steps[method]
	if len(q) == 0 {
		a.mu.Unlock()
		if defaultableMethods[method] {
			return Step{Kind: "ok"}
		}
		panic(fmt.Sprintf("faketest: no scripted response for %s (call #%d)", method, len(a.calls)))
	}
	step := q[0]
	a.steps[method] = q[1:]
	a.mu.Unlock()
	if step.Fn != nil {
		step = step.Fn(call)
	}
	return step
}

// Connect is scripted via On("Connect", ...); absent a script it succeeds
// with a fresh synthetic state value.
func (a *Adapter) Connect(context.Context, map[string]interface{}) (dbconn.State, error) {
	a.mu.Lock()
	a.connectN++
	n := a.connectN
	q := a.steps["Connect"]
	var step Step
	hasStep := len(q) > 0
	if hasStep {
		step = q[0]
		a.steps["Connect"] = q[1:]
	}
	a.mu.Unlock()

	if !hasStep {
		return fmt.Sprintf("state-%d", n), nil
	}
	if step.Connect != nil {
		return step.Connect()
	}
	if step.Err != nil {
		return nil, step.Err
	}
	return step.Result, nil
}

func (a *Adapter) Disconnect(context.Context, error, dbconn.State) error { return nil }

func (a *Adapter) Checkout(_ context.Context, s dbconn.State) dbconn.Outcome {
	return a.outcomeFor("Checkout", Call{Method: "Checkout"}, s)
}

func (a *Adapter) Checkin(_ context.Context, s dbconn.State) dbconn.Outcome {
	return a.outcomeFor("Checkin", Call{Method: "Checkin"}, s)
}

func (a *Adapter) Ping(_ context.Context, s dbconn.State) dbconn.Outcome {
	return a.outcomeFor("Ping", Call{Method: "Ping"}, s)
}

func (a *Adapter) HandleBegin(_ context.Context, _ map[string]interface{}, s dbconn.State) dbconn.Outcome {
	return a.outcomeFor("HandleBegin", Call{Method: "HandleBegin"}, s)
}

func (a *Adapter) HandleCommit(_ context.Context, _ map[string]interface{}, s dbconn.State) dbconn.Outcome {
	return a.outcomeFor("HandleCommit", Call{Method: "HandleCommit"}, s)
}

func (a *Adapter) HandleRollback(_ context.Context, _ map[string]interface{}, s dbconn.State) dbconn.Outcome {
	return a.outcomeFor("HandleRollback", Call{Method: "HandleRollback"}, s)
}

func (a *Adapter) HandlePrepare(_ context.Context, q interface{}, _ map[string]interface{}, s dbconn.State) dbconn.Outcome {
	return a.outcomeFor("HandlePrepare", Call{Method: "HandlePrepare", Query: q}, s)
}

func (a *Adapter) HandleExecute(_ context.Context, q interface{}, _ map[string]interface{}, s dbconn.State) dbconn.Outcome {
	return a.outcomeFor("HandleExecute", Call{Method: "HandleExecute", Query: q}, s)
}

func (a *Adapter) HandleClose(_ context.Context, q interface{}, _ map[string]interface{}, s dbconn.State) dbconn.Outcome {
	return a.outcomeFor("HandleClose", Call{Method: "HandleClose", Query: q}, s)
}

func (a *Adapter) HandleQuery(_ context.Context, q interface{}, p interface{}, _ map[string]interface{}, s dbconn.State) dbconn.Outcome {
	return a.outcomeFor("HandleQuery", Call{Method: "HandleQuery", Query: q, Params: p}, s)
}

func (a *Adapter) HandleDeclare(_ context.Context, q interface{}, p interface{}, _ map[string]interface{}, s dbconn.State) dbconn.Outcome {
	return a.outcomeFor("HandleDeclare", Call{Method: "HandleDeclare", Query: q, Params: p}, s)
}

func (a *Adapter) HandleFetch(_ context.Context, q interface{}, cur interface{}, _ map[string]interface{}, s dbconn.State) dbconn.FetchOutcome {
	step := a.next("HandleFetch", Call{Method: "HandleFetch", Query: q, Cursor: cur})
	out := stepToOutcome(step, s)
	signal := dbconn.FetchContinue
	if step.Halt {
		signal = dbconn.FetchHalt
	}
	return dbconn.FetchOutcome{Outcome: out, Signal: signal}
}

func (a *Adapter) HandleDeallocate(_ context.Context, q interface{}, cur interface{}, _ map[string]interface{}, s dbconn.State) dbconn.Outcome {
	return a.outcomeFor("HandleDeallocate", Call{Method: "HandleDeallocate", Query: q, Cursor: cur}, s)
}

func (a *Adapter) HandleInfo(_ context.Context, _ interface{}, s dbconn.State) dbconn.Outcome {
	return a.outcomeFor("HandleInfo", Call{Method: "HandleInfo"}, s)
}

func (a *Adapter) outcomeFor(method string, call Call, s dbconn.State) dbconn.Outcome {
	step := a.next(method, call)
	return stepToOutcome(step, s)
}

func stepToOutcome(step Step, s dbconn.State) dbconn.Outcome {
	switch step.Kind {
	case "error":
		return dbconn.Failed(step.Err, s)
	case "disconnect":
		return dbconn.Disconnect(step.Err, s)
	default:
		out := dbconn.OK(step.Result, s)
		out.Query = step.Query
		return out
	}
}
