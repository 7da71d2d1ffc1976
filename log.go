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
	"time"

	"go.uber.org/zap"
)

// Call identifies which adapter operation a LogEntry describes, per
// spec.md §4.8.
type Call string

const (
	CallQuery      Call = "query"
	CallPrepare    Call = "prepare"
	CallExecute    Call = "execute"
	CallClose      Call = "close"
	CallBegin      Call = "begin"
	CallCommit     Call = "commit"
	CallRollback   Call = "rollback"
	CallDeclare    Call = "declare"
	CallFetch      Call = "fetch"
	CallDeallocate Call = "deallocate"
)

// LogEntry is the structured timing record emitted to Options.Log once
// per adapter call, per spec.md §4.8. PoolTime, ConnectionTime, and
// DecodeTime are nil pointers when the corresponding phase did not run.
// When a Stream's decode hook runs, Stream.Next emits one more CallFetch
// entry after the adapter's fetch entry; it carries the decoded Result and
// DecodeTime, with PoolTime and ConnectionTime nil.
type LogEntry struct {
	Call   Call
	Query  interface{}
	Params interface{}
	Result interface{}
	Err    error

	// PoolTime is nil when the call reused an already-held connection
	// (e.g. inside a Transaction or between stream steps).
	PoolTime *time.Duration
	// ConnectionTime is nil when the adapter callback did not run
	// (e.g. Deallocate logged after a disconnect).
	ConnectionTime *time.Duration
	// DecodeTime is nil when no user decode ran, or the result was an
	// error.
	DecodeTime *time.Duration
}

func durPtr(d time.Duration) *time.Duration { return &d }

// emitLog invokes hook with panic recovery, routing any panic to the
// ambient diagnostic sink rather than letting it interrupt the
// operation, per spec.md §4.8 "Hook exceptions are caught ... and do not
// interrupt the operation."
func emitLog(hook func(LogEntry), diag *zap.Logger, entry LogEntry) {
	if hook == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			diag.Error("log hook panicked", zap.Any("recovered", r), zap.String("call", string(entry.Call)))
		}
	}()
	hook(entry)
}

// diagLogger returns a non-nil diagnostic logger, defaulting to a no-op
// sink when none was configured, matching the ambient-logging convention
// from SPEC_FULL.md §9 (grounded on systemli-userli-postfix-adapter's
// package-level *zap.Logger usage).
func diagLogger(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
