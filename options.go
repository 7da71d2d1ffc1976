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

import "time"

// OwnershipMode selects how an OwnershipPool grants reservations, per
// spec.md §4.6.
type OwnershipMode int

const (
	// OwnershipManual requires an explicit Checkout before any operation.
	OwnershipManual OwnershipMode = iota
	// OwnershipAuto transparently checks a principal out on first touch.
	OwnershipAuto
)

// Options configures a Pool. Unknown keys passed through a concrete
// adapter's own opts map are ignored by dbconn itself, per spec.md §6.
// Zero values fall back to the documented defaults in NewPool.
type Options struct {
	// PoolSize is the number of connection holders. Default 1.
	PoolSize int

	// SyncConnect blocks Pool construction until the first holder has
	// connected. Default false.
	SyncConnect bool

	// BackoffType selects the reconnect delay strategy. Default BackoffExp.
	BackoffType BackoffType

	// BackoffMin and BackoffMax bound the reconnect delay. Defaults
	// 1000ms / 30000ms.
	BackoffMin time.Duration
	BackoffMax time.Duration

	// IdleInterval is the time a connected, unused holder waits before
	// issuing a Ping. Default 1000ms.
	IdleInterval time.Duration

	// QueueTimeout bounds how long Pool.Checkout waits for a holder.
	// Default 5000ms.
	QueueTimeout time.Duration

	// QueueTarget and QueueInterval are the admission-control knobs from
	// spec.md §4.5; see WithAdmissionControl.
	QueueTarget   time.Duration
	QueueInterval time.Duration

	// AdmissionControl turns on the eager-refusal heuristic described in
	// SPEC_FULL.md §11. Default false (plain fixed-timeout queueing,
	// which spec.md §4.5 explicitly allows as a simplification).
	AdmissionControl bool

	// Timeout bounds each adapter callback invoked on a held connection.
	// Default 15000ms.
	Timeout time.Duration

	// OwnershipMode is not read by NewPool or NewOwnershipPool: an
	// OwnershipPool takes its mode from NewOwnershipPool's mode argument
	// and from SetMode.
	OwnershipMode OwnershipMode

	// Name registers the pool under a process-wide lookup key, per
	// spec.md §4.6 "Lookup by name".
	Name string

	// Log, if non-nil, is called once per adapter call with a LogEntry,
	// per spec.md §4.8.
	Log func(LogEntry)

	// Encode transforms params before HandleDeclare, per spec.md §4.7.
	Encode func(params interface{}) interface{}

	// Decode transforms a yielded stream result, per spec.md §4.7. When
	// DecodeWithQuery is set it takes precedence and additionally
	// receives the (possibly adapter-replaced) query.
	Decode          func(result interface{}) (interface{}, error)
	DecodeWithQuery func(query, result interface{}) (interface{}, error)

	// AdapterOpts is forwarded verbatim to Adapter.Connect.
	AdapterOpts map[string]interface{}
}

func (o Options) withDefaults() Options {
	if o.PoolSize <= 0 {
		o.PoolSize = 1
	}
	if o.BackoffMin <= 0 {
		o.BackoffMin = time.Second
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 30 * time.Second
	}
	if o.IdleInterval <= 0 {
		o.IdleInterval = time.Second
	}
	if o.QueueTimeout <= 0 {
		o.QueueTimeout = 5 * time.Second
	}
	if o.QueueTarget <= 0 {
		o.QueueTarget = 50 * time.Millisecond
	}
	if o.QueueInterval <= 0 {
		o.QueueInterval = time.Second
	}
	if o.Timeout <= 0 {
		o.Timeout = 15 * time.Second
	}
	return o
}

// Option is a functional option for the few settings that compose rather
// than merely default, matching the With* idiom edgedb-go's RetryOptions
// and RetryRule use (internal/client/options.go).
type Option func(*Options)

// WithLog sets the per-call LogEntry hook.
func WithLog(fn func(LogEntry)) Option {
	return func(o *Options) { o.Log = fn }
}

// WithCodec sets the params-encode and result-decode hooks used by
// streams, per spec.md §4.7.
func WithCodec(
	encode func(params interface{}) interface{},
	decode func(result interface{}) (interface{}, error),
) Option {
	return func(o *Options) {
		o.Encode = encode
		o.Decode = decode
	}
}

// WithName registers the pool under name for lookup via LookupPool.
func WithName(name string) Option {
	return func(o *Options) { o.Name = name }
}

// WithAdmissionControl turns on the eager-refusal queue heuristic.
func WithAdmissionControl(enabled bool) Option {
	return func(o *Options) { o.AdmissionControl = enabled }
}

// Apply mutates a copy of Options with every fn and returns it.
func (o Options) Apply(fns ...Option) Options {
	for _, fn := range fns {
		fn(&o)
	}
	return o
}
