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
	"time"
)

// Stream is a lazy cursor-backed iterator over one query's results, per
// spec.md §4.7. It may be opened only while its ClientConn is inside an
// open Transaction. Callers must defer Close so the server-side cursor is
// always deallocated, even on early return or panic:
//
//	stream, err := dbconn.NewStream(ctx, conn, query, params, opts)
//	if err != nil { return err }
//	defer stream.Close(ctx)
//	for {
//		row, ok, err := stream.Next(ctx, nil)
//		...
//	}
type Stream struct {
	conn  *ClientConn
	opts  Options
	query interface{}

	decode          func(interface{}) (interface{}, error)
	decodeWithQuery func(interface{}, interface{}) (interface{}, error)

	cursor       interface{}
	closed       bool
	disconnected bool
	halted       bool
}

// NewStream opens a server-side cursor via Declare. If Declare itself
// fails or disconnects, no Stream is returned and the caller must not
// call Close — the cursor-closure law only binds a stream that was
// actually opened, per spec.md §4.7 "If handle_declare disconnects, the
// stream surfaces the error ... close is skipped."
func NewStream(ctx context.Context, conn *ClientConn, query, params interface{}, opts map[string]interface{}) (*Stream, error) {
	encoded := params
	if conn.pool.opts.Encode != nil {
		encoded = conn.pool.opts.Encode(params)
	}

	cursor, outQuery, err := conn.Declare(ctx, query, encoded, opts)
	if err != nil {
		return nil, err
	}

	return &Stream{
		conn:            conn,
		opts:            conn.pool.opts,
		query:           outQuery,
		cursor:          cursor,
		decode:          conn.pool.opts.Decode,
		decodeWithQuery: conn.pool.opts.DecodeWithQuery,
	}, nil
}

// Next fetches and decodes the next result batch. ok is false with a nil
// error once the cursor is exhausted; the stream is then already closed.
func (s *Stream) Next(ctx context.Context, opts map[string]interface{}) (result interface{}, ok bool, err error) {
	if s.closed {
		return nil, false, nil
	}

	raw, halted, ferr := s.conn.Fetch(ctx, s.query, s.cursor, opts)
	if ferr != nil {
		if isDisconnectError(ferr) {
			s.disconnected = true
			_ = s.closeSynthetic(ctx)
		} else {
			_ = s.Close(ctx)
		}
		return nil, false, ferr
	}

	value := raw
	if s.decodeWithQuery != nil || s.decode != nil {
		dstart := time.Now()
		var derr error
		if s.decodeWithQuery != nil {
			value, derr = s.decodeWithQuery(s.query, raw)
		} else {
			value, derr = s.decode(raw)
		}
		dt := durPtrNonNil(time.Since(dstart))
		emitLog(s.opts.Log, s.conn.pool.diag, LogEntry{Call: CallFetch, Query: s.query, Result: value, Err: derr, DecodeTime: dt})
		if derr != nil {
			_ = s.Close(ctx)
			return nil, false, derr
		}
	}

	if halted {
		s.halted = true
		if closeErr := s.Close(ctx); closeErr != nil {
			return value, true, closeErr
		}
	}
	return value, true, nil
}

// Close deallocates the cursor. It is idempotent. Once a disconnect was
// observed on Next, Next has already emitted the synthetic deallocate log
// entry spec.md §8 scenario 3 describes, and Close does nothing further.
func (s *Stream) Close(ctx context.Context) error {
	if s.closed {
		return nil
	}
	if s.disconnected {
		return s.closeSynthetic(ctx)
	}
	s.closed = true
	_, err := s.conn.Deallocate(ctx, s.query, s.cursor, nil)
	return err
}

// closeSynthetic marks the stream closed and records a deallocate log
// entry without touching the adapter, used once a disconnect has already
// torn the connection down.
func (s *Stream) closeSynthetic(ctx context.Context) error {
	if s.closed {
		return nil
	}
	s.closed = true
	err := newClosedError()
	emitLog(s.opts.Log, s.conn.pool.diag, LogEntry{
		Call:  CallDeallocate,
		Query: s.query,
		Err:   err,
	})
	return err
}

func isDisconnectError(err error) bool {
	ce, ok := err.(*ConnectionError)
	return ok && ce.Disconnect
}
