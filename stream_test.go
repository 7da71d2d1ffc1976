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

package dbconn_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dbconn "github.com/xflagstudio/db-connection"
	"github.com/xflagstudio/db-connection/internal/faketest"
)

// A plain (non-disconnect) fetch error leaves the connection alive, so the
// cursor must still be deallocated on the adapter side.
func TestStreamNextFetchErrorStillDeallocates(t *testing.T) {
	fa := faketest.New()
	wantErr := errors.New("bad cursor state")
	fa.On("HandleBegin", faketest.Step{Kind: "ok"})
	fa.On("HandleDeclare", faketest.Step{Kind: "ok", Result: "cursor-1"})
	fa.On("HandleFetch", faketest.Step{Kind: "error", Err: wantErr})
	fa.On("HandleDeallocate", faketest.Step{Kind: "ok"})
	fa.On("HandleRollback", faketest.Step{Kind: "ok"})

	pool := newTestPool(t, fa, dbconn.Options{})
	conn, err := pool.Checkout(context.Background())
	require.NoError(t, err)
	defer conn.Close()

	_ = conn.Transaction(context.Background(), func(tx *dbconn.ClientConn) (interface{}, error) {
		stream, err := dbconn.NewStream(context.Background(), tx, "select *", nil, nil)
		require.NoError(t, err)
		_, _, ferr := stream.Next(context.Background(), nil)
		require.ErrorIs(t, ferr, wantErr)
		return nil, ferr
	})

	var methods []string
	for _, c := range fa.Calls() {
		methods = append(methods, c.Method)
	}
	assert.Contains(t, methods, "HandleDeallocate")
}

// A decode-hook error must likewise still deallocate the cursor.
func TestStreamNextDecodeErrorStillDeallocates(t *testing.T) {
	fa := faketest.New()
	decodeErr := errors.New("malformed payload")
	fa.On("HandleBegin", faketest.Step{Kind: "ok"})
	fa.On("HandleDeclare", faketest.Step{Kind: "ok", Result: "cursor-1"})
	fa.On("HandleFetch", faketest.Step{Kind: "ok", Result: "raw"})
	fa.On("HandleDeallocate", faketest.Step{Kind: "ok"})
	fa.On("HandleRollback", faketest.Step{Kind: "ok"})

	pool := newTestPool(t, fa, dbconn.Options{
		Decode: func(interface{}) (interface{}, error) { return nil, decodeErr },
	})
	conn, err := pool.Checkout(context.Background())
	require.NoError(t, err)
	defer conn.Close()

	_ = conn.Transaction(context.Background(), func(tx *dbconn.ClientConn) (interface{}, error) {
		stream, err := dbconn.NewStream(context.Background(), tx, "select *", nil, nil)
		require.NoError(t, err)
		_, _, ferr := stream.Next(context.Background(), nil)
		require.ErrorIs(t, ferr, decodeErr)
		return nil, ferr
	})

	var methods []string
	for _, c := range fa.Calls() {
		methods = append(methods, c.Method)
	}
	assert.Contains(t, methods, "HandleDeallocate")
}
