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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dbconn "github.com/xflagstudio/db-connection"
	"github.com/xflagstudio/db-connection/internal/faketest"
)

func TestOwnershipCheckoutRejectsDoubleOwner(t *testing.T) {
	fa := faketest.New()
	pool := newTestPool(t, fa, dbconn.Options{})
	op := dbconn.NewOwnershipPool(pool, dbconn.OwnershipManual)
	defer op.Close(context.Background())

	require.NoError(t, op.Checkout(context.Background(), "owner", nil))
	err := op.Checkout(context.Background(), "owner", nil)
	assert.ErrorIs(t, err, dbconn.ErrAlreadyOwner)
}

func TestOwnershipAllowRejectsUnknownOwner(t *testing.T) {
	fa := faketest.New()
	pool := newTestPool(t, fa, dbconn.Options{})
	op := dbconn.NewOwnershipPool(pool, dbconn.OwnershipManual)
	defer op.Close(context.Background())

	err := op.Allow("ghost", "A", nil)
	assert.ErrorIs(t, err, dbconn.ErrOwnershipNotFound)
}

func TestOwnershipAllowRejectsNonOwnerCaller(t *testing.T) {
	fa := faketest.New()
	pool := newTestPool(t, fa, dbconn.Options{})
	op := dbconn.NewOwnershipPool(pool, dbconn.OwnershipManual)
	defer op.Close(context.Background())

	require.NoError(t, op.Checkout(context.Background(), "owner", nil))
	require.NoError(t, op.Allow("owner", "A", nil))

	err := op.Allow("A", "B", nil)
	assert.ErrorIs(t, err, dbconn.ErrNotOwner)
}

func TestOwnershipAllowRejectsDuplicateAllowee(t *testing.T) {
	fa := faketest.New()
	pool := newTestPool(t, fa, dbconn.Options{})
	op := dbconn.NewOwnershipPool(pool, dbconn.OwnershipManual)
	defer op.Close(context.Background())

	require.NoError(t, op.Checkout(context.Background(), "owner", nil))
	require.NoError(t, op.Allow("owner", "A", nil))

	err := op.Allow("owner", "A", nil)
	assert.ErrorIs(t, err, dbconn.ErrAlreadyAllowed)
}

func TestOwnershipCheckinRejectsAllowee(t *testing.T) {
	fa := faketest.New()
	pool := newTestPool(t, fa, dbconn.Options{})
	op := dbconn.NewOwnershipPool(pool, dbconn.OwnershipManual)
	defer op.Close(context.Background())

	require.NoError(t, op.Checkout(context.Background(), "owner", nil))
	require.NoError(t, op.Allow("owner", "A", nil))

	err := op.Checkin("A")
	assert.ErrorIs(t, err, dbconn.ErrNotOwner)
}

func TestOwnershipAutoModeChecksOutTransparently(t *testing.T) {
	fa := faketest.New()
	pool := newTestPool(t, fa, dbconn.Options{})
	op := dbconn.NewOwnershipPool(pool, dbconn.OwnershipAuto)
	defer op.Close(context.Background())

	conn, err := op.Conn(context.Background(), "whoever", nil)
	require.NoError(t, err)
	assert.NotNil(t, conn)

	// second touch reuses the same reservation rather than re-checking out.
	conn2, err := op.Conn(context.Background(), "whoever", nil)
	require.NoError(t, err)
	assert.Same(t, conn, conn2)
}

func TestOwnershipManualModeRejectsUnreservedPrincipal(t *testing.T) {
	fa := faketest.New()
	pool := newTestPool(t, fa, dbconn.Options{})
	op := dbconn.NewOwnershipPool(pool, dbconn.OwnershipManual)
	defer op.Close(context.Background())

	_, err := op.Conn(context.Background(), "whoever", nil)
	assert.ErrorIs(t, err, dbconn.ErrOwnershipNotFound)
}

func TestOwnershipOwnerDeathTriggersAutoCheckin(t *testing.T) {
	fa := faketest.New()
	pool := newTestPool(t, fa, dbconn.Options{})
	op := dbconn.NewOwnershipPool(pool, dbconn.OwnershipManual)
	defer op.Close(context.Background())

	done := make(chan struct{})
	require.NoError(t, op.Checkout(context.Background(), "owner", done))
	require.NoError(t, op.Allow("owner", "A", nil))

	close(done)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, err := op.Conn(context.Background(), "owner", nil); err == dbconn.ErrOwnershipNotFound {
			break
		}
		time.Sleep(time.Millisecond)
	}

	_, err := op.Conn(context.Background(), "owner", nil)
	assert.ErrorIs(t, err, dbconn.ErrOwnershipNotFound)
	_, err = op.Conn(context.Background(), "A", nil)
	assert.ErrorIs(t, err, dbconn.ErrOwnershipNotFound)
}

func TestOwnershipAlloweeDeathOnlyRemovesAllowee(t *testing.T) {
	fa := faketest.New()
	pool := newTestPool(t, fa, dbconn.Options{})
	op := dbconn.NewOwnershipPool(pool, dbconn.OwnershipManual)
	defer op.Close(context.Background())

	require.NoError(t, op.Checkout(context.Background(), "owner", nil))
	done := make(chan struct{})
	require.NoError(t, op.Allow("owner", "A", done))

	close(done)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, err := op.Conn(context.Background(), "A", nil); err == dbconn.ErrOwnershipNotFound {
			break
		}
		time.Sleep(time.Millisecond)
	}

	_, err := op.Conn(context.Background(), "A", nil)
	assert.ErrorIs(t, err, dbconn.ErrOwnershipNotFound)

	// owner's own reservation must survive the allowee's death.
	conn, err := op.Conn(context.Background(), "owner", nil)
	require.NoError(t, err)
	assert.NotNil(t, conn)
}
