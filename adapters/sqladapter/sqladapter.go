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

// Package sqladapter is a reference dbconn.Adapter backed by database/sql
// plus jmoiron/sqlx, grounded on go-gorp/gorp's Transaction/DbMap split:
// the adapter State alternates between a bare *sqlx.DB (outside a
// transaction) and a *sqlx.Tx (inside one), mirroring gorp's SqlExecutor
// split between DbMap and Transaction.
package sqladapter

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"

	"github.com/jmoiron/sqlx"

	// The mysql driver registers itself with database/sql under the name
	// "mysql"; sqladapter.Config.DriverName is expected to match it.
	_ "github.com/go-sql-driver/mysql"

	dbconn "github.com/xflagstudio/db-connection"
)

// Config is the driver-specific connection information forwarded through
// dbconn.Options.AdapterOpts.
type Config struct {
	DriverName     string // e.g. "mysql"
	DataSourceName string
}

func configFrom(opts map[string]interface{}) (Config, error) {
	raw, ok := opts["sqladapter"]
	if !ok {
		return Config{}, fmt.Errorf("sqladapter: missing %q key in AdapterOpts", "sqladapter")
	}
	cfg, ok := raw.(Config)
	if !ok {
		return Config{}, fmt.Errorf("sqladapter: AdapterOpts[%q] must be sqladapter.Config", "sqladapter")
	}
	return cfg, nil
}

// state is the adapter.State dbconn threads through callbacks: exactly one
// of db/tx is non-nil at a time.
type state struct {
	db *sqlx.DB
	tx *sqlx.Tx
}

// Adapter implements dbconn.Adapter over a single *sqlx.DB connection
// pulled from database/sql's own pool. dbconn.Pool governs holder count;
// each holder here owns its own *sqlx.DB so that dbconn's own
// checkout/transaction semantics are in full control (the
// SetMaxOpenConns(1) call below limits that *sqlx.DB to one open
// connection so it can't silently hand out a second connection
// underneath us).
type Adapter struct {
	dbconn.NoopAdapter
}

// New returns a sqladapter.Adapter. Pass a sqladapter.Config through
// dbconn.Options.AdapterOpts["sqladapter"].
func New() *Adapter { return &Adapter{} }

func (Adapter) Connect(ctx context.Context, opts map[string]interface{}) (dbconn.State, error) {
	cfg, err := configFrom(opts)
	if err != nil {
		return nil, err
	}
	db, err := sqlx.ConnectContext(ctx, cfg.DriverName, cfg.DataSourceName)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return &state{db: db}, nil
}

func (Adapter) Disconnect(_ context.Context, _ error, s dbconn.State) error {
	st := s.(*state)
	if st.tx != nil {
		_ = st.tx.Rollback()
	}
	return st.db.Close()
}

func (Adapter) Ping(ctx context.Context, s dbconn.State) dbconn.Outcome {
	st := s.(*state)
	if err := st.db.PingContext(ctx); err != nil {
		return dbconn.Disconnect(err, s)
	}
	return dbconn.OK(nil, s)
}

func (Adapter) HandleBegin(ctx context.Context, _ map[string]interface{}, s dbconn.State) dbconn.Outcome {
	st := s.(*state)
	tx, err := st.db.BeginTxx(ctx, nil)
	if err != nil {
		return classify(err, s)
	}
	return dbconn.OK(nil, &state{db: st.db, tx: tx})
}

func (Adapter) HandleCommit(_ context.Context, _ map[string]interface{}, s dbconn.State) dbconn.Outcome {
	st := s.(*state)
	if st.tx == nil {
		return dbconn.Failed(fmt.Errorf("sqladapter: commit outside transaction"), s)
	}
	if err := st.tx.Commit(); err != nil {
		return classify(err, s)
	}
	return dbconn.OK(nil, &state{db: st.db})
}

func (Adapter) HandleRollback(_ context.Context, _ map[string]interface{}, s dbconn.State) dbconn.Outcome {
	st := s.(*state)
	if st.tx == nil {
		return dbconn.OK(nil, s)
	}
	if err := st.tx.Rollback(); err != nil && err != sql.ErrTxDone {
		return classify(err, &state{db: st.db})
	}
	return dbconn.OK(nil, &state{db: st.db})
}

// queryParams is the shape HandleQuery/HandleExecute/HandleDeclare expect
// for params: positional sqlx args.
type queryParams = []interface{}

func (Adapter) HandleQuery(ctx context.Context, query interface{}, params interface{}, _ map[string]interface{}, s dbconn.State) dbconn.Outcome {
	st := s.(*state)
	q, ok := query.(string)
	if !ok {
		return dbconn.Failed(fmt.Errorf("sqladapter: query must be a string"), s)
	}
	args, _ := params.(queryParams)

	rows, err := execer(st).QueryxContext(ctx, q, args...)
	if err != nil {
		return classify(err, s)
	}
	defer rows.Close()

	var results []map[string]interface{}
	for rows.Next() {
		row := make(map[string]interface{})
		if err := rows.MapScan(row); err != nil {
			return classify(err, s)
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return classify(err, s)
	}
	return dbconn.OK(results, s)
}

func (Adapter) HandleExecute(ctx context.Context, query interface{}, _ map[string]interface{}, s dbconn.State) dbconn.Outcome {
	st := s.(*state)
	q, args := extractArgs(query)
	if q == "" {
		return dbconn.Failed(fmt.Errorf("sqladapter: query must be a string or (string, args) pair"), s)
	}

	res, err := execer(st).ExecContext(ctx, q, args...)
	if err != nil {
		return classify(err, s)
	}
	affected, _ := res.RowsAffected()
	return dbconn.OK(affected, s)
}

// HandleDeclare opens a streaming row iterator. Since database/sql has no
// server-side cursor handle distinct from *sql.Rows, the cursor IS the
// open *sqlx.Rows; HandleDeclare must run inside a transaction (enforced
// by dbconn's ClientConn.Declare) so the rows stay valid until Deallocate.
func (Adapter) HandleDeclare(ctx context.Context, query interface{}, params interface{}, _ map[string]interface{}, s dbconn.State) dbconn.Outcome {
	st := s.(*state)
	if st.tx == nil {
		return dbconn.Failed(fmt.Errorf("sqladapter: declare requires an open transaction"), s)
	}
	q, ok := query.(string)
	if !ok {
		return dbconn.Failed(fmt.Errorf("sqladapter: query must be a string"), s)
	}
	args, _ := params.(queryParams)

	rows, err := st.tx.QueryxContext(ctx, q, args...)
	if err != nil {
		return classify(err, s)
	}
	out := dbconn.OK(rows, s)
	out.Query = query
	return out
}

func (Adapter) HandleFetch(_ context.Context, _ interface{}, cursor interface{}, _ map[string]interface{}, s dbconn.State) dbconn.FetchOutcome {
	rows, ok := cursor.(*sqlx.Rows)
	if !ok {
		return dbconn.FetchOutcome{Outcome: dbconn.Failed(fmt.Errorf("sqladapter: unknown cursor type"), s)}
	}
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return dbconn.FetchOutcome{Outcome: classify(err, s)}
		}
		return dbconn.FetchOutcome{Outcome: dbconn.OK(nil, s), Signal: dbconn.FetchHalt}
	}
	row := make(map[string]interface{})
	if err := rows.MapScan(row); err != nil {
		return dbconn.FetchOutcome{Outcome: classify(err, s)}
	}
	return dbconn.FetchOutcome{Outcome: dbconn.OK(row, s), Signal: dbconn.FetchContinue}
}

func (Adapter) HandleDeallocate(_ context.Context, _ interface{}, cursor interface{}, _ map[string]interface{}, s dbconn.State) dbconn.Outcome {
	rows, ok := cursor.(*sqlx.Rows)
	if !ok {
		return dbconn.Failed(fmt.Errorf("sqladapter: unknown cursor type"), s)
	}
	if err := rows.Close(); err != nil {
		return classify(err, s)
	}
	return dbconn.OK(nil, s)
}

type sqlxExecer interface {
	QueryxContext(ctx context.Context, query string, args ...interface{}) (*sqlx.Rows, error)
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func execer(st *state) sqlxExecer {
	if st.tx != nil {
		return st.tx
	}
	return st.db
}

// extractArgs lets HandleExecute accept either a bare query string or a
// (query, args) pair packaged as [2]interface{}{query, args}.
func extractArgs(query interface{}) (string, queryParams) {
	if pair, ok := query.([2]interface{}); ok {
		q, _ := pair[0].(string)
		args, _ := pair[1].(queryParams)
		return q, args
	}
	q, _ := query.(string)
	return q, nil
}

// classify turns a database/sql error into a dbconn Outcome, treating
// connection-level failures as disconnects so the holder reconnects
// instead of silently retrying on a broken socket.
func classify(err error, s dbconn.State) dbconn.Outcome {
	if err == sql.ErrConnDone || err == driverBadConn {
		return dbconn.Disconnect(err, s)
	}
	return dbconn.Failed(err, s)
}

// driverBadConn is database/sql/driver.ErrBadConn, the sentinel a driver
// returns for a connection that can no longer be used.
var driverBadConn = driver.ErrBadConn
