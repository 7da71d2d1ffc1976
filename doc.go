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

// Package dbconn is the driver-independent core of a database client: a
// reconnecting connection pool, a client-side transaction and streaming
// state machine layered over a pluggable Adapter, and an ownership sub-pool
// for tests and workers that need exclusive, delegatable access to one
// connection.
//
// dbconn does not speak any wire protocol itself. Concrete drivers
// implement the Adapter interface (adapter.go); see the adapters/
// subdirectories for reference implementations over Redis and over
// database/sql.
package dbconn
