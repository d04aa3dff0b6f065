/*
	Copyright NetFoundry Inc.

	Licensed under the Apache License, Version 2.0 (the "License");
	you may not use this file except in compliance with the License.
	You may obtain a copy of the License at

	https://www.apache.org/licenses/LICENSE-2.0

	Unless required by applicable law or agreed to in writing, software
	distributed under the License is distributed on an "AS IS" BASIS,
	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
	See the License for the specific language governing permissions and
	limitations under the License.
*/

package xserve

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Connection is an accepted socket plus its arrival time. It is owned by the Listener until exactly one worker
// claims it.
type Connection struct {
	net.Conn
	Id      string
	Arrived time.Time

	owner     atomic.Uint64
	closeOnce sync.Once
	closeErr  error
}

func newConnection(conn net.Conn) *Connection {
	return &Connection{
		Conn:    conn,
		Id:      uuid.NewString(),
		Arrived: time.Now(),
	}
}

// claim transfers ownership to workerId. It succeeds only once per connection.
func (conn *Connection) claim(workerId uint64) bool {
	return conn.owner.CompareAndSwap(0, workerId)
}

// Owner returns the id of the worker that claimed this connection or 0 if it is still owned by the Listener.
func (conn *Connection) Owner() uint64 {
	return conn.owner.Load()
}

// Close closes the underlying socket once, it is safe to call from the owning worker and the Pool concurrently.
func (conn *Connection) Close() error {
	conn.closeOnce.Do(func() {
		conn.closeErr = conn.Conn.Close()
	})
	return conn.closeErr
}

// RemoteAddress returns the remote address as a string, empty for sockets without one
func (conn *Connection) RemoteAddress() string {
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}
