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

import "context"

type ContextKey string

const (
	WorkerContextKey     = ContextKey("xserve.Worker.ContextKey")
	ConnectionContextKey = ContextKey("xserve.Connection.ContextKey")
)

// WorkerInfo identifies the worker handling a request
type WorkerInfo struct {
	Id         uint64
	Generation uint32
}

// WorkerFromContext is a utility function to retrieve the *WorkerInfo of the worker running the current handler
// invocation.
func WorkerFromContext(ctx context.Context) *WorkerInfo {
	if val := ctx.Value(WorkerContextKey); val != nil {
		if info, ok := val.(*WorkerInfo); ok {
			return info
		}
	}
	return nil
}

// ConnectionFromContext is a utility function to retrieve the *Connection a request arrived on. Handlers must not
// read from or write to it, the worker owns its I/O.
func ConnectionFromContext(ctx context.Context) *Connection {
	if val := ctx.Value(ConnectionContextKey); val != nil {
		if conn, ok := val.(*Connection); ok {
			return conn
		}
	}
	return nil
}
