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


/*
Package xserve provides a multi-worker HTTP serving core assembled from configuration files.

Basics

xserve binds a single listening socket and hands every accepted connection to exactly one of a fixed set of
workers. Each worker owns its own ApplicationHandler, built by the ApplicationFactory registered for the configured
app binding, and serves one request per connection.

An Instance is responsible for parsing its configuration sections (default `server`, `admin` and `control`),
binding the Listener, starting the Pool and running the HealthMonitor and the Controller. Both Instance and
InstanceConfig assume that configuration will be acquired from some source and be presented as a map of
interface{}-to-interface{} values.

The Pool keeps worker_count workers live. Workers that die unexpectedly, by panicking, returning a Fault or
failing to heartbeat, are replaced; workers that are drained by Scale, Reload or Stop are not. Reload starts a
complete new generation before draining the old one so the dispatch queue keeps being served.

Lifecycle commands (stop, reload, scale, incr, decr) reach the Pool through the Controller, which applies them one
at a time. Commands may be issued by process signals, by lines appended to a command file or through the
administrative endpoint.

Backpressure is explicit: once max_pending_connections connections wait for a worker, new connections are answered
with a 503 and `Retry-After: 1` by the accept loop itself.
*/
package xserve
