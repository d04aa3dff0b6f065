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
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

type fakeWorkerTable struct {
	records []WorkerRecord
}

func (f *fakeWorkerTable) Workers() []WorkerRecord {
	return f.records
}

func (f *fakeWorkerTable) Desired() int {
	return len(f.records)
}

func (f *fakeWorkerTable) Generation() uint32 {
	return 3
}

func newTestAdmin(t *testing.T, pool *fakePool) (*AdminServer, *httptest.Server) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics()
	require.NoError(t, metrics.Register(registry))
	metrics.ConnectionsAccepted.Add(2)

	table := &fakeWorkerTable{records: []WorkerRecord{
		{Id: 1, Generation: 3, State: WorkerReady},
		{Id: 2, Generation: 3, State: WorkerBusy, InFlight: 1},
	}}

	admin := NewAdminServer(&AdminConfig{Address: "127.0.0.1:0"}, newTestController(t, pool), table, registry)
	server := httptest.NewServer(admin.Handler())
	t.Cleanup(server.Close)

	return admin, server
}

func postCommand(t *testing.T, server *httptest.Server, path string) (int, []byte) {
	resp, err := http.Post(server.URL+path, "application/json", nil)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, body
}

func Test_AdminServer(t *testing.T) {
	t.Run("commands are forwarded to the controller", func(t *testing.T) {
		req := require.New(t)

		pool := &fakePool{desired: 2}
		_, server := newTestAdmin(t, pool)

		status, body := postCommand(t, server, "/commands/scale?count=5")
		req.Equal(http.StatusOK, status)

		result := &CommandResult{}
		req.NoError(json.Unmarshal(body, result))
		req.Equal("scale 5", result.Command)
		req.Equal(5, result.Workers)

		status, _ = postCommand(t, server, "/commands/incr")
		req.Equal(http.StatusOK, status)
		req.Equal(6, pool.Desired())

		status, _ = postCommand(t, server, "/commands/stop?grace=2s")
		req.Equal(http.StatusOK, status)
		req.Equal(2*time.Second, pool.grace)

		status, body = postCommand(t, server, "/commands/scale?count=1")
		req.Equal(http.StatusConflict, status)
		req.Contains(string(body), ErrPoolStopped.Error())
	})

	t.Run("unknown commands and bad arguments answer 400", func(t *testing.T) {
		req := require.New(t)

		pool := &fakePool{desired: 2}
		_, server := newTestAdmin(t, pool)

		status, body := postCommand(t, server, "/commands/explode")
		req.Equal(http.StatusBadRequest, status)

		errorBody := &ErrorBody{}
		req.NoError(json.Unmarshal(body, errorBody))
		req.Equal(http.StatusBadRequest, errorBody.Status)
		req.Contains(errorBody.Message, "unknown command [explode]")

		status, _ = postCommand(t, server, "/commands/scale?count=0")
		req.Equal(http.StatusBadRequest, status)

		status, _ = postCommand(t, server, "/commands/scale")
		req.Equal(http.StatusBadRequest, status)

		req.Empty(pool.calls)
	})

	t.Run("commands require POST", func(t *testing.T) {
		req := require.New(t)
		_, server := newTestAdmin(t, &fakePool{desired: 1})

		resp, err := http.Get(server.URL + "/commands/reload")
		req.NoError(err)
		_ = resp.Body.Close()
		req.Equal(http.StatusMethodNotAllowed, resp.StatusCode)
	})

	t.Run("the worker table is served as JSON", func(t *testing.T) {
		req := require.New(t)
		_, server := newTestAdmin(t, &fakePool{desired: 1})

		resp, err := http.Get(server.URL + "/workers")
		req.NoError(err)
		defer func() { _ = resp.Body.Close() }()
		req.Equal(http.StatusOK, resp.StatusCode)
		req.Equal("application/json", resp.Header.Get("Content-Type"))

		workers := &WorkersResponse{}
		req.NoError(json.NewDecoder(resp.Body).Decode(workers))
		req.Equal(2, workers.Desired)
		req.Equal(uint32(3), workers.Generation)
		req.Len(workers.Workers, 2)
		req.Equal(WorkerBusy, workers.Workers[1].State)
	})

	t.Run("metrics are served in the prometheus format", func(t *testing.T) {
		req := require.New(t)
		_, server := newTestAdmin(t, &fakePool{desired: 1})

		resp, err := http.Get(server.URL + "/metrics")
		req.NoError(err)
		defer func() { _ = resp.Body.Close() }()

		body, err := io.ReadAll(resp.Body)
		req.NoError(err)
		req.Contains(string(body), "xserve_connections_accepted_total 2")
	})

	t.Run("unknown paths answer a JSON 404", func(t *testing.T) {
		req := require.New(t)
		_, server := newTestAdmin(t, &fakePool{desired: 1})

		resp, err := http.Get(server.URL + "/nothing")
		req.NoError(err)
		defer func() { _ = resp.Body.Close() }()
		req.Equal(http.StatusNotFound, resp.StatusCode)

		body, err := io.ReadAll(resp.Body)
		req.NoError(err)
		req.True(strings.HasPrefix(string(body), "{"))
	})

	t.Run("run serves until its context is cancelled", func(t *testing.T) {
		req := require.New(t)
		admin, _ := newTestAdmin(t, &fakePool{desired: 1})

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() {
			done <- admin.Run(ctx)
		}()

		req.Eventually(func() bool {
			return admin.Addr() != nil
		}, 2*time.Second, 5*time.Millisecond)

		resp, err := http.Get("http://" + admin.Addr().String() + "/workers")
		req.NoError(err)
		_ = resp.Body.Close()
		req.Equal(http.StatusOK, resp.StatusCode)

		cancel()
		select {
		case err = <-done:
			req.NoError(err)
		case <-time.After(5 * time.Second):
			req.Fail("admin server did not stop")
		}
	})
}
