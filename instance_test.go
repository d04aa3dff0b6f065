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
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/require"
)

func instanceConfigMap(binding string, server map[interface{}]interface{}) map[interface{}]interface{} {
	section := map[interface{}]interface{}{
		"bind_address":       "127.0.0.1:0",
		"worker_count":       2,
		"heartbeat_interval": "50ms",
		"app": map[interface{}]interface{}{
			"binding": binding,
		},
	}
	for key, value := range server {
		section[key] = value
	}
	return map[interface{}]interface{}{
		"server": section,
		"control": map[interface{}]interface{}{
			"signals": false,
		},
	}
}

func runInstance(t *testing.T, instance *Instance) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- instance.Run(context.Background())
	}()

	select {
	case <-instance.Ready():
	case err := <-done:
		require.NoError(t, err)
		require.Fail(t, "instance stopped before it was ready")
	case <-time.After(5 * time.Second):
		require.Fail(t, "instance did not become ready")
	}

	return done
}

func Test_Instance(t *testing.T) {
	t.Run("serves requests until a stop command", func(t *testing.T) {
		req := require.New(t)

		instance := NewInstance(testRegistry(t))
		req.NoError(instance.LoadConfig(instanceConfigMap("test", nil)))
		req.True(instance.Enabled())

		done := runInstance(t, instance)

		resp, err := http.Get("http://" + instance.Addr().String() + "/")
		req.NoError(err)
		body, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		req.NoError(err)
		req.Equal(http.StatusOK, resp.StatusCode)
		req.Equal("ok", string(body))

		families, err := instance.MetricsRegistry().Gather()
		req.NoError(err)
		names := map[string]bool{}
		for _, family := range families {
			names[family.GetName()] = true
		}
		req.True(names["xserve_workers"])
		req.True(names["xserve_generation"])
		req.True(names["xserve_connections_accepted_total"])

		result, err := instance.Controller().ExecuteLine(context.Background(), "stop 1s")
		req.NoError(err)
		req.Len(result.Report.Drained, 2)

		select {
		case err = <-done:
			req.NoError(err)
		case <-time.After(5 * time.Second):
			req.Fail("instance did not stop")
		}
	})

	t.Run("shutdown stops gracefully", func(t *testing.T) {
		req := require.New(t)

		instance := NewInstance(testRegistry(t))
		req.NoError(instance.LoadConfig(instanceConfigMap("test", nil)))

		done := runInstance(t, instance)
		address := instance.Addr().String()

		instance.Shutdown()
		req.NoError(<-done)

		_, err := net.DialTimeout("tcp", address, 200*time.Millisecond)
		req.Error(err)
	})

	t.Run("the administrative endpoint drives the instance", func(t *testing.T) {
		req := require.New(t)

		configMap := instanceConfigMap("test", nil)
		configMap["admin"] = map[interface{}]interface{}{"address": "127.0.0.1:0"}

		instance := NewInstance(testRegistry(t))
		req.NoError(instance.LoadConfig(configMap))
		done := runInstance(t, instance)

		admin := instance.Admin()
		req.NotNil(admin)
		req.Eventually(func() bool {
			return admin.Addr() != nil
		}, 2*time.Second, 5*time.Millisecond)

		resp, err := http.Post("http://"+admin.Addr().String()+"/commands/scale?count=3", "", nil)
		req.NoError(err)
		_ = resp.Body.Close()
		req.Equal(http.StatusOK, resp.StatusCode)
		req.Equal(3, instance.Pool().Desired())

		resp, err = http.Post("http://"+admin.Addr().String()+"/commands/stop", "", nil)
		req.NoError(err)
		_ = resp.Body.Close()
		req.Equal(http.StatusOK, resp.StatusCode)

		select {
		case err = <-done:
			req.NoError(err)
		case <-time.After(5 * time.Second):
			req.Fail("instance did not stop")
		}
	})

	t.Run("a socket in use fails the build with a BindError", func(t *testing.T) {
		req := require.New(t)

		occupied, err := net.Listen("tcp", "127.0.0.1:0")
		req.NoError(err)
		defer func() { _ = occupied.Close() }()

		instance := NewInstance(testRegistry(t))
		req.NoError(instance.LoadConfig(instanceConfigMap("test", map[interface{}]interface{}{
			"bind_address": occupied.Addr().String(),
		})))

		var bindErr *BindError
		req.ErrorAs(instance.Build(), &bindErr)
	})

	t.Run("an application that cannot start fails run", func(t *testing.T) {
		req := require.New(t)

		registry := NewRegistryMap()
		req.NoError(registry.Add(NewApplicationFactory("broken", func(*ServerConfig, map[interface{}]interface{}) (ApplicationHandler, error) {
			return nil, io.ErrUnexpectedEOF
		})))

		instance := NewInstance(registry)
		req.NoError(instance.LoadConfig(instanceConfigMap("broken", map[interface{}]interface{}{
			"spawn_attempts": 2,
			"spawn_backoff":  "1ms",
		})))

		err := instance.Run(context.Background())
		var spawnErr *WorkerSpawnError
		req.ErrorAs(err, &spawnErr)
		req.ErrorIs(err, io.ErrUnexpectedEOF)
	})

	t.Run("compression applies to http.Handler applications", func(t *testing.T) {
		req := require.New(t)

		registry := NewRegistryMap()
		req.NoError(registry.Add(NewApplicationFactory("page", func(*ServerConfig, map[interface{}]interface{}) (ApplicationHandler, error) {
			return HttpApplication(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "text/plain")
				_, _ = w.Write([]byte("compress me, compress me, compress me"))
			})), nil
		})))

		instance := NewInstance(registry)
		req.NoError(instance.LoadConfig(instanceConfigMap("page", map[interface{}]interface{}{
			"compression": true,
		})))
		done := runInstance(t, instance)
		defer func() {
			instance.Shutdown()
			<-done
		}()

		request, err := http.NewRequest(http.MethodGet, "http://"+instance.Addr().String()+"/", nil)
		req.NoError(err)
		request.Header.Set("Accept-Encoding", "br")

		resp, err := http.DefaultClient.Do(request)
		req.NoError(err)
		defer func() { _ = resp.Body.Close() }()

		req.Equal(http.StatusOK, resp.StatusCode)
		req.Equal("br", resp.Header.Get("Content-Encoding"))

		body, err := io.ReadAll(brotli.NewReader(resp.Body))
		req.NoError(err)
		req.Equal("compress me, compress me, compress me", string(body))
	})
}
