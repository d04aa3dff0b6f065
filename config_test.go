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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testRegistry(t *testing.T) Registry {
	registry := NewRegistryMap()
	require.NoError(t, registry.Add(NewApplicationFactory("test", func(*ServerConfig, map[interface{}]interface{}) (ApplicationHandler, error) {
		return okHandler("ok"), nil
	})))
	return registry
}

func minimalConfigMap() map[interface{}]interface{} {
	return map[interface{}]interface{}{
		"server": map[interface{}]interface{}{
			"app": map[interface{}]interface{}{
				"binding": "test",
			},
		},
	}
}

func Test_InstanceConfig(t *testing.T) {
	t.Run("defaults apply to every option not given", func(t *testing.T) {
		req := require.New(t)

		config := NewInstanceConfig()
		req.NoError(config.Parse(minimalConfigMap()))
		req.NoError(config.Validate(testRegistry(t)))
		req.True(config.Enabled())

		server := config.ServerConfig
		req.Equal(DefaultBindAddress, server.BindAddress)
		req.Equal(DefaultWorkerCount, server.WorkerCount)
		req.Equal(DefaultMinWorkers, server.MinWorkers)
		req.Equal(DefaultRequestTimeout, server.RequestTimeout)
		req.Equal(DefaultHandlerCancelGrace, server.HandlerCancelGrace)
		req.Equal(DefaultShutdownGracePeriod, server.ShutdownGracePeriod)
		req.Equal(DefaultMaxPendingConnections, server.MaxPendingConnections)
		req.Equal(DefaultHeartbeatInterval, server.HeartbeatInterval)
		req.Equal(DefaultHeartbeatStalenessThreshold, server.HeartbeatStalenessThreshold)
		req.Equal(DefaultSpawnAttempts, server.SpawnAttempts)
		req.Equal(DefaultSpawnBackoff, server.SpawnBackoff)
		req.False(server.Compression)
		req.Equal("test", server.App.Binding())
		req.NotNil(server.BindPoint)

		req.False(config.Admin.Enabled())
		req.True(config.Control.Signals)
		req.Empty(config.Control.CommandFile)
	})

	t.Run("all sections are parsed", func(t *testing.T) {
		req := require.New(t)

		config := NewInstanceConfig()
		req.NoError(config.Parse(map[interface{}]interface{}{
			"server": map[interface{}]interface{}{
				"bind_address":                  "tcp:127.0.0.1:9000",
				"worker_count":                  "8",
				"min_workers":                   2,
				"request_timeout":               "5s",
				"handler_cancel_grace":          "250ms",
				"shutdown_grace_period":         "1m",
				"max_pending_connections":       float64(64),
				"heartbeat_interval":            "2s",
				"heartbeat_staleness_threshold": "20s",
				"spawn_attempts":                3,
				"spawn_backoff":                 "1s",
				"compression":                   "true",
				"read_timeout":                  "1s",
				"write_timeout":                 "3s",
				"app": map[interface{}]interface{}{
					"binding": "test",
					"options": map[interface{}]interface{}{
						"root": "/srv",
					},
				},
			},
			"admin": map[interface{}]interface{}{
				"address": "127.0.0.1:9001",
			},
			"control": map[interface{}]interface{}{
				"signals":      false,
				"command_file": "/tmp/xserve.cmd",
			},
		}))
		req.NoError(config.Validate(testRegistry(t)))

		server := config.ServerConfig
		req.Equal("tcp:127.0.0.1:9000", server.BindAddress)
		req.Equal("127.0.0.1:9000", server.BindPoint.ServerAddress())
		req.Equal(8, server.WorkerCount)
		req.Equal(2, server.MinWorkers)
		req.Equal(5*time.Second, server.RequestTimeout)
		req.Equal(250*time.Millisecond, server.HandlerCancelGrace)
		req.Equal(time.Minute, server.ShutdownGracePeriod)
		req.Equal(64, server.MaxPendingConnections)
		req.Equal(2*time.Second, server.HeartbeatInterval)
		req.Equal(20*time.Second, server.HeartbeatStalenessThreshold)
		req.Equal(3, server.SpawnAttempts)
		req.Equal(time.Second, server.SpawnBackoff)
		req.True(server.Compression)
		req.Equal(time.Second, server.Options.ReadTimeout)
		req.Equal(3*time.Second, server.Options.WriteTimeout)
		req.Equal("/srv", server.App.Options()["root"])

		req.True(config.Admin.Enabled())
		req.Equal("127.0.0.1:9001", config.Admin.Address)
		req.False(config.Control.Signals)
		req.Equal("/tmp/xserve.cmd", config.Control.CommandFile)
	})

	t.Run("invalid configurations are rejected", func(t *testing.T) {
		cases := []struct {
			name   string
			mutate func(server map[interface{}]interface{})
		}{
			{"missing app", func(server map[interface{}]interface{}) { delete(server, "app") }},
			{"zero workers", func(server map[interface{}]interface{}) { server["worker_count"] = 0 }},
			{"min workers above worker count", func(server map[interface{}]interface{}) {
				server["worker_count"] = 2
				server["min_workers"] = 3
			}},
			{"unparsable duration", func(server map[interface{}]interface{}) { server["request_timeout"] = "soon" }},
			{"zero request timeout", func(server map[interface{}]interface{}) { server["request_timeout"] = "0s" }},
			{"staleness not above heartbeat interval", func(server map[interface{}]interface{}) {
				server["heartbeat_interval"] = "5s"
				server["heartbeat_staleness_threshold"] = "5s"
			}},
			{"no pending slots", func(server map[interface{}]interface{}) { server["max_pending_connections"] = 0 }},
			{"unknown bind scheme", func(server map[interface{}]interface{}) { server["bind_address"] = "udp:1.2.3.4" }},
			{"bind address without port", func(server map[interface{}]interface{}) { server["bind_address"] = "localhost" }},
			{"unregistered binding", func(server map[interface{}]interface{}) {
				server["app"] = map[interface{}]interface{}{"binding": "nope"}
			}},
			{"non-integer worker count", func(server map[interface{}]interface{}) { server["worker_count"] = "many" }},
		}

		for _, c := range cases {
			t.Run(c.name, func(t *testing.T) {
				req := require.New(t)

				configMap := minimalConfigMap()
				c.mutate(configMap["server"].(map[interface{}]interface{}))

				config := NewInstanceConfig()
				err := config.Parse(configMap)
				if err == nil {
					err = config.Validate(testRegistry(t))
				}
				req.Error(err)
				req.False(config.Enabled())
			})
		}
	})

	t.Run("a missing server section is an error", func(t *testing.T) {
		req := require.New(t)
		config := NewInstanceConfig()
		req.Error(config.Parse(map[interface{}]interface{}{}))
	})

	t.Run("an invalid admin address is an error", func(t *testing.T) {
		req := require.New(t)

		configMap := minimalConfigMap()
		configMap["admin"] = map[interface{}]interface{}{"address": "no-port"}

		config := NewInstanceConfig()
		req.NoError(config.Parse(configMap))
		req.Error(config.Validate(testRegistry(t)))
	})
}

func Test_BindPoints(t *testing.T) {
	t.Run("bind addresses are parsed by scheme", func(t *testing.T) {
		req := require.New(t)

		req.Equal(&BindPointConfig{Scheme: BindSchemeTcp, InterfaceAddress: "0.0.0.0:80"}, ParseBindAddress("0.0.0.0:80"))
		req.Equal(&BindPointConfig{Scheme: BindSchemeTcp, InterfaceAddress: "localhost:80"}, ParseBindAddress("tcp:localhost:80"))
		req.Equal(&BindPointConfig{Scheme: BindSchemeUnix, InterfaceAddress: "/run/x.sock"}, ParseBindAddress(" unix:/run/x.sock "))
		req.Equal("unix:/run/x.sock", ParseBindAddress("unix:/run/x.sock").String())
	})

	t.Run("port zero is accepted", func(t *testing.T) {
		req := require.New(t)
		bindPoint, err := BindPointFactories.New("127.0.0.1:0")
		req.NoError(err)
		req.Equal("127.0.0.1:0", bindPoint.ServerAddress())
	})

	t.Run("a stale unix socket is replaced", func(t *testing.T) {
		req := require.New(t)

		path := filepath.Join(t.TempDir(), "xserve.sock")
		bindPoint, err := BindPointFactories.New("unix:" + path)
		req.NoError(err)

		first, err := bindPoint.Listen()
		req.NoError(err)
		// leave the socket file behind like a crashed process would
		first.(*net.UnixListener).SetUnlinkOnClose(false)
		req.NoError(first.Close())

		_, err = os.Stat(path)
		req.NoError(err)

		second, err := bindPoint.Listen()
		req.NoError(err)
		req.NoError(second.Close())
	})

	t.Run("a regular file is never removed", func(t *testing.T) {
		req := require.New(t)

		path := filepath.Join(t.TempDir(), "data")
		req.NoError(os.WriteFile(path, []byte("keep"), 0o600))

		bindPoint, err := BindPointFactories.New("unix:" + path)
		req.NoError(err)

		_, err = bindPoint.Listen()
		req.Error(err)

		data, err := os.ReadFile(path)
		req.NoError(err)
		req.Equal("keep", string(data))
	})
}
