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


package main

import (
	"context"
	"fmt"

	"github.com/michaelquigley/pfxlog"
	"github.com/openziti/xserve"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// flagKeys maps command line flags to configuration keys
var flagKeys = map[string]string{
	"bind":         "server.bind_address",
	"workers":      "server.worker_count",
	"app":          "server.app.binding",
	"admin":        "admin.address",
	"command-file": "control.command_file",
}

// configDefaults registers every known key with viper, AllSettings only reports environment overrides for keys
// viper knows about
var configDefaults = map[string]interface{}{
	"server.bind_address":                  xserve.DefaultBindAddress,
	"server.worker_count":                  xserve.DefaultWorkerCount,
	"server.min_workers":                   xserve.DefaultMinWorkers,
	"server.request_timeout":               xserve.DefaultRequestTimeout,
	"server.handler_cancel_grace":          xserve.DefaultHandlerCancelGrace,
	"server.shutdown_grace_period":         xserve.DefaultShutdownGracePeriod,
	"server.max_pending_connections":       xserve.DefaultMaxPendingConnections,
	"server.heartbeat_interval":            xserve.DefaultHeartbeatInterval,
	"server.heartbeat_staleness_threshold": xserve.DefaultHeartbeatStalenessThreshold,
	"server.spawn_attempts":                xserve.DefaultSpawnAttempts,
	"server.spawn_backoff":                 xserve.DefaultSpawnBackoff,
	"server.read_timeout":                  xserve.DefaultReadTimeout,
	"server.write_timeout":                 xserve.DefaultWriteTimeout,
	"server.compression":                   false,
	"server.app.binding":                   echoBinding,
	"admin.address":                        "",
	"control.signals":                      true,
	"control.command_file":                 "",
}

func setConfigDefaults() {
	for key, value := range configDefaults {
		viper.SetDefault(key, value)
	}
}

func newRunCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the server until it is stopped",
		RunE: func(cmd *cobra.Command, args []string) error {
			for flag, key := range flagKeys {
				if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
					return err
				}
			}
			return run(cmd.Context())
		},
	}

	cmd.Flags().String("bind", xserve.DefaultBindAddress, "Address to listen on, host:port or unix:/path")
	cmd.Flags().Int("workers", xserve.DefaultWorkerCount, "Number of workers")
	cmd.Flags().String("app", echoBinding, "Application binding to serve")
	cmd.Flags().String("admin", "", "Address of the administrative endpoint, disabled when empty")
	cmd.Flags().String("command-file", "", "File to watch for lifecycle commands")

	return cmd
}

func run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	registry := xserve.NewRegistryMap()
	for _, factory := range []xserve.ApplicationFactory{newEchoFactory(), newStaticFactory()} {
		if err := registry.Add(factory); err != nil {
			return err
		}
	}

	instance := xserve.NewInstance(registry)
	if err := instance.LoadConfig(toConfigMap(viper.AllSettings())); err != nil {
		pfxlog.Logger().Errorf("invalid configuration: %v", err)
		return err
	}

	if err := instance.Run(ctx); err != nil {
		pfxlog.Logger().Errorf("server terminated: %v", err)
		return errors.Wrap(err, "server terminated")
	}

	pfxlog.Logger().Info("server stopped")
	return nil
}

// toConfigMap converts viper settings to the map form InstanceConfig parses
func toConfigMap(settings map[string]interface{}) map[interface{}]interface{} {
	result := map[interface{}]interface{}{}
	for key, value := range settings {
		result[key] = toConfigValue(value)
	}
	return result
}

func toConfigValue(value interface{}) interface{} {
	switch v := value.(type) {
	case map[string]interface{}:
		return toConfigMap(v)
	case map[interface{}]interface{}:
		result := map[interface{}]interface{}{}
		for key, nested := range v {
			result[fmt.Sprint(key)] = toConfigValue(nested)
		}
		return result
	case []interface{}:
		result := make([]interface{}, 0, len(v))
		for _, nested := range v {
			result = append(result, toConfigValue(nested))
		}
		return result
	default:
		return value
	}
}
