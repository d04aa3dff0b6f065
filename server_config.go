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
	"fmt"
	"time"

	"github.com/pkg/errors"
)

const (
	DefaultBindAddress                 = "0.0.0.0:8000"
	DefaultWorkerCount                 = 4
	DefaultMinWorkers                  = 1
	DefaultRequestTimeout              = time.Second * 30
	DefaultHandlerCancelGrace          = time.Second
	DefaultShutdownGracePeriod         = time.Second * 30
	DefaultMaxPendingConnections       = 2048
	DefaultHeartbeatInterval           = time.Second
	DefaultHeartbeatStalenessThreshold = time.Second * 10
	DefaultSpawnAttempts               = 5
	DefaultSpawnBackoff                = time.Millisecond * 100
)

// ServerConfig is the immutable configuration of a single serving core. It is created once at startup, validated,
// and then handed by pointer to every component. Nothing mutates it after Validate.
type ServerConfig struct {
	BindAddress string
	BindPoint   BindPoint

	WorkerCount int
	MinWorkers  int

	RequestTimeout      time.Duration
	HandlerCancelGrace  time.Duration
	ShutdownGracePeriod time.Duration

	MaxPendingConnections int

	HeartbeatInterval           time.Duration
	HeartbeatStalenessThreshold time.Duration

	SpawnAttempts int
	SpawnBackoff  time.Duration

	Compression bool

	App     *AppConfig
	Options Options
}

// Default sets every option to its documented default.
func (config *ServerConfig) Default() {
	config.BindAddress = DefaultBindAddress
	config.WorkerCount = DefaultWorkerCount
	config.MinWorkers = DefaultMinWorkers
	config.RequestTimeout = DefaultRequestTimeout
	config.HandlerCancelGrace = DefaultHandlerCancelGrace
	config.ShutdownGracePeriod = DefaultShutdownGracePeriod
	config.MaxPendingConnections = DefaultMaxPendingConnections
	config.HeartbeatInterval = DefaultHeartbeatInterval
	config.HeartbeatStalenessThreshold = DefaultHeartbeatStalenessThreshold
	config.SpawnAttempts = DefaultSpawnAttempts
	config.SpawnBackoff = DefaultSpawnBackoff
	config.Options.Default()
}

// Parse parses a configuration map to set all relevant ServerConfig values. Values not present keep whatever
// Default set.
func (config *ServerConfig) Parse(configMap map[interface{}]interface{}) error {
	if err := parseString(configMap, "bind_address", &config.BindAddress); err != nil {
		return err
	}

	if err := parseInt(configMap, "worker_count", &config.WorkerCount); err != nil {
		return err
	}

	if err := parseInt(configMap, "min_workers", &config.MinWorkers); err != nil {
		return err
	}

	durations := map[string]*time.Duration{
		"request_timeout":               &config.RequestTimeout,
		"handler_cancel_grace":          &config.HandlerCancelGrace,
		"shutdown_grace_period":         &config.ShutdownGracePeriod,
		"heartbeat_interval":            &config.HeartbeatInterval,
		"heartbeat_staleness_threshold": &config.HeartbeatStalenessThreshold,
		"spawn_backoff":                 &config.SpawnBackoff,
	}

	for key, target := range durations {
		if err := parseDuration(configMap, key, target); err != nil {
			return err
		}
	}

	if err := parseInt(configMap, "max_pending_connections", &config.MaxPendingConnections); err != nil {
		return err
	}

	if err := parseInt(configMap, "spawn_attempts", &config.SpawnAttempts); err != nil {
		return err
	}

	if err := parseBool(configMap, "compression", &config.Compression); err != nil {
		return err
	}

	//parse app, required, object
	if appInterface, ok := configMap["app"]; ok {
		if appMap, ok := appInterface.(map[interface{}]interface{}); ok {
			app := &AppConfig{}
			if err := app.Parse(appMap); err != nil {
				return fmt.Errorf("error parsing app configuration: %v", err)
			}
			config.App = app
		} else {
			return errors.New("app section must be a map")
		}
	} else {
		return errors.New("app section is required")
	}

	if err := config.Options.Parse(configMap); err != nil {
		return fmt.Errorf("error parsing options section: %v", err)
	}

	return nil
}

// Validate all ServerConfig values and resolve the BindPoint for BindAddress.
func (config *ServerConfig) Validate(registry Registry) error {
	if config.App == nil {
		return errors.New("no app specified")
	}

	if err := config.App.Validate(); err != nil {
		return fmt.Errorf("invalid app: %v", err)
	}

	if registry != nil {
		if factory := registry.Get(config.App.Binding()); factory == nil {
			return fmt.Errorf("invalid app: no factory registered for binding %s", config.App.Binding())
		}
	}

	bindPoint, err := BindPointFactories.New(config.BindAddress)
	if err != nil {
		return errors.Wrapf(err, "invalid bind_address [%s]", config.BindAddress)
	}
	config.BindPoint = bindPoint

	if config.WorkerCount < 1 {
		return fmt.Errorf("value [%d] for worker_count too low, must be at least 1", config.WorkerCount)
	}

	if config.MinWorkers < 1 || config.MinWorkers > config.WorkerCount {
		return fmt.Errorf("value [%d] for min_workers must be between 1 and worker_count [%d]", config.MinWorkers, config.WorkerCount)
	}

	if config.MaxPendingConnections < 1 {
		return fmt.Errorf("value [%d] for max_pending_connections too low, must be at least 1", config.MaxPendingConnections)
	}

	if config.SpawnAttempts < 1 {
		return fmt.Errorf("value [%d] for spawn_attempts too low, must be at least 1", config.SpawnAttempts)
	}

	positive := []struct {
		name  string
		value time.Duration
	}{
		{"request_timeout", config.RequestTimeout},
		{"handler_cancel_grace", config.HandlerCancelGrace},
		{"heartbeat_interval", config.HeartbeatInterval},
		{"heartbeat_staleness_threshold", config.HeartbeatStalenessThreshold},
		{"spawn_backoff", config.SpawnBackoff},
	}

	for _, option := range positive {
		if option.value <= 0 {
			return fmt.Errorf("value [%s] for %s too low, must be positive", option.value.String(), option.name)
		}
	}

	if config.ShutdownGracePeriod < 0 {
		return fmt.Errorf("value [%s] for shutdown_grace_period must not be negative", config.ShutdownGracePeriod.String())
	}

	if config.HeartbeatStalenessThreshold <= config.HeartbeatInterval {
		return fmt.Errorf("heartbeat_staleness_threshold [%s] must be greater than heartbeat_interval [%s]",
			config.HeartbeatStalenessThreshold.String(), config.HeartbeatInterval.String())
	}

	if err := config.Options.TimeoutOptions.Validate(); err != nil {
		return fmt.Errorf("invalid timeout option: %v", err)
	}

	return nil
}
