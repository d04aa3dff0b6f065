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
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	DefaultConfigSection  = "server"
	DefaultAdminSection   = "admin"
	DefaultControlSection = "control"

	DefaultReadTimeout  = time.Second * 5
	DefaultWriteTimeout = time.Second * 10
)

// InstanceConfig is the root configuration necessary to start an Instance: one ServerConfig plus the optional
// administrative and control sections.
type InstanceConfig struct {
	SourceConfig map[interface{}]interface{}

	Section      string
	ServerConfig *ServerConfig
	Admin        AdminConfig
	Control      ControlConfig

	enabled bool
}

// NewInstanceConfig returns an InstanceConfig reading the default sections.
func NewInstanceConfig() *InstanceConfig {
	return &InstanceConfig{
		Section: DefaultConfigSection,
	}
}

// Parse parses a configuration map, looking for the server section and the optional admin and control sections.
func (config *InstanceConfig) Parse(configMap map[interface{}]interface{}) error {
	config.SourceConfig = configMap

	if config.Section == "" {
		return errors.New("server section not specified for configuration")
	}

	config.ServerConfig = &ServerConfig{}
	config.ServerConfig.Default()

	if sectionVal, ok := configMap[config.Section]; ok {
		if sectionMap, ok := sectionVal.(map[interface{}]interface{}); ok {
			if err := config.ServerConfig.Parse(sectionMap); err != nil {
				return fmt.Errorf("error parsing server configuration [%s]: %v", config.Section, err)
			}
		} else {
			return fmt.Errorf("server section [%s] must be a map", config.Section)
		}
	} else {
		return fmt.Errorf("server section [%s] is required", config.Section)
	}

	if adminVal, ok := configMap[DefaultAdminSection]; ok {
		if adminMap, ok := adminVal.(map[interface{}]interface{}); ok {
			if err := config.Admin.Parse(adminMap); err != nil {
				return fmt.Errorf("error parsing admin section: %v", err)
			}
		} else {
			return errors.New("admin section must be a map if defined")
		}
	}

	config.Control.Default()
	if controlVal, ok := configMap[DefaultControlSection]; ok {
		if controlMap, ok := controlVal.(map[interface{}]interface{}); ok {
			if err := config.Control.Parse(controlMap); err != nil {
				return fmt.Errorf("error parsing control section: %v", err)
			}
		} else {
			return errors.New("control section must be a map if defined")
		}
	}

	return nil
}

// Validate uses a Registry to validate that the application binding may be fulfilled. All other relevant
// InstanceConfig values are also validated.
func (config *InstanceConfig) Validate(registry Registry) error {
	if config.ServerConfig == nil {
		return errors.New("no server configuration parsed")
	}

	if err := config.ServerConfig.Validate(registry); err != nil {
		return fmt.Errorf("could not validate server at %s: %v", config.Section, err)
	}

	if err := config.Admin.Validate(); err != nil {
		return fmt.Errorf("could not validate admin section: %v", err)
	}

	//enabled only after validation passes
	config.enabled = true

	return nil
}

// Enabled returns true/false on whether this configuration should be considered "enabled". Set to true after
// Validate passes.
func (config *InstanceConfig) Enabled() bool {
	return config.enabled
}

// AdminConfig enables the administrative endpoint. It is disabled unless an address is given.
type AdminConfig struct {
	Address string
}

func (admin *AdminConfig) Parse(config map[interface{}]interface{}) error {
	return parseString(config, "address", &admin.Address)
}

func (admin *AdminConfig) Validate() error {
	if admin.Address == "" {
		return nil
	}
	if err := validateHostPort(admin.Address); err != nil {
		return fmt.Errorf("invalid admin address [%s]: %v", admin.Address, err)
	}
	return nil
}

// Enabled returns true if an administrative endpoint should be started
func (admin *AdminConfig) Enabled() bool {
	return admin.Address != ""
}

// ControlConfig configures where lifecycle commands may come from besides the Controller API.
type ControlConfig struct {
	Signals     bool
	CommandFile string
}

func (control *ControlConfig) Default() {
	control.Signals = true
}

func (control *ControlConfig) Parse(config map[interface{}]interface{}) error {
	if err := parseBool(config, "signals", &control.Signals); err != nil {
		return err
	}
	return parseString(config, "command_file", &control.CommandFile)
}

// Options is the shared options for a ServerConfig.
type Options struct {
	TimeoutOptions
}

// Default provides defaults for all necessary values
func (options *Options) Default() {
	options.TimeoutOptions.Default()
}

// Parse parses a configuration map
func (options *Options) Parse(optionsMap map[interface{}]interface{}) error {
	if err := options.TimeoutOptions.Parse(optionsMap); err != nil {
		return fmt.Errorf("error parsing options: %v", err)
	}

	return nil
}

// TimeoutOptions represents connection I/O timeout options
type TimeoutOptions struct {
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Default defaults all connection timeout options
func (timeoutOptions *TimeoutOptions) Default() {
	timeoutOptions.WriteTimeout = DefaultWriteTimeout
	timeoutOptions.ReadTimeout = DefaultReadTimeout
}

// Parse parses a config map
func (timeoutOptions *TimeoutOptions) Parse(config map[interface{}]interface{}) error {
	if err := parseDuration(config, "read_timeout", &timeoutOptions.ReadTimeout); err != nil {
		return err
	}

	return parseDuration(config, "write_timeout", &timeoutOptions.WriteTimeout)
}

// Validate validates all settings and return nil or an error
func (timeoutOptions *TimeoutOptions) Validate() error {
	if timeoutOptions.WriteTimeout <= 0 {
		return fmt.Errorf("value [%s] for write_timeout too low, must be positive", timeoutOptions.WriteTimeout.String())
	}

	if timeoutOptions.ReadTimeout <= 0 {
		return fmt.Errorf("value [%s] for read_timeout too low, must be positive", timeoutOptions.ReadTimeout.String())
	}

	return nil
}

func parseDuration(config map[interface{}]interface{}, key string, target *time.Duration) error {
	interfaceVal, ok := config[key]
	if !ok {
		return nil
	}

	switch val := interfaceVal.(type) {
	case time.Duration:
		*target = val
	case string:
		duration, err := time.ParseDuration(strings.TrimSpace(val))
		if err != nil {
			return fmt.Errorf("could not parse %s %s as a duration (e.g. 1m): %v", key, val, err)
		}
		*target = duration
	default:
		return fmt.Errorf("could not use value for %s, not a string", key)
	}

	return nil
}

func parseInt(config map[interface{}]interface{}, key string, target *int) error {
	interfaceVal, ok := config[key]
	if !ok {
		return nil
	}

	switch val := interfaceVal.(type) {
	case int:
		*target = val
	case int64:
		*target = int(val)
	case uint64:
		*target = int(val)
	case float64:
		if val != float64(int(val)) {
			return fmt.Errorf("could not use value for %s, not an integer", key)
		}
		*target = int(val)
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil {
			return fmt.Errorf("could not parse %s [%s] as an integer: %v", key, val, err)
		}
		*target = i
	default:
		return fmt.Errorf("could not use value for %s, not an integer", key)
	}

	return nil
}

func parseBool(config map[interface{}]interface{}, key string, target *bool) error {
	interfaceVal, ok := config[key]
	if !ok {
		return nil
	}

	switch val := interfaceVal.(type) {
	case bool:
		*target = val
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(val))
		if err != nil {
			return fmt.Errorf("could not parse %s [%s] as a boolean: %v", key, val, err)
		}
		*target = b
	default:
		return fmt.Errorf("could not use value for %s, not a boolean", key)
	}

	return nil
}

func parseString(config map[interface{}]interface{}, key string, target *string) error {
	interfaceVal, ok := config[key]
	if !ok {
		return nil
	}

	val, ok := interfaceVal.(string)
	if !ok {
		return fmt.Errorf("could not use value for %s, not a string", key)
	}
	*target = val

	return nil
}
