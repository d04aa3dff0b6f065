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

import "github.com/pkg/errors"

// AppConfig names the application by binding. The binding is used against a Registry to locate the
// ApplicationFactory that builds one ApplicationHandler per worker. The options are not interpreted by xserve
// components, only by that factory.
type AppConfig struct {
	binding string
	options map[interface{}]interface{}
}

// NewAppConfig creates an AppConfig without going through Parse.
func NewAppConfig(binding string, options map[interface{}]interface{}) *AppConfig {
	return &AppConfig{
		binding: binding,
		options: options,
	}
}

// Binding returns the string that identifies the ApplicationFactory in a Registry.
func (app *AppConfig) Binding() string {
	return app.binding
}

// Options returns the options associated with this AppConfig binding.
func (app *AppConfig) Options() map[interface{}]interface{} {
	return app.options
}

// Parse the configuration map for an AppConfig.
func (app *AppConfig) Parse(appConfigMap map[interface{}]interface{}) error {
	if bindingInterface, ok := appConfigMap["binding"]; ok {
		if binding, ok := bindingInterface.(string); ok {
			app.binding = binding
		} else {
			return errors.New("binding must be a string")
		}
	} else {
		return errors.New("binding is required")
	}

	if optionsInterface, ok := appConfigMap["options"]; ok {
		if optionsMap, ok := optionsInterface.(map[interface{}]interface{}); ok {
			app.options = optionsMap //leave to factories to interpret further
		} else {
			return errors.New("options if declared must be a map")
		}
	} //no else optional

	return nil
}

// Validate this configuration object.
func (app *AppConfig) Validate() error {
	if app.Binding() == "" {
		return errors.New("binding must be specified")
	}

	return nil
}
