/*
	Copyright NetFoundry, Inc.

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
	"sync"

	"github.com/sirupsen/logrus"
)

// ApplicationFactory builds ApplicationHandler instances. New is called once per worker so that every worker owns
// an independent handler.
type ApplicationFactory interface {
	Binding() string
	New(serverConfig *ServerConfig, options map[interface{}]interface{}) (ApplicationHandler, error)
}

// NewApplicationFactory returns an ApplicationFactory for binding that delegates to newF.
func NewApplicationFactory(binding string, newF func(*ServerConfig, map[interface{}]interface{}) (ApplicationHandler, error)) ApplicationFactory {
	return &applicationFactoryFunc{binding: binding, newF: newF}
}

type applicationFactoryFunc struct {
	binding string
	newF    func(*ServerConfig, map[interface{}]interface{}) (ApplicationHandler, error)
}

func (f *applicationFactoryFunc) Binding() string {
	return f.binding
}

func (f *applicationFactoryFunc) New(serverConfig *ServerConfig, options map[interface{}]interface{}) (ApplicationHandler, error) {
	return f.newF(serverConfig, options)
}

// Registry describes a registry of binding to ApplicationFactory registrations
type Registry interface {
	Add(factory ApplicationFactory) error
	Get(binding string) ApplicationFactory
}

// RegistryMap is a basic Registry implementation backed by a simple mapping of binding (string) to
// ApplicationFactory instances
type RegistryMap struct {
	lock      sync.RWMutex
	factories map[string]ApplicationFactory
}

// NewRegistryMap creates a new RegistryMap
func NewRegistryMap() *RegistryMap {
	return &RegistryMap{
		factories: map[string]ApplicationFactory{},
	}
}

// Add adds a factory to the registry. Errors if a previous factory with the same binding is registered.
func (registry *RegistryMap) Add(factory ApplicationFactory) error {
	registry.lock.Lock()
	defer registry.lock.Unlock()

	logrus.Debugf("adding xserve application factory with binding: %v", factory.Binding())
	if _, ok := registry.factories[factory.Binding()]; ok {
		return fmt.Errorf("binding [%s] already registered", factory.Binding())
	}

	registry.factories[factory.Binding()] = factory

	return nil
}

// Get retrieves a factory based on a binding or nil if no factory for the binding is registered
func (registry *RegistryMap) Get(binding string) ApplicationFactory {
	registry.lock.RLock()
	defer registry.lock.RUnlock()

	return registry.factories[binding]
}
