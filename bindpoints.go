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
	"net"
	"os"
	"sync"

	"github.com/michaelquigley/pfxlog"
	"github.com/pkg/errors"
)

// BindPointFactories is the registry consulted when a ServerConfig resolves its bind_address. tcp and unix are
// registered by default.
var BindPointFactories = &BindPointFactoryRegistry{
	factories: []BindPointFactory{
		&TcpBindPointFactory{},
		&UnixBindPointFactory{},
	},
}

// The BindPoint interface is used to provide the listening socket to the Listener.
type BindPoint interface {
	Listen() (net.Listener, error) // a listener to accept connections from
	Validate() error               // validates the BindPoint
	ServerAddress() string         // the address the server binds
}

// BindPointFactory generates new BindPoint instances for the bind addresses it recognizes
type BindPointFactory interface {
	Binding() string
	FactoryForConfig(config *BindPointConfig) bool
	New(config *BindPointConfig) (BindPoint, error)
}

type BindPointFactoryRegistry struct {
	lock      sync.RWMutex
	factories []BindPointFactory
}

func (registry *BindPointFactoryRegistry) Register(bpf BindPointFactory) error {
	registry.lock.Lock()
	defer registry.lock.Unlock()

	for _, f := range registry.factories {
		if f.Binding() == bpf.Binding() {
			pfxlog.Logger().Warnf("ignore bindpoint factory already registered: %s", bpf.Binding())
			return nil
		}
	}
	registry.factories = append(registry.factories, bpf)
	return nil
}

func (registry *BindPointFactoryRegistry) FindFactory(config *BindPointConfig) (BindPointFactory, error) {
	registry.lock.RLock()
	defer registry.lock.RUnlock()

	for _, f := range registry.factories {
		if f.FactoryForConfig(config) {
			return f, nil
		}
	}
	return nil, fmt.Errorf("no bindpoint factory registered for scheme [%s]", config.Scheme)
}

// New parses address, locates a factory for it and returns a validated BindPoint.
func (registry *BindPointFactoryRegistry) New(address string) (BindPoint, error) {
	config := ParseBindAddress(address)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	factory, err := registry.FindFactory(config)
	if err != nil {
		return nil, err
	}

	bindPoint, err := factory.New(config)
	if err != nil {
		return nil, err
	}

	if err = bindPoint.Validate(); err != nil {
		return nil, err
	}

	return bindPoint, nil
}

type TcpBindPointFactory struct{}

func (f *TcpBindPointFactory) Binding() string {
	return BindSchemeTcp
}

func (f *TcpBindPointFactory) FactoryForConfig(config *BindPointConfig) bool {
	return config.Scheme == BindSchemeTcp
}

func (f *TcpBindPointFactory) New(config *BindPointConfig) (BindPoint, error) {
	return &tcpBindPoint{address: config.InterfaceAddress}, nil
}

type tcpBindPoint struct {
	address string
}

func (bp *tcpBindPoint) Listen() (net.Listener, error) {
	return net.Listen("tcp", bp.address)
}

func (bp *tcpBindPoint) Validate() error {
	return validateHostPort(bp.address)
}

func (bp *tcpBindPoint) ServerAddress() string {
	return bp.address
}

type UnixBindPointFactory struct{}

func (f *UnixBindPointFactory) Binding() string {
	return BindSchemeUnix
}

func (f *UnixBindPointFactory) FactoryForConfig(config *BindPointConfig) bool {
	return config.Scheme == BindSchemeUnix
}

func (f *UnixBindPointFactory) New(config *BindPointConfig) (BindPoint, error) {
	return &unixBindPoint{path: config.InterfaceAddress}, nil
}

type unixBindPoint struct {
	path string
}

func (bp *unixBindPoint) Listen() (net.Listener, error) {
	// a socket file left behind by a previous process would make the bind fail
	if info, err := os.Stat(bp.path); err == nil {
		if info.Mode()&os.ModeSocket == 0 {
			return nil, errors.Errorf("refusing to replace non-socket file %s", bp.path)
		}
		if err = os.Remove(bp.path); err != nil {
			return nil, errors.Wrapf(err, "could not remove stale socket %s", bp.path)
		}
	}
	return net.Listen("unix", bp.path)
}

func (bp *unixBindPoint) Validate() error {
	if bp.path == "" {
		return errors.New("unix socket path must not be empty")
	}
	return nil
}

func (bp *unixBindPoint) ServerAddress() string {
	return bp.path
}
