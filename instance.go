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
	"net"
	"sync"

	"github.com/michaelquigley/pfxlog"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

// Instance assembles one serving core from an InstanceConfig: the Listener, the Pool, the HealthMonitor, the
// Controller and its command sources, and the optional administrative endpoint.
type Instance struct {
	Config   *InstanceConfig
	Registry Registry

	metrics         *Metrics
	metricsRegistry *prometheus.Registry
	listener        *Listener
	pool            *Pool
	monitor         *HealthMonitor
	controller      *Controller
	admin           *AdminServer
	commandFile     *CommandFile

	lock    sync.Mutex
	built   bool
	cancel  context.CancelFunc
	ready   chan struct{}
	stopped chan struct{}
}

func NewInstance(registry Registry) *Instance {
	return &Instance{
		Config:   NewInstanceConfig(),
		Registry: registry,
		ready:    make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Enabled returns true/false on whether this instance has a validated configuration
func (i *Instance) Enabled() bool {
	return i.Config.Enabled()
}

// LoadConfig parses and validates cfgmap
func (i *Instance) LoadConfig(cfgmap map[interface{}]interface{}) error {
	if err := i.Config.Parse(cfgmap); err != nil {
		return err
	}

	//validate sets enabled flag to true on success
	if err := i.Config.Validate(i.Registry); err != nil {
		return err
	}

	return nil
}

// Build binds the listening socket and creates every component, nothing is started yet. A *BindError is returned
// when the socket cannot be acquired.
func (i *Instance) Build() error {
	i.lock.Lock()
	defer i.lock.Unlock()

	if i.built {
		return nil
	}
	if !i.Config.Enabled() {
		return errors.New("configuration not loaded or invalid")
	}

	serverConfig := i.Config.ServerConfig
	factory := i.Registry.Get(serverConfig.App.Binding())
	if factory == nil {
		return errors.Errorf("no factory registered for binding %s", serverConfig.App.Binding())
	}

	i.metrics = NewMetrics()
	i.metricsRegistry = prometheus.NewRegistry()
	if err := i.metrics.Register(i.metricsRegistry); err != nil {
		return errors.Wrap(err, "could not register metrics")
	}

	listener, err := Bind(serverConfig, i.metrics)
	if err != nil {
		return err
	}
	i.listener = listener

	i.pool = NewPool(serverConfig, newServingFactory(factory, serverConfig), listener, i.metrics)
	if err = i.metricsRegistry.Register(NewPoolCollector(i.pool)); err != nil {
		_ = listener.Close()
		return errors.Wrap(err, "could not register pool collector")
	}

	i.monitor = NewHealthMonitor(i.pool, serverConfig)
	i.controller = NewController(i.pool, serverConfig)

	if i.Config.Control.CommandFile != "" {
		i.commandFile = NewCommandFile(i.Config.Control.CommandFile, i.controller)
	}

	if i.Config.Admin.Enabled() {
		i.admin = NewAdminServer(&i.Config.Admin, i.controller, i.pool, i.metricsRegistry)
	}

	i.built = true
	return nil
}

// Run starts the instance and blocks until it stopped. It returns nil after a stop command or cancellation of
// ctx, and the cause when the instance could not start or the pool could not maintain min_workers.
func (i *Instance) Run(ctx context.Context) error {
	if err := i.Build(); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	i.lock.Lock()
	if i.cancel != nil {
		i.lock.Unlock()
		return errors.New("instance already running")
	}
	i.cancel = cancel
	i.lock.Unlock()
	defer close(i.stopped)

	group, groupCtx := errgroup.WithContext(runCtx)

	group.Go(func() error {
		i.controller.Run(groupCtx)
		return nil
	})

	if err := i.pool.Start(groupCtx); err != nil {
		pfxlog.Logger().Errorf("could not start workers: %v", err)
		_, _ = i.pool.Stop(0)
		cancel()
		_ = group.Wait()
		return err
	}

	group.Go(i.listener.Serve)
	group.Go(func() error {
		i.monitor.Run(groupCtx)
		return nil
	})

	if i.Config.Control.Signals {
		group.Go(func() error {
			i.controller.HandleSignals(groupCtx)
			return nil
		})
	}

	if i.commandFile != nil {
		group.Go(func() error {
			return i.commandFile.Watch(groupCtx)
		})
	}

	if i.admin != nil {
		group.Go(func() error {
			return i.admin.Run(groupCtx)
		})
	}

	close(i.ready)
	pfxlog.Logger().Infof("serving %s on %s", i.Config.ServerConfig.App.Binding(), i.listener.Addr())

	group.Go(func() error {
		select {
		case <-i.controller.Stopped():
			cancel()
			return nil
		case err := <-i.pool.Failures():
			pfxlog.Logger().Errorf("stopping instance: %v", err)
			_, _ = i.pool.Stop(i.Config.ServerConfig.ShutdownGracePeriod)
			return err
		case <-groupCtx.Done():
			_, _ = i.pool.Stop(i.Config.ServerConfig.ShutdownGracePeriod)
			return nil
		}
	})

	return group.Wait()
}

// Shutdown stops a running instance gracefully and waits for Run to return
func (i *Instance) Shutdown() {
	i.lock.Lock()
	cancel := i.cancel
	i.lock.Unlock()

	if cancel == nil {
		if i.listener != nil {
			_ = i.listener.Close()
		}
		return
	}

	cancel()
	<-i.stopped
}

// Ready is closed once every worker reached ready and the listener accepts connections
func (i *Instance) Ready() <-chan struct{} {
	return i.ready
}

// Addr returns the address the listener is bound to, nil before Build
func (i *Instance) Addr() net.Addr {
	if i.listener == nil {
		return nil
	}
	return i.listener.Addr()
}

func (i *Instance) Pool() *Pool {
	return i.pool
}

func (i *Instance) Controller() *Controller {
	return i.controller
}

func (i *Instance) Admin() *AdminServer {
	return i.admin
}

func (i *Instance) MetricsRegistry() *prometheus.Registry {
	return i.metricsRegistry
}
