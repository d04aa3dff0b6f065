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
	"time"

	"github.com/michaelquigley/pfxlog"
)

// WorkerSupervisor is what the HealthMonitor needs from the Pool
type WorkerSupervisor interface {
	Workers() []WorkerRecord
	ReportStale(id uint64, lastHeartbeat time.Time)
}

// maintainer is implemented by supervisors that top up missing workers, e.g. after a failed replacement
type maintainer interface {
	Maintain()
}

// StaleWorker is a worker the HealthMonitor presumes hung
type StaleWorker struct {
	Id            uint64
	State         WorkerState
	LastHeartbeat time.Time
}

// HealthMonitor periodically compares each starting, ready or busy worker's last heartbeat against the
// staleness threshold, independent of request timeouts.
type HealthMonitor struct {
	supervisor WorkerSupervisor
	interval   time.Duration
	threshold  time.Duration
	now        func() time.Time
}

func NewHealthMonitor(supervisor WorkerSupervisor, config *ServerConfig) *HealthMonitor {
	return &HealthMonitor{
		supervisor: supervisor,
		interval:   config.HeartbeatInterval,
		threshold:  config.HeartbeatStalenessThreshold,
		now:        time.Now,
	}
}

// Run checks every heartbeat_interval until ctx is done.
func (monitor *HealthMonitor) Run(ctx context.Context) {
	pfxlog.Logger().Debugf("health monitor checking every %s, staleness threshold %s", monitor.interval, monitor.threshold)

	ticker := time.NewTicker(monitor.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, stale := range monitor.Check() {
				monitor.supervisor.ReportStale(stale.Id, stale.LastHeartbeat)
			}
			if m, ok := monitor.supervisor.(maintainer); ok {
				m.Maintain()
			}
		case <-ctx.Done():
			pfxlog.Logger().Debug("health monitor stopped")
			return
		}
	}
}

// Check returns the workers whose heartbeat is older than the staleness threshold
func (monitor *HealthMonitor) Check() []StaleWorker {
	now := monitor.now()

	var stale []StaleWorker
	for _, record := range monitor.supervisor.Workers() {
		if !record.State.Live() {
			continue
		}
		if now.Sub(record.LastHeartbeat) > monitor.threshold {
			stale = append(stale, StaleWorker{
				Id:            record.Id,
				State:         record.State,
				LastHeartbeat: record.LastHeartbeat,
			})
		}
	}
	return stale
}
