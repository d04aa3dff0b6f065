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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeSupervisor struct {
	lock     sync.Mutex
	records  []WorkerRecord
	reported []uint64
	maintain int
}

func (s *fakeSupervisor) Workers() []WorkerRecord {
	s.lock.Lock()
	defer s.lock.Unlock()
	return append([]WorkerRecord(nil), s.records...)
}

func (s *fakeSupervisor) ReportStale(id uint64, _ time.Time) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.reported = append(s.reported, id)
}

func (s *fakeSupervisor) Maintain() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.maintain++
}

func Test_HealthMonitor(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	supervisor := &fakeSupervisor{
		records: []WorkerRecord{
			{Id: 1, State: WorkerReady, LastHeartbeat: now.Add(-time.Second)},
			{Id: 2, State: WorkerBusy, LastHeartbeat: now.Add(-11 * time.Second)},
			{Id: 3, State: WorkerStarting, LastHeartbeat: now.Add(-time.Minute)},
			{Id: 4, State: WorkerDraining, LastHeartbeat: now.Add(-time.Minute)},
			{Id: 5, State: WorkerDead, LastHeartbeat: now.Add(-time.Hour)},
			{Id: 6, State: WorkerReady, LastHeartbeat: now.Add(-10 * time.Second)},
		},
	}

	config := &ServerConfig{}
	config.Default()

	t.Run("only live workers past the threshold are stale", func(t *testing.T) {
		req := require.New(t)

		monitor := NewHealthMonitor(supervisor, config)
		monitor.now = func() time.Time { return now }

		stale := monitor.Check()
		req.Len(stale, 2)
		req.Equal(uint64(2), stale[0].Id)
		req.Equal(WorkerBusy, stale[0].State)
		req.Equal(uint64(3), stale[1].Id)
		req.Equal(now.Add(-time.Minute), stale[1].LastHeartbeat)
	})

	t.Run("run reports stale workers and tops up the pool", func(t *testing.T) {
		req := require.New(t)

		config := &ServerConfig{}
		config.Default()
		config.HeartbeatInterval = 10 * time.Millisecond

		monitor := NewHealthMonitor(supervisor, config)
		monitor.now = func() time.Time { return now }

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			monitor.Run(ctx)
			close(done)
		}()

		req.Eventually(func() bool {
			supervisor.lock.Lock()
			defer supervisor.lock.Unlock()
			return len(supervisor.reported) >= 2 && supervisor.maintain >= 1
		}, 2*time.Second, 5*time.Millisecond)

		cancel()
		<-done

		supervisor.lock.Lock()
		defer supervisor.lock.Unlock()
		req.ElementsMatch([]uint64{2, 3}, supervisor.reported[:2])
	})
}
