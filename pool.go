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
	"sort"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/michaelquigley/pfxlog"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

var (
	errWorkerStale       = errors.New("worker heartbeat is stale")
	errTerminatedAtStart = errors.New("worker terminated while starting")
)

// StopReport lists which workers finished their in-flight work within the grace period and which had to be
// force terminated.
type StopReport struct {
	Drained         []uint64 `json:"drained"`
	ForceTerminated []uint64 `json:"forceTerminated"`
}

// Pool is the Worker Pool Manager. It owns every worker record and the worker count. Start, Scale, Reload and
// Stop are serialized, record mutations happen under lock.
type Pool struct {
	config     *ServerConfig
	factory    ApplicationFactory
	dispatcher Dispatcher
	metrics    *Metrics

	ctx    context.Context
	cancel context.CancelFunc

	opLock sync.Mutex

	lock       sync.Mutex
	workers    map[uint64]*worker
	desired    int
	pending    int
	generation uint32
	nextId     uint64
	started    bool
	reloading  bool
	stopping   bool
	stopped    bool
	stopReport *StopReport

	failures chan error
}

// NewPool creates a Pool whose workers take connections from dispatcher and build their handlers with factory.
func NewPool(config *ServerConfig, factory ApplicationFactory, dispatcher Dispatcher, metrics *Metrics) *Pool {
	if metrics == nil {
		metrics = NewMetrics()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		config:     config,
		factory:    factory,
		dispatcher: dispatcher,
		metrics:    metrics,
		ctx:        ctx,
		cancel:     cancel,
		workers:    map[uint64]*worker{},
		failures:   make(chan error, 1),
	}
}

// Failures delivers the error that made the pool give up maintaining min_workers.
func (pool *Pool) Failures() <-chan error {
	return pool.failures
}

// Start spawns worker_count workers and blocks until all of them are ready.
func (pool *Pool) Start(ctx context.Context) error {
	pool.opLock.Lock()
	defer pool.opLock.Unlock()

	pool.lock.Lock()
	if pool.stopped || pool.stopping {
		pool.lock.Unlock()
		return ErrPoolStopped
	}
	if pool.started {
		pool.lock.Unlock()
		return errors.New("worker pool already started")
	}
	pool.started = true
	pool.desired = pool.config.WorkerCount
	pool.generation = 1
	pool.pending += pool.desired
	pool.lock.Unlock()

	pfxlog.Logger().Infof("starting %d workers", pool.config.WorkerCount)

	if err := pool.spawnReserved(ctx, pool.config.WorkerCount, 1); err != nil {
		return err
	}

	pfxlog.Logger().Infof("all %d workers ready", pool.config.WorkerCount)
	return nil
}

// Scale adjusts the live worker count to n. Growing waits for the new workers to be ready, shrinking drains the
// excess workers and waits up to shutdown_grace_period before force terminating them.
func (pool *Pool) Scale(ctx context.Context, n int) (*StopReport, error) {
	if n < 1 {
		return nil, ErrInvalidWorkerCount
	}

	pool.opLock.Lock()
	defer pool.opLock.Unlock()

	pool.lock.Lock()
	if err := pool.operableLocked(); err != nil {
		pool.lock.Unlock()
		return nil, err
	}

	previous := pool.desired
	pool.desired = n
	live := pool.liveLocked()
	missing := n - len(live) - pool.pending
	generation := pool.generation

	var retired []*worker
	if missing > 0 {
		pool.pending += missing
	} else if missing < 0 {
		retired = pool.retireLocked(pickExcess(live, -missing))
	}
	pool.lock.Unlock()

	pfxlog.Logger().Infof("scaling workers from %d to %d", previous, n)

	report := &StopReport{}
	if missing > 0 {
		if err := pool.spawnReserved(ctx, missing, generation); err != nil {
			return report, err
		}
	}

	if len(retired) > 0 {
		report = pool.drainAndWait(retired, pool.config.ShutdownGracePeriod)
	}

	return report, nil
}

// Reload replaces every worker with a new generation. The new generation is brought to ready before the old one is
// drained, the dispatch queue is never interrupted.
func (pool *Pool) Reload(ctx context.Context) (*StopReport, error) {
	pool.opLock.Lock()
	defer pool.opLock.Unlock()

	pool.lock.Lock()
	if err := pool.operableLocked(); err != nil {
		pool.lock.Unlock()
		return nil, err
	}
	pool.reloading = true
	previousGeneration := pool.generation
	pool.generation++
	generation := pool.generation
	count := pool.desired
	pool.pending += count
	pool.lock.Unlock()

	pfxlog.Logger().Infof("reloading: starting generation %d with %d workers", generation, count)

	if err := pool.spawnReserved(ctx, count, generation); err != nil {
		pfxlog.Logger().Errorf("reload aborted, generation %d failed to start: %v", generation, err)

		pool.lock.Lock()
		pool.generation = previousGeneration
		pool.reloading = false
		var failed []*worker
		for _, w := range pool.workers {
			if w.generation == generation {
				failed = append(failed, w)
			}
		}
		failed = pool.retireLocked(failed)
		pool.lock.Unlock()

		pool.drainAndWait(failed, pool.config.ShutdownGracePeriod)
		pool.maintain()
		return nil, err
	}

	pool.lock.Lock()
	var old []*worker
	for _, w := range pool.workers {
		if w.generation != generation {
			old = append(old, w)
		}
	}
	old = pool.retireLocked(old)
	pool.reloading = false
	pool.lock.Unlock()

	report := pool.drainAndWait(old, pool.config.ShutdownGracePeriod)
	pfxlog.Logger().Infof("reload complete: generation %d serving, %d old workers drained, %d force terminated",
		generation, len(report.Drained), len(report.ForceTerminated))

	pool.maintain()
	return report, nil
}

// Stop closes the dispatcher so no new connection is accepted, then drains every worker. Workers still running
// after grace are force terminated and listed in the report.
func (pool *Pool) Stop(grace time.Duration) (*StopReport, error) {
	pool.opLock.Lock()
	defer pool.opLock.Unlock()

	pool.lock.Lock()
	if pool.stopped {
		report := pool.stopReport
		pool.lock.Unlock()
		return report, nil
	}
	pool.stopping = true
	pool.lock.Unlock()

	// nothing is accepted once the command arrived, Close does not wait for queued connections to be rejected
	if pool.dispatcher != nil {
		if err := pool.dispatcher.Close(); err != nil {
			pfxlog.Logger().Warnf("error closing dispatcher: %v", err)
		}
	}

	pool.lock.Lock()
	var all []*worker
	for _, w := range pool.workers {
		all = append(all, w)
	}
	retired := pool.retireLocked(all)
	pool.lock.Unlock()

	pfxlog.Logger().Infof("stopping %d workers with a grace period of %s", len(retired), grace)

	// abandon respawns that are still backing off
	pool.cancel()

	report := pool.drainAndWait(retired, grace)

	pool.lock.Lock()
	pool.stopped = true
	pool.stopReport = report
	pool.lock.Unlock()

	if len(report.ForceTerminated) > 0 {
		pfxlog.Logger().Warnf("force terminated workers %v after grace period of %s", report.ForceTerminated, grace)
	}
	pfxlog.Logger().Info("all workers stopped")

	return report, nil
}

// ReportStale is called by the HealthMonitor for a worker whose heartbeat is older than the staleness threshold.
func (pool *Pool) ReportStale(id uint64, lastHeartbeat time.Time) {
	pool.lock.Lock()
	w, ok := pool.workers[id]
	if !ok || !w.state.Live() || w.lastHeartbeat().After(lastHeartbeat) {
		pool.lock.Unlock()
		return
	}
	pool.lock.Unlock()

	pool.metrics.StaleWorkers.Inc()
	w.log().Warnf("no heartbeat since %s, replacing worker", lastHeartbeat.Format(time.RFC3339Nano))
	pool.kill(w, errWorkerStale)
}

// Workers returns a snapshot of all worker records ordered by id
func (pool *Pool) Workers() []WorkerRecord {
	pool.lock.Lock()
	defer pool.lock.Unlock()

	records := make([]WorkerRecord, 0, len(pool.workers))
	for _, w := range pool.workers {
		records = append(records, w.record())
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].Id < records[j].Id
	})
	return records
}

// Counts returns the number of workers per state
func (pool *Pool) Counts() map[WorkerState]int {
	pool.lock.Lock()
	defer pool.lock.Unlock()

	counts := map[WorkerState]int{}
	for _, w := range pool.workers {
		counts[w.state]++
	}
	return counts
}

// Desired returns the configured worker count
func (pool *Pool) Desired() int {
	pool.lock.Lock()
	defer pool.lock.Unlock()
	return pool.desired
}

// Generation returns the generation new workers are started in
func (pool *Pool) Generation() uint32 {
	pool.lock.Lock()
	defer pool.lock.Unlock()
	return pool.generation
}

func (pool *Pool) operableLocked() error {
	if pool.stopping || pool.stopped {
		return ErrPoolStopped
	}
	if !pool.started {
		return ErrPoolNotStarted
	}
	return nil
}

// liveLocked returns the ready and busy workers of the current generation that are not being retired
func (pool *Pool) liveLocked() []*worker {
	var live []*worker
	for _, w := range pool.workers {
		if !w.retiring && w.generation == pool.generation && (w.state == WorkerReady || w.state == WorkerBusy) {
			live = append(live, w)
		}
	}
	return live
}

// pickExcess prefers idle workers, then the most recently started ones
func pickExcess(live []*worker, n int) []*worker {
	sort.Slice(live, func(i, j int) bool {
		if (live[i].state == WorkerReady) != (live[j].state == WorkerReady) {
			return live[i].state == WorkerReady
		}
		return live[i].id > live[j].id
	})
	if n > len(live) {
		n = len(live)
	}
	return live[:n]
}

// retireLocked marks workers draining so they finish their current request and exit without being replaced.
// Starting workers are terminated outright. Returns the workers the caller has to wait for.
func (pool *Pool) retireLocked(workers []*worker) []*worker {
	var retired []*worker
	for _, w := range workers {
		if w.state == WorkerDead {
			continue
		}
		w.retiring = true
		switch w.state {
		case WorkerStarting:
			pool.markDeadLocked(w, errTerminatedAtStart)
		case WorkerReady, WorkerBusy:
			w.state = WorkerDraining
			w.requestDrain()
			w.log().Debugf("draining")
		}
		retired = append(retired, w)
	}
	return retired
}

func (pool *Pool) drainAndWait(workers []*worker, grace time.Duration) *StopReport {
	report := &StopReport{}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	expired := false
	for _, w := range workers {
		if !expired {
			select {
			case <-w.exited:
				report.Drained = append(report.Drained, w.id)
				continue
			case <-timer.C:
				expired = true
			}
		}

		select {
		case <-w.exited:
			report.Drained = append(report.Drained, w.id)
		default:
			pool.lock.Lock()
			busy := w.inFlight > 0
			pool.lock.Unlock()
			w.log().Warnf("still running after grace period of %s (busy: %v), force terminating", grace, busy)
			pool.kill(w, errWorkerTerminated)
			report.ForceTerminated = append(report.ForceTerminated, w.id)
		}
	}

	sort.Slice(report.Drained, func(i, j int) bool { return report.Drained[i] < report.Drained[j] })
	sort.Slice(report.ForceTerminated, func(i, j int) bool { return report.ForceTerminated[i] < report.ForceTerminated[j] })

	return report
}

// spawnReserved brings n workers of generation to ready in parallel. The caller has already added n to pending.
func (pool *Pool) spawnReserved(ctx context.Context, n int, generation uint32) error {
	group, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		group.Go(func() error {
			_, err := pool.spawn(groupCtx, generation)
			return err
		})
	}
	return group.Wait()
}

// spawn starts one worker, retrying with exponential backoff until it reaches ready or spawn_attempts is
// exhausted. It consumes one pending reservation.
func (pool *Pool) spawn(ctx context.Context, generation uint32) (*worker, error) {
	defer func() {
		pool.lock.Lock()
		pool.pending--
		pool.lock.Unlock()
	}()

	var w *worker
	var attempts uint

	err := retry.Do(func() error {
		attempts++

		pool.lock.Lock()
		if pool.stopping || pool.stopped {
			pool.lock.Unlock()
			return retry.Unrecoverable(ErrPoolStopped)
		}
		pool.nextId++
		w = newWorker(pool, pool.nextId, generation)
		pool.workers[w.id] = w
		pool.lock.Unlock()

		go w.run(pool.dispatcher.Connections())

		select {
		case err := <-w.started:
			if err != nil {
				pool.kill(w, err)
			}
			return err
		case <-w.dead:
			return errTerminatedAtStart
		case <-ctx.Done():
			pool.kill(w, ctx.Err())
			return ctx.Err()
		}
	},
		retry.Attempts(uint(pool.config.SpawnAttempts)),
		retry.Delay(pool.config.SpawnBackoff),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			pfxlog.Logger().Warnf("worker start attempt %d failed: %v", n+1, err)
		}),
	)

	if err != nil {
		return nil, &WorkerSpawnError{Attempts: attempts, Cause: err}
	}

	// a concurrent scale down may have lowered the count while this worker was starting
	pool.lock.Lock()
	if !pool.reloading && len(pool.liveLocked()) > pool.desired {
		retired := pool.retireLocked([]*worker{w})
		pool.lock.Unlock()
		go pool.drainAndWait(retired, pool.config.ShutdownGracePeriod)
		return w, nil
	}
	pool.lock.Unlock()

	return w, nil
}

// Maintain spawns replacements for missing workers of the current generation. It is a no-op while a reload or
// stop is in progress.
func (pool *Pool) Maintain() {
	pool.maintain()
}

// maintain spawns replacements until the current generation is back at the configured count.
func (pool *Pool) maintain() {
	pool.lock.Lock()
	if !pool.started || pool.stopping || pool.stopped || pool.reloading {
		pool.lock.Unlock()
		return
	}
	missing := pool.desired - len(pool.liveLocked()) - pool.pending
	if missing <= 0 {
		pool.lock.Unlock()
		return
	}
	pool.pending += missing
	generation := pool.generation
	pool.lock.Unlock()

	for i := 0; i < missing; i++ {
		go pool.respawn(generation)
	}
}

func (pool *Pool) respawn(generation uint32) {
	pool.metrics.WorkerRestarts.Inc()

	w, err := pool.spawn(pool.ctx, generation)
	if err == nil {
		w.log().Info("replacement worker ready")
		return
	}

	pool.lock.Lock()
	live := len(pool.liveLocked())
	stopping := pool.stopping || pool.stopped
	pool.lock.Unlock()

	if stopping {
		return
	}

	if live < pool.config.MinWorkers {
		pfxlog.Logger().Errorf("cannot maintain minimum of %d workers (%d live): %v", pool.config.MinWorkers, live, err)
		select {
		case pool.failures <- err:
		default:
		}
		return
	}

	pfxlog.Logger().Warnf("could not replace worker, running with %d of %d workers: %v", live, pool.config.WorkerCount, err)
}

// kill force terminates w: it is marked dead, its context is cancelled and its connection closed.
func (pool *Pool) kill(w *worker, cause error) {
	pool.lock.Lock()
	pool.markDeadLocked(w, cause)
	pool.lock.Unlock()

	if conn := w.current.Load(); conn != nil {
		_ = conn.Close()
	}
}

// markDeadLocked moves w to dead, schedules its reaping and, for an unexpected death, its replacement.
func (pool *Pool) markDeadLocked(w *worker, cause error) {
	if w.state == WorkerDead {
		return
	}

	previous := w.state
	w.state = WorkerDead
	w.fault = cause
	close(w.dead)
	w.cancel()

	if cause != nil && !errors.Is(cause, errTerminatedAtStart) {
		w.log().Warnf("dead after %s: %v", previous, cause)
	} else {
		w.log().Debugf("dead after %s", previous)
	}

	go pool.reap(w)

	unexpected := !w.retiring && (previous == WorkerReady || previous == WorkerBusy)
	if unexpected && w.generation == pool.generation {
		go pool.maintain()
	}
}

// reap removes a dead worker once its loop and every handler invocation it started have returned.
func (pool *Pool) reap(w *worker) {
	<-w.exited
	w.handlers.Wait()

	pool.lock.Lock()
	delete(pool.workers, w.id)
	pool.lock.Unlock()

	w.log().Debug("reaped")
}

func (pool *Pool) newHandler(ctx context.Context) (ApplicationHandler, error) {
	var options map[interface{}]interface{}
	if pool.config.App != nil {
		options = pool.config.App.Options()
	}

	handler, err := pool.factory.New(pool.config, options)
	if err != nil {
		return nil, errors.Wrap(err, "could not create application handler")
	}

	if initializer, ok := handler.(Initializer); ok {
		if err = initializer.Init(ctx); err != nil {
			return nil, errors.Wrap(err, "application init failed")
		}
	}

	return handler, nil
}

func (pool *Pool) transition(w *worker, to WorkerState) bool {
	pool.lock.Lock()
	defer pool.lock.Unlock()

	if !w.state.CanTransition(to) {
		return false
	}
	w.state = to
	return true
}

// workerExited is called by a worker loop on its way out
func (pool *Pool) workerExited(w *worker, cause error) {
	pool.lock.Lock()
	defer pool.lock.Unlock()
	pool.markDeadLocked(w, cause)
}

func (pool *Pool) beginRequest(w *worker) {
	pool.lock.Lock()
	defer pool.lock.Unlock()

	w.inFlight++
	if w.state == WorkerReady {
		w.state = WorkerBusy
	}
}

func (pool *Pool) endRequest(w *worker, outcome *RequestOutcome) {
	pool.lock.Lock()
	w.inFlight--
	w.requests++
	if w.state == WorkerBusy {
		w.state = WorkerReady
	}
	pool.lock.Unlock()

	if outcome != nil {
		pool.metrics.observe(outcome)
	}
}
