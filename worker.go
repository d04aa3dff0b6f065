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
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/michaelquigley/pfxlog"
	"github.com/openziti/foundation/v2/debugz"
	"github.com/pkg/errors"
)

// maxDiscardedBody bounds how much of an unread request body is drained before the connection is closed
const maxDiscardedBody = 256 << 10

var (
	errWorkerTerminated = errors.New("worker force terminated")
	errWorkerUnsafe     = errors.New("handler did not return after its request was aborted")
)

type WorkerState string

const (
	WorkerStarting WorkerState = "starting"
	WorkerReady    WorkerState = "ready"
	WorkerBusy     WorkerState = "busy"
	WorkerDraining WorkerState = "draining"
	WorkerDead     WorkerState = "dead"
)

// WorkerStates lists every state in lifecycle order
var WorkerStates = []WorkerState{WorkerStarting, WorkerReady, WorkerBusy, WorkerDraining, WorkerDead}

// starting → ready ⇄ busy → draining → dead, and ready/busy → dead on an unrecoverable fault
var workerTransitions = map[WorkerState][]WorkerState{
	WorkerStarting: {WorkerReady, WorkerDead},
	WorkerReady:    {WorkerBusy, WorkerDraining, WorkerDead},
	WorkerBusy:     {WorkerReady, WorkerDraining, WorkerDead},
	WorkerDraining: {WorkerDead},
	WorkerDead:     nil,
}

// CanTransition reports whether a worker may move from one state to another
func (state WorkerState) CanTransition(to WorkerState) bool {
	for _, allowed := range workerTransitions[state] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Live reports whether the state counts against the configured worker count
func (state WorkerState) Live() bool {
	return state == WorkerStarting || state == WorkerReady || state == WorkerBusy
}

// WorkerRecord is a point in time copy of what the Pool knows about a worker.
type WorkerRecord struct {
	Id            uint64      `json:"id"`
	Generation    uint32      `json:"generation"`
	State         WorkerState `json:"state"`
	StartedAt     time.Time   `json:"startedAt"`
	LastHeartbeat time.Time   `json:"lastHeartbeat"`
	InFlight      int         `json:"inFlight"`
	Requests      uint64      `json:"requests"`
	Fault         string      `json:"fault,omitempty"`
}

// worker is one execution unit. The fields below the mutable marker are guarded by Pool.lock and only changed
// through Pool methods.
type worker struct {
	id         uint64
	generation uint32
	pool       *Pool
	config     *ServerConfig

	ctx    context.Context
	cancel context.CancelFunc

	drain     chan struct{}
	drainOnce sync.Once
	started   chan error
	dead      chan struct{}
	exited    chan struct{}

	handlers  sync.WaitGroup
	heartbeat atomic.Int64
	current   atomic.Pointer[Connection]

	//mutable
	state     WorkerState
	retiring  bool
	inFlight  int
	requests  uint64
	startedAt time.Time
	fault     error
}

func newWorker(pool *Pool, id uint64, generation uint32) *worker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &worker{
		id:         id,
		generation: generation,
		pool:       pool,
		config:     pool.config,
		ctx:        ctx,
		cancel:     cancel,
		drain:      make(chan struct{}),
		started:    make(chan error, 1),
		dead:       make(chan struct{}),
		exited:     make(chan struct{}),
		state:      WorkerStarting,
		startedAt:  time.Now(),
	}
	w.beat()
	return w
}

func (w *worker) beat() {
	w.heartbeat.Store(time.Now().UnixNano())
}

func (w *worker) lastHeartbeat() time.Time {
	return time.Unix(0, w.heartbeat.Load())
}

func (w *worker) requestDrain() {
	w.drainOnce.Do(func() { close(w.drain) })
}

func (w *worker) record() WorkerRecord {
	record := WorkerRecord{
		Id:            w.id,
		Generation:    w.generation,
		State:         w.state,
		StartedAt:     w.startedAt,
		LastHeartbeat: w.lastHeartbeat(),
		InFlight:      w.inFlight,
		Requests:      w.requests,
	}
	if w.fault != nil {
		record.Fault = w.fault.Error()
	}
	return record
}

func (w *worker) info() *WorkerInfo {
	return &WorkerInfo{Id: w.id, Generation: w.generation}
}

func (w *worker) log() *pfxlog.Builder {
	return pfxlog.ContextLogger(fmt.Sprintf("worker/%d", w.id))
}

// run is the worker loop: start the handler, then take connections from source until drained, killed or a
// request leaves the worker unusable.
func (w *worker) run(source <-chan *Connection) {
	defer close(w.exited)

	handler, err := w.pool.newHandler(w.ctx)
	if err != nil {
		w.started <- err
		return
	}
	defer w.closeHandler(handler)

	if !w.pool.transition(w, WorkerReady) {
		w.started <- errWorkerTerminated
		return
	}
	w.beat()
	w.started <- nil
	w.log().Debugf("ready in generation %d", w.generation)

	ticker := time.NewTicker(w.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			w.pool.workerExited(w, errWorkerTerminated)
			return
		case <-w.drain:
			w.pool.workerExited(w, nil)
			return
		case <-ticker.C:
			w.beat()
		case conn, ok := <-source:
			if !ok {
				// the listener is gone, wait to be drained
				source = nil
				continue
			}
			if err := w.serve(handler, conn, ticker); err != nil {
				w.pool.workerExited(w, err)
				return
			}
			w.beat()
		}
	}
}

func (w *worker) closeHandler(handler ApplicationHandler) {
	if closer, ok := handler.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			w.log().Warnf("error closing application handler: %v", err)
		}
	}
}

// serve handles the single request of conn. A non-nil error means the worker must not be reused.
func (w *worker) serve(handler ApplicationHandler, conn *Connection, ticker *time.Ticker) error {
	if !conn.claim(w.id) {
		w.log().Errorf("connection %s already owned by worker %d, skipping", conn.Id, conn.Owner())
		return nil
	}

	w.current.Store(conn)
	w.pool.beginRequest(w)

	var outcome *RequestOutcome
	defer func() {
		w.current.Store(nil)
		_ = conn.Close()
		w.pool.endRequest(w, outcome)
	}()

	logger := w.log().WithField("connId", conn.Id).WithField("remote", conn.RemoteAddress())
	writeTimeout := w.config.Options.WriteTimeout

	_ = conn.SetReadDeadline(time.Now().Add(w.config.Options.ReadTimeout))
	var request *http.Request
	var err error
	w.beating(ticker, func() {
		request, err = http.ReadRequest(bufio.NewReader(conn))
	})
	if err != nil {
		outcome = &RequestOutcome{Err: &HandlerError{Kind: HandlerMalformed, Cause: err}}
		if !errors.Is(err, io.EOF) {
			logger.Debugf("malformed request: %v", err)
			w.beating(ticker, func() {
				_ = writeErrorResponse(conn, nil, http.StatusBadRequest, "malformed request", writeTimeout)
			})
		}
		return nil
	}
	request.RemoteAddr = conn.RemoteAddress()
	_ = conn.SetReadDeadline(time.Now().Add(w.config.RequestTimeout + w.config.Options.ReadTimeout))

	var unsafe error
	outcome, unsafe = w.invoke(handler, conn, request, ticker)

	if outcome.Succeeded() {
		w.beating(ticker, func() {
			_, _ = io.CopyN(io.Discard, request.Body, maxDiscardedBody)
			err = writeResponse(conn, request, outcome.Response, writeTimeout)
		})
		if err != nil {
			logger.Debugf("could not deliver response: %v", err)
		}
		return nil
	}

	switch outcome.Err.Kind {
	case HandlerTimeout:
		logger.Warnf("%s %s exceeded request timeout of %s", request.Method, request.URL.Path, w.config.RequestTimeout)
		if unsafe != nil {
			logger.Errorf("abandoning handler, it ignored cancellation for %s", w.config.HandlerCancelGrace)
		}
		return unsafe
	case HandlerFault:
		logger.Errorf("handler fault on %s %s: %v\n%s", request.Method, request.URL.Path, outcome.Err.Cause, outcome.Err.Stack)
		w.beating(ticker, func() {
			_ = writeErrorResponse(conn, request, http.StatusInternalServerError, "internal server error", writeTimeout)
		})
		return outcome.Err
	default:
		if errors.Is(outcome.Err.Cause, errWorkerTerminated) {
			return errWorkerTerminated
		}
		logger.Warnf("handler failed on %s %s: %v", request.Method, request.URL.Path, outcome.Err.Cause)
		w.beating(ticker, func() {
			_ = writeErrorResponse(conn, request, http.StatusInternalServerError, "internal server error", writeTimeout)
		})
		return nil
	}
}

// beating runs op, a socket read or write bounded by its deadline, and keeps the heartbeat current until it returns.
func (w *worker) beating(ticker *time.Ticker, op func()) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		op()
	}()

	for {
		select {
		case <-done:
			w.beat()
			return
		case <-ticker.C:
			w.beat()
		}
	}
}

// invoke runs the handler with the request deadline. When the deadline passes the timeout response is written
// right away, then the handler gets handler_cancel_grace to return. If it does not the worker is reported unsafe.
func (w *worker) invoke(handler ApplicationHandler, conn *Connection, request *http.Request, ticker *time.Ticker) (*RequestOutcome, error) {
	ctx, cancel := context.WithTimeout(w.ctx, w.config.RequestTimeout)
	defer cancel()
	ctx = context.WithValue(ctx, WorkerContextKey, w.info())
	ctx = context.WithValue(ctx, ConnectionContextKey, conn)

	started := time.Now()
	result := make(chan *RequestOutcome, 1)

	w.handlers.Add(1)
	go func() {
		defer w.handlers.Done()
		result <- callHandler(ctx, handler, request)
	}()

	for {
		select {
		case outcome := <-result:
			if outcome.Err != nil && outcome.Err.Kind == HandlerTimeout {
				w.beating(ticker, func() {
					_ = writeErrorResponse(conn, request, http.StatusGatewayTimeout, "request timed out", w.config.Options.WriteTimeout)
				})
			}
			return outcome, nil
		case <-ticker.C:
			w.beat()
		case <-ctx.Done():
			outcome := &RequestOutcome{Duration: time.Since(started)}
			if w.ctx.Err() != nil {
				outcome.Err = &HandlerError{Kind: HandlerFailure, Cause: errWorkerTerminated}
				return outcome, nil
			}

			outcome.Err = &HandlerError{Kind: HandlerTimeout, Cause: ctx.Err()}
			w.beating(ticker, func() {
				_ = writeErrorResponse(conn, request, http.StatusGatewayTimeout, "request timed out", w.config.Options.WriteTimeout)
			})
			_ = conn.Close()
			return outcome, w.awaitAbandoned(result, ticker)
		}
	}
}

func (w *worker) awaitAbandoned(result <-chan *RequestOutcome, ticker *time.Ticker) error {
	grace := time.NewTimer(w.config.HandlerCancelGrace)
	defer grace.Stop()

	for {
		select {
		case <-result:
			return nil
		case <-ticker.C:
			w.beat()
		case <-w.ctx.Done():
			return errWorkerTerminated
		case <-grace.C:
			return errWorkerUnsafe
		}
	}
}

// callHandler converts whatever the handler does, including panicking, into a RequestOutcome.
func callHandler(ctx context.Context, handler ApplicationHandler, request *http.Request) (outcome *RequestOutcome) {
	started := time.Now()

	defer func() {
		if panicVal := recover(); panicVal != nil {
			outcome = &RequestOutcome{Err: &HandlerError{
				Kind:  HandlerFault,
				Cause: errors.Errorf("panic: %v", panicVal),
				Stack: fmt.Sprint(debugz.GenerateLocalStack()),
			}}
		}
		outcome.Duration = time.Since(started)
	}()

	response, err := handler.Handle(ctx, request)
	if err != nil {
		kind := HandlerFailure
		if IsFault(err) {
			kind = HandlerFault
		} else if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
			kind = HandlerTimeout
		}
		return &RequestOutcome{Err: &HandlerError{Kind: kind, Cause: err}}
	}

	if response == nil {
		return &RequestOutcome{Err: &HandlerError{Kind: HandlerFailure, Cause: errors.New("handler returned no response")}}
	}

	return &RequestOutcome{Response: response}
}
