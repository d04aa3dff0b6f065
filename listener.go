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
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/michaelquigley/pfxlog"
	"github.com/pkg/errors"
)

const (
	rejectReadTimeout  = 100 * time.Millisecond
	rejectWriteTimeout = time.Second
	maxAcceptDelay     = time.Second
	maxRejecting       = 128
)

// Dispatcher is the source of accepted connections workers pull from.
type Dispatcher interface {
	Connections() <-chan *Connection
	Close() error
}

// Listener owns the bound socket. A single accept loop (Serve) fans accepted connections out through a dispatch
// queue of max_pending_connections slots. Workers receive from the queue, a channel receive hands each
// connection to exactly one of them.
type Listener struct {
	config   *ServerConfig
	listener net.Listener
	queue    chan *Connection
	metrics  *Metrics

	// bounds the overflow rejections in flight, further overflow is closed without a response
	rejecting chan struct{}

	lock    sync.Mutex
	closed  bool
	serving sync.WaitGroup
}

var _ Dispatcher = (*Listener)(nil)

// Bind acquires the listening socket for config.BindPoint. Failure is returned as a *BindError.
func Bind(config *ServerConfig, metrics *Metrics) (*Listener, error) {
	if config.BindPoint == nil {
		return nil, &BindError{Address: config.BindAddress, Cause: errors.New("bind point not resolved, was the config validated?")}
	}

	listener, err := config.BindPoint.Listen()
	if err != nil {
		return nil, &BindError{Address: config.BindPoint.ServerAddress(), Cause: err}
	}

	if metrics == nil {
		metrics = NewMetrics()
	}

	pfxlog.Logger().Infof("listening on %s with %d pending connection slots", listener.Addr(), config.MaxPendingConnections)

	return &Listener{
		config:   config,
		listener: listener,
		queue:     make(chan *Connection, config.MaxPendingConnections),
		metrics:   metrics,
		rejecting: make(chan struct{}, maxRejecting),
	}, nil
}

// Addr returns the bound address
func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}

// Connections returns the dispatch queue. It is closed after Close has rejected everything still queued.
func (l *Listener) Connections() <-chan *Connection {
	return l.queue
}

// Pending returns the number of accepted connections waiting for a worker
func (l *Listener) Pending() int {
	return len(l.queue)
}

// Accept blocks until a connection arrives or the listener is closed, in which case ErrListenerClosed is
// returned.
func (l *Listener) Accept() (*Connection, error) {
	conn, err := l.listener.Accept()
	if err != nil {
		if errors.Is(err, net.ErrClosed) || l.isClosed() {
			return nil, ErrListenerClosed
		}
		return nil, err
	}

	l.metrics.ConnectionsAccepted.Inc()
	return newConnection(conn), nil
}

// Dispatch queues conn for the next available worker. ErrAcceptOverflow is returned instead of blocking when the
// queue is full.
func (l *Listener) Dispatch(conn *Connection) error {
	select {
	case l.queue <- conn:
		return nil
	default:
		return ErrAcceptOverflow
	}
}

// Serve runs the accept loop until Close. Overflowing connections are answered with a fast 503.
func (l *Listener) Serve() error {
	l.lock.Lock()
	if l.closed {
		l.lock.Unlock()
		return ErrListenerClosed
	}
	l.serving.Add(1)
	l.lock.Unlock()
	defer l.serving.Done()

	var delay time.Duration

	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, ErrListenerClosed) {
				return nil
			}

			// same backoff net/http applies to temporary accept failures
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else if delay *= 2; delay > maxAcceptDelay {
				delay = maxAcceptDelay
			}
			pfxlog.Logger().Warnf("accept error: %v; retrying in %v", err, delay)
			time.Sleep(delay)
			continue
		}
		delay = 0

		if err = l.Dispatch(conn); err != nil {
			pfxlog.Logger().WithField("connId", conn.Id).WithField("remote", conn.RemoteAddress()).
				Warnf("rejecting connection, %v (%d pending)", err, l.config.MaxPendingConnections)
			l.rejectOverflow(conn)
		}
	}
}

// Close stops accepting immediately. Connections already dispatched to workers are unaffected, connections still
// queued are answered with a 503 in the background so Close returns without waiting on their clients.
func (l *Listener) Close() error {
	l.lock.Lock()
	if l.closed {
		l.lock.Unlock()
		return nil
	}
	l.closed = true
	l.lock.Unlock()

	err := l.listener.Close()
	l.serving.Wait()

	for {
		select {
		case conn := <-l.queue:
			go l.reject(conn, "shutdown", "server is shutting down")
		default:
			close(l.queue)
			pfxlog.Logger().Infof("listener on %s closed", l.listener.Addr())
			return err
		}
	}
}

func (l *Listener) isClosed() bool {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.closed
}

func (l *Listener) rejectOverflow(conn *Connection) {
	select {
	case l.rejecting <- struct{}{}:
		go func() {
			defer func() { <-l.rejecting }()
			l.reject(conn, "overflow", "server is at capacity, retry later")
		}()
	default:
		l.metrics.ConnectionsRejected.WithLabelValues("overflow").Inc()
		_ = conn.Close()
	}
}

func (l *Listener) reject(conn *Connection, reason, message string) {
	defer func() { _ = conn.Close() }()
	l.metrics.ConnectionsRejected.WithLabelValues(reason).Inc()

	// read what the client already sent so the close does not reset the connection before the 503 arrives
	_ = conn.SetReadDeadline(time.Now().Add(rejectReadTimeout))
	request, _ := http.ReadRequest(bufio.NewReader(conn))

	if err := writeErrorResponse(conn, request, http.StatusServiceUnavailable, message, rejectWriteTimeout, "Retry-After", "1"); err != nil {
		pfxlog.Logger().WithField("connId", conn.Id).Debugf("could not write rejection: %v", err)
	}
}
