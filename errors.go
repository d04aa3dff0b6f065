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
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrListenerClosed is returned by Listener.Accept once the listener has been closed.
	ErrListenerClosed = errors.New("listener closed")

	// ErrAcceptOverflow is returned when an accepted connection cannot be queued because max_pending_connections
	// connections are already waiting for a worker. It is recoverable, the caller applies backpressure.
	ErrAcceptOverflow = errors.New("pending connection limit exceeded")

	// ErrPoolStopped is returned by Pool operations invoked after Stop.
	ErrPoolStopped = errors.New("worker pool is stopped")

	// ErrPoolNotStarted is returned by Pool operations invoked before Start.
	ErrPoolNotStarted = errors.New("worker pool is not started")

	// ErrInvalidWorkerCount is returned when a worker count below one is requested.
	ErrInvalidWorkerCount = errors.New("worker count must be at least 1")

	errHandlerFault = errors.New("handler fault")
)

// BindError is fatal at startup: the listening socket could not be acquired.
type BindError struct {
	Address string
	Cause   error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("could not bind [%s]: %v", e.Address, e.Cause)
}

func (e *BindError) Unwrap() error {
	return e.Cause
}

// HandlerErrorKind classifies a failed RequestOutcome.
type HandlerErrorKind string

const (
	HandlerTimeout   HandlerErrorKind = "timeout"
	HandlerFault     HandlerErrorKind = "fault"
	HandlerMalformed HandlerErrorKind = "malformed"
	HandlerFailure   HandlerErrorKind = "failure"
)

// HandlerError is the failure half of a RequestOutcome.
type HandlerError struct {
	Kind  HandlerErrorKind
	Cause error
	Stack string
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %s: %v", e.Kind, e.Cause)
}

func (e *HandlerError) Unwrap() error {
	return e.Cause
}

// Fatal reports whether the failure retires the worker that produced it.
func (e *HandlerError) Fatal() bool {
	return e.Kind == HandlerFault
}

// Fault marks err as an unrecoverable application fault. A worker whose handler returns a Fault error answers
// the request with an internal error and is replaced.
func Fault(err error) error {
	if err == nil {
		err = errHandlerFault
	}
	return &faultError{cause: err}
}

type faultError struct {
	cause error
}

func (e *faultError) Error() string {
	return e.cause.Error()
}

func (e *faultError) Unwrap() error {
	return e.cause
}

// IsFault reports whether err, or anything it wraps, was produced by Fault.
func IsFault(err error) bool {
	var fe *faultError
	return errors.As(err, &fe)
}

// WorkerSpawnError is surfaced once a worker could not be brought to ready within the configured attempts.
type WorkerSpawnError struct {
	Attempts uint
	Cause    error
}

func (e *WorkerSpawnError) Error() string {
	return fmt.Sprintf("worker failed to start after %d attempt(s): %v", e.Attempts, e.Cause)
}

func (e *WorkerSpawnError) Unwrap() error {
	return e.Cause
}

// UnknownCommandError rejects a control command that is not recognized.
type UnknownCommandError struct {
	Command string
}

func (e *UnknownCommandError) Error() string {
	return fmt.Sprintf("unknown command [%s], expected one of: %s", e.Command, strings.Join(commandNames(), ", "))
}
