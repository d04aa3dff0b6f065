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
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/michaelquigley/pfxlog"
	"github.com/pkg/errors"
)

type CommandKind string

const (
	CommandStop     CommandKind = "stop"
	CommandReload   CommandKind = "reload"
	CommandScale    CommandKind = "scale"
	CommandIncrease CommandKind = "incr"
	CommandDecrease CommandKind = "decr"
)

var commandKinds = []CommandKind{CommandStop, CommandReload, CommandScale, CommandIncrease, CommandDecrease}

func commandNames() []string {
	var names []string
	for _, kind := range commandKinds {
		names = append(names, string(kind))
	}
	return names
}

// Command is one lifecycle request. Count is only used by scale. Grace is used by stop when HasGrace is set,
// otherwise shutdown_grace_period applies.
type Command struct {
	Kind     CommandKind   `json:"kind"`
	Count    int           `json:"count,omitempty"`
	Grace    time.Duration `json:"grace,omitempty"`
	HasGrace bool          `json:"-"`
}

func (command Command) String() string {
	switch {
	case command.Kind == CommandScale:
		return fmt.Sprintf("%s %d", command.Kind, command.Count)
	case command.Kind == CommandStop && command.HasGrace:
		return fmt.Sprintf("%s %s", command.Kind, command.Grace)
	default:
		return string(command.Kind)
	}
}

// ParseCommand parses the textual form used by the command file and the admin endpoint: `stop [grace]`,
// `reload`, `scale <n>`, `incr` and `decr`.
func ParseCommand(line string) (Command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Command{}, &UnknownCommandError{Command: line}
	}

	command := Command{Kind: CommandKind(strings.ToLower(fields[0]))}
	args := fields[1:]

	switch command.Kind {
	case CommandStop:
		if len(args) > 1 {
			return Command{}, errors.Errorf("stop takes at most one argument, got %d", len(args))
		}
		if len(args) == 1 {
			grace, err := time.ParseDuration(args[0])
			if err != nil {
				return Command{}, errors.Wrapf(err, "invalid grace period [%s]", args[0])
			}
			command.Grace = grace
			command.HasGrace = true
		}
	case CommandScale:
		if len(args) != 1 {
			return Command{}, errors.New("scale requires exactly one argument, the worker count")
		}
		count, err := strconv.Atoi(args[0])
		if err != nil {
			return Command{}, errors.Wrapf(err, "invalid worker count [%s]", args[0])
		}
		command.Count = count
	case CommandReload, CommandIncrease, CommandDecrease:
		if len(args) != 0 {
			return Command{}, errors.Errorf("%s takes no arguments", command.Kind)
		}
	default:
		return Command{}, &UnknownCommandError{Command: fields[0]}
	}

	return command, command.Validate()
}

// Validate rejects unknown kinds and out of range arguments
func (command Command) Validate() error {
	known := false
	for _, kind := range commandKinds {
		if command.Kind == kind {
			known = true
		}
	}
	if !known {
		return &UnknownCommandError{Command: string(command.Kind)}
	}
	if command.Kind == CommandScale && command.Count < 1 {
		return ErrInvalidWorkerCount
	}
	if command.Kind == CommandStop && command.Grace < 0 {
		return errors.Errorf("grace period must not be negative, got %s", command.Grace)
	}
	return nil
}

// CommandResult is returned once the Pool operation behind a command completed
type CommandResult struct {
	Command string      `json:"command"`
	Workers int         `json:"workers"`
	Report  *StopReport `json:"report,omitempty"`
}

// PoolController is the set of Pool operations commands translate to
type PoolController interface {
	Scale(ctx context.Context, n int) (*StopReport, error)
	Reload(ctx context.Context) (*StopReport, error)
	Stop(grace time.Duration) (*StopReport, error)
	Desired() int
}

var _ PoolController = (*Pool)(nil)

type pendingCommand struct {
	ctx     context.Context
	command Command
	reply   chan commandReply
}

type commandReply struct {
	result *CommandResult
	err    error
}

// Controller is the Control Interface. Commands from every source go through one command loop so they are
// applied one at a time, Execute returns once the Pool operation finished.
type Controller struct {
	pool     PoolController
	config   *ServerConfig
	commands chan *pendingCommand
	stopped  chan struct{}
	stopOnce sync.Once
}

func NewController(pool PoolController, config *ServerConfig) *Controller {
	return &Controller{
		pool:     pool,
		config:   config,
		commands: make(chan *pendingCommand),
		stopped:  make(chan struct{}),
	}
}

// Stopped is closed after a stop command completed
func (controller *Controller) Stopped() <-chan struct{} {
	return controller.stopped
}

// Run is the command loop, it returns when ctx is done.
func (controller *Controller) Run(ctx context.Context) {
	for {
		select {
		case pending := <-controller.commands:
			result, err := controller.apply(pending.ctx, pending.command)
			pending.reply <- commandReply{result: result, err: err}
		case <-ctx.Done():
			return
		}
	}
}

// Execute submits command to the command loop and waits for its completion.
func (controller *Controller) Execute(ctx context.Context, command Command) (*CommandResult, error) {
	if err := command.Validate(); err != nil {
		return nil, err
	}

	pending := &pendingCommand{
		ctx:     ctx,
		command: command,
		reply:   make(chan commandReply, 1),
	}

	select {
	case controller.commands <- pending:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case reply := <-pending.reply:
		return reply.result, reply.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ExecuteLine parses and executes a textual command
func (controller *Controller) ExecuteLine(ctx context.Context, line string) (*CommandResult, error) {
	command, err := ParseCommand(line)
	if err != nil {
		return nil, err
	}
	return controller.Execute(ctx, command)
}

func (controller *Controller) apply(ctx context.Context, command Command) (*CommandResult, error) {
	logger := pfxlog.Logger().WithField("command", command.String())
	logger.Info("executing command")

	var report *StopReport
	var err error

	switch command.Kind {
	case CommandStop:
		grace := controller.config.ShutdownGracePeriod
		if command.HasGrace {
			grace = command.Grace
		}
		report, err = controller.pool.Stop(grace)
		if err == nil {
			controller.stopOnce.Do(func() { close(controller.stopped) })
		}
	case CommandReload:
		report, err = controller.pool.Reload(ctx)
	case CommandScale:
		report, err = controller.pool.Scale(ctx, command.Count)
	case CommandIncrease:
		report, err = controller.pool.Scale(ctx, controller.pool.Desired()+1)
	case CommandDecrease:
		report, err = controller.pool.Scale(ctx, controller.pool.Desired()-1)
	default:
		err = &UnknownCommandError{Command: string(command.Kind)}
	}

	if err != nil {
		logger.Errorf("command failed: %v", err)
		return nil, err
	}

	logger.Info("command complete")

	return &CommandResult{
		Command: command.String(),
		Workers: controller.pool.Desired(),
		Report:  report,
	}, nil
}

// HandleSignals translates process signals to commands until ctx is done or a stop completed.
func (controller *Controller) HandleSignals(ctx context.Context) {
	signals := make(chan os.Signal, 4)
	var notify []os.Signal
	for sig := range signalCommands {
		notify = append(notify, sig)
	}
	signal.Notify(signals, notify...)
	defer signal.Stop(signals)

	for {
		select {
		case sig := <-signals:
			command, ok := signalCommands[sig]
			if !ok {
				continue
			}
			pfxlog.Logger().Infof("received signal %v, issuing %s", sig, command)
			if _, err := controller.Execute(ctx, command); err != nil {
				pfxlog.Logger().Errorf("signal %v: %v", sig, err)
			}
		case <-controller.stopped:
			return
		case <-ctx.Done():
			return
		}
	}
}
