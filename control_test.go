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

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type fakePool struct {
	lock    sync.Mutex
	desired int
	calls   []string
	active  int
	overlap bool
	stopped bool
	grace   time.Duration
	delay   time.Duration
}

func (p *fakePool) enter(call string) {
	p.lock.Lock()
	p.calls = append(p.calls, call)
	p.active++
	if p.active > 1 {
		p.overlap = true
	}
	delay := p.delay
	p.lock.Unlock()

	time.Sleep(delay)

	p.lock.Lock()
	p.active--
	p.lock.Unlock()
}

func (p *fakePool) Scale(_ context.Context, n int) (*StopReport, error) {
	p.enter("scale")
	if n < 1 {
		return nil, ErrInvalidWorkerCount
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.stopped {
		return nil, ErrPoolStopped
	}
	p.desired = n
	return &StopReport{}, nil
}

func (p *fakePool) Reload(context.Context) (*StopReport, error) {
	p.enter("reload")
	return &StopReport{Drained: []uint64{1}}, nil
}

func (p *fakePool) Stop(grace time.Duration) (*StopReport, error) {
	p.enter("stop")
	p.lock.Lock()
	defer p.lock.Unlock()
	p.stopped = true
	p.grace = grace
	return &StopReport{}, nil
}

func (p *fakePool) Desired() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.desired
}

func newTestController(t *testing.T, pool *fakePool) *Controller {
	config := &ServerConfig{}
	config.Default()
	config.ShutdownGracePeriod = 7 * time.Second

	controller := NewController(pool, config)

	ctx, cancel := context.WithCancel(context.Background())
	go controller.Run(ctx)
	t.Cleanup(cancel)

	return controller
}

func Test_ParseCommand(t *testing.T) {
	valid := map[string]Command{
		"stop":       {Kind: CommandStop},
		"STOP 10s":   {Kind: CommandStop, Grace: 10 * time.Second, HasGrace: true},
		"stop 0s":    {Kind: CommandStop, HasGrace: true},
		"reload":     {Kind: CommandReload},
		" scale 8 ":  {Kind: CommandScale, Count: 8},
		"incr":       {Kind: CommandIncrease},
		"decr":       {Kind: CommandDecrease},
		"scale\t2\n": {Kind: CommandScale, Count: 2},
	}

	for line, expected := range valid {
		t.Run(line, func(t *testing.T) {
			req := require.New(t)
			command, err := ParseCommand(line)
			req.NoError(err)
			req.Equal(expected, command)
		})
	}

	t.Run("unknown commands are rejected with the known ones listed", func(t *testing.T) {
		req := require.New(t)

		_, err := ParseCommand("restart")
		var unknown *UnknownCommandError
		req.ErrorAs(err, &unknown)
		req.Equal("restart", unknown.Command)
		for _, name := range commandNames() {
			req.Contains(err.Error(), name)
		}

		_, err = ParseCommand("  ")
		req.ErrorAs(err, &unknown)
	})

	t.Run("bad arguments are rejected", func(t *testing.T) {
		for _, line := range []string{"scale", "scale x", "scale 0", "scale -1", "stop soon", "stop 1s 2s", "stop -1s", "reload now", "incr 2"} {
			_, err := ParseCommand(line)
			require.Error(t, err, line)
		}
	})

	t.Run("commands render back to their textual form", func(t *testing.T) {
		req := require.New(t)
		req.Equal("scale 3", Command{Kind: CommandScale, Count: 3}.String())
		req.Equal("stop 5s", Command{Kind: CommandStop, Grace: 5 * time.Second, HasGrace: true}.String())
		req.Equal("stop", Command{Kind: CommandStop}.String())
		req.Equal("reload", Command{Kind: CommandReload}.String())
	})
}

func Test_Controller(t *testing.T) {
	t.Run("commands map to pool operations", func(t *testing.T) {
		req := require.New(t)

		pool := &fakePool{desired: 4}
		controller := newTestController(t, pool)
		ctx := context.Background()

		result, err := controller.Execute(ctx, Command{Kind: CommandIncrease})
		req.NoError(err)
		req.Equal(5, result.Workers)
		req.Equal("incr", result.Command)

		result, err = controller.Execute(ctx, Command{Kind: CommandDecrease})
		req.NoError(err)
		req.Equal(4, result.Workers)

		result, err = controller.ExecuteLine(ctx, "scale 2")
		req.NoError(err)
		req.Equal(2, result.Workers)

		result, err = controller.ExecuteLine(ctx, "reload")
		req.NoError(err)
		req.Equal([]uint64{1}, result.Report.Drained)

		req.Equal([]string{"scale", "scale", "scale", "reload"}, pool.calls)
	})

	t.Run("decr at a single worker fails", func(t *testing.T) {
		req := require.New(t)

		controller := newTestController(t, &fakePool{desired: 1})
		_, err := controller.Execute(context.Background(), Command{Kind: CommandDecrease})
		req.ErrorIs(err, ErrInvalidWorkerCount)
	})

	t.Run("unknown commands never reach the pool", func(t *testing.T) {
		req := require.New(t)

		pool := &fakePool{desired: 1}
		controller := newTestController(t, pool)

		_, err := controller.Execute(context.Background(), Command{Kind: "restart"})
		var unknown *UnknownCommandError
		req.ErrorAs(err, &unknown)

		_, err = controller.ExecuteLine(context.Background(), "frobnicate")
		req.ErrorAs(err, &unknown)
		req.Empty(pool.calls)
	})

	t.Run("stop uses the configured grace unless one is given", func(t *testing.T) {
		req := require.New(t)

		pool := &fakePool{desired: 1}
		controller := newTestController(t, pool)

		_, err := controller.Execute(context.Background(), Command{Kind: CommandStop})
		req.NoError(err)
		req.Equal(7*time.Second, pool.grace)

		select {
		case <-controller.Stopped():
		default:
			req.Fail("stopped should be closed")
		}

		_, err = controller.ExecuteLine(context.Background(), "stop 0s")
		req.NoError(err)
		req.Equal(time.Duration(0), pool.grace)

		_, err = controller.Execute(context.Background(), Command{Kind: CommandScale, Count: 3})
		req.ErrorIs(err, ErrPoolStopped)
	})

	t.Run("concurrent commands are applied one at a time", func(t *testing.T) {
		req := require.New(t)

		pool := &fakePool{desired: 1, delay: 20 * time.Millisecond}
		controller := newTestController(t, pool)

		var group sync.WaitGroup
		for i := 0; i < 5; i++ {
			group.Add(1)
			go func() {
				defer group.Done()
				if _, err := controller.Execute(context.Background(), Command{Kind: CommandIncrease}); err != nil {
					t.Error(err)
				}
			}()
		}
		group.Wait()

		req.False(pool.overlap)
		req.Equal(6, pool.Desired())
	})

	t.Run("execute gives up with its context", func(t *testing.T) {
		req := require.New(t)

		config := &ServerConfig{}
		config.Default()
		// no command loop is running
		controller := NewController(&fakePool{desired: 1}, config)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		_, err := controller.Execute(ctx, Command{Kind: CommandReload})
		req.True(errors.Is(err, context.DeadlineExceeded))
	})
}
