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


package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/openziti/xserve"
	"github.com/pkg/errors"
)

const (
	echoBinding   = "echo"
	staticBinding = "static"

	maxEchoBody = 1 << 20
)

type echoReply struct {
	Method       string      `json:"method"`
	Path         string      `json:"path"`
	Query        string      `json:"query,omitempty"`
	Header       http.Header `json:"header"`
	Body         string      `json:"body,omitempty"`
	Worker       uint64      `json:"worker"`
	Generation   uint32      `json:"generation"`
	ConnectionId string      `json:"connectionId"`
}

// newEchoFactory serves a JSON description of every request. The `delay` option holds each response back, which is
// handy to watch request timeouts and draining.
func newEchoFactory() xserve.ApplicationFactory {
	return xserve.NewApplicationFactory(echoBinding, func(_ *xserve.ServerConfig, options map[interface{}]interface{}) (xserve.ApplicationHandler, error) {
		var delay time.Duration
		if val, ok := options["delay"]; ok {
			str, ok := val.(string)
			if !ok {
				return nil, errors.New("echo option delay must be a duration string")
			}
			var err error
			if delay, err = time.ParseDuration(str); err != nil {
				return nil, errors.Wrapf(err, "invalid echo delay [%s]", str)
			}
		}

		return xserve.ApplicationHandlerFunc(func(ctx context.Context, request *http.Request) (*xserve.Response, error) {
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}

			body, err := io.ReadAll(io.LimitReader(request.Body, maxEchoBody))
			if err != nil {
				return nil, errors.Wrap(err, "could not read request body")
			}

			reply := &echoReply{
				Method: request.Method,
				Path:   request.URL.Path,
				Query:  request.URL.RawQuery,
				Header: request.Header,
				Body:   string(body),
			}
			if worker := xserve.WorkerFromContext(ctx); worker != nil {
				reply.Worker = worker.Id
				reply.Generation = worker.Generation
			}
			if conn := xserve.ConnectionFromContext(ctx); conn != nil {
				reply.ConnectionId = conn.Id
			}

			encoded, err := json.Marshal(reply)
			if err != nil {
				return nil, err
			}

			response := xserve.NewResponse(http.StatusOK, encoded)
			response.Header.Set("Content-Type", "application/json")
			return response, nil
		}), nil
	})
}

// newStaticFactory serves the files below the `root` option
func newStaticFactory() xserve.ApplicationFactory {
	return xserve.NewApplicationFactory(staticBinding, func(_ *xserve.ServerConfig, options map[interface{}]interface{}) (xserve.ApplicationHandler, error) {
		root, ok := options["root"].(string)
		if !ok || root == "" {
			return nil, errors.New("static option root is required")
		}
		return xserve.HttpApplication(http.FileServer(http.Dir(root))), nil
	})
}
