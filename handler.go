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
	"bytes"
	"context"
	"io"
	"net/http"
	"time"
)

// ApplicationHandler is the only boundary to application code. Given a request it produces a Response or fails.
// The context is cancelled once the request deadline passes or the worker is force terminated.
//
// Returning an error wrapped with Fault, or panicking, is an unrecoverable fault: the request is answered with an
// internal error and the worker is replaced. Any other error answers the request with an internal error and the
// worker carries on.
type ApplicationHandler interface {
	Handle(ctx context.Context, request *http.Request) (*Response, error)
}

// ApplicationHandlerFunc adapts a function to an ApplicationHandler
type ApplicationHandlerFunc func(ctx context.Context, request *http.Request) (*Response, error)

func (f ApplicationHandlerFunc) Handle(ctx context.Context, request *http.Request) (*Response, error) {
	return f(ctx, request)
}

// Initializer may be implemented by an ApplicationHandler that needs to run a startup hook while its worker is
// `starting`. An error is a spawn failure.
type Initializer interface {
	Init(ctx context.Context) error
}

// Response is the structured result of a successful handler invocation. A Body implementing io.Closer is closed
// after it has been written. ContentLength of -1 means unknown; zero with a nil Body means no body.
type Response struct {
	Status        int
	Header        http.Header
	Body          io.Reader
	ContentLength int64
}

// NewResponse returns a Response carrying body in full.
func NewResponse(status int, body []byte) *Response {
	return &Response{
		Status:        status,
		Header:        http.Header{},
		Body:          bytes.NewReader(body),
		ContentLength: int64(len(body)),
	}
}

// RequestOutcome is the transient result of one handler invocation.
type RequestOutcome struct {
	Response *Response
	Err      *HandlerError
	Duration time.Duration
}

// Succeeded returns true if the invocation produced a Response.
func (outcome *RequestOutcome) Succeeded() bool {
	return outcome.Err == nil && outcome.Response != nil
}

// HttpApplication adapts a standard http.Handler to an ApplicationHandler. The response is buffered in full before
// it is handed back to the worker.
func HttpApplication(handler http.Handler) ApplicationHandler {
	return &httpApplication{handler: handler}
}

type httpApplication struct {
	handler http.Handler
}

func (app *httpApplication) Handle(ctx context.Context, request *http.Request) (*Response, error) {
	writer := newBufferedResponseWriter()
	app.handler.ServeHTTP(writer, request.WithContext(ctx))
	return writer.response(), nil
}

// Init forwards the startup hook to the wrapped http.Handler if it has one
func (app *httpApplication) Init(ctx context.Context) error {
	if initializer, ok := app.handler.(Initializer); ok {
		return initializer.Init(ctx)
	}
	return nil
}

// Close forwards to the wrapped http.Handler if it is an io.Closer
func (app *httpApplication) Close() error {
	if closer, ok := app.handler.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

type bufferedResponseWriter struct {
	header      http.Header
	status      int
	body        bytes.Buffer
	wroteHeader bool
}

func newBufferedResponseWriter() *bufferedResponseWriter {
	return &bufferedResponseWriter{
		header: http.Header{},
		status: http.StatusOK,
	}
}

func (w *bufferedResponseWriter) Header() http.Header {
	return w.header
}

func (w *bufferedResponseWriter) Write(data []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.body.Write(data)
}

func (w *bufferedResponseWriter) WriteHeader(statusCode int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	w.status = statusCode
}

func (w *bufferedResponseWriter) response() *Response {
	body := w.body.Bytes()
	return &Response{
		Status:        w.status,
		Header:        w.header,
		Body:          bytes.NewReader(body),
		ContentLength: int64(len(body)),
	}
}
