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
	"net/http"

	"github.com/openziti/xserve/middleware"
)

// HttpHandlerWrapper is implemented by applications built on a http.Handler so middleware can be layered on
// top of them.
type HttpHandlerWrapper interface {
	WrapHttpHandler(wrap func(http.Handler) http.Handler)
}

func (app *httpApplication) WrapHttpHandler(wrap func(http.Handler) http.Handler) {
	app.handler = wrap(app.handler)
}

// servingFactory decorates the handlers produced by an ApplicationFactory with the middleware a ServerConfig asks
// for.
type servingFactory struct {
	ApplicationFactory
	serverConfig *ServerConfig
}

func newServingFactory(factory ApplicationFactory, serverConfig *ServerConfig) ApplicationFactory {
	if !serverConfig.Compression {
		return factory
	}
	return &servingFactory{
		ApplicationFactory: factory,
		serverConfig:       serverConfig,
	}
}

func (factory *servingFactory) New(serverConfig *ServerConfig, options map[interface{}]interface{}) (ApplicationHandler, error) {
	handler, err := factory.ApplicationFactory.New(serverConfig, options)
	if err != nil {
		return nil, err
	}

	if wrapper, ok := handler.(HttpHandlerWrapper); ok {
		wrapper.WrapHttpHandler(factory.wrapHandler)
	}

	return handler, nil
}

func (factory *servingFactory) wrapHandler(handler http.Handler) http.Handler {
	//innermost/bottom -> outermost/top
	if factory.serverConfig.Compression {
		handler = middleware.NewCompressionHandler(handler)
	}
	return handler
}
