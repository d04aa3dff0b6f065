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
	"encoding/json"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/michaelquigley/pfxlog"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const adminShutdownTimeout = 5 * time.Second

// WorkerTable is the read only view of a Pool served by the administrative endpoint
type WorkerTable interface {
	Workers() []WorkerRecord
	Desired() int
	Generation() uint32
}

// WorkersResponse is the body of GET /workers
type WorkersResponse struct {
	Desired    int            `json:"desired"`
	Generation uint32         `json:"generation"`
	Workers    []WorkerRecord `json:"workers"`
}

// AdminServer exposes the Controller, the worker table and the metrics registry over HTTP.
type AdminServer struct {
	config     *AdminConfig
	controller *Controller
	workers    WorkerTable
	gatherer   prometheus.Gatherer
	router     *mux.Router

	lock     sync.Mutex
	listener net.Listener
	server   *http.Server
}

func NewAdminServer(config *AdminConfig, controller *Controller, workers WorkerTable, gatherer prometheus.Gatherer) *AdminServer {
	admin := &AdminServer{
		config:     config,
		controller: controller,
		workers:    workers,
		gatherer:   gatherer,
	}

	router := mux.NewRouter()
	router.HandleFunc("/commands/{command}", admin.handleCommand).Methods(http.MethodPost)
	router.HandleFunc("/workers", admin.handleWorkers).Methods(http.MethodGet)
	if gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sendAdminError(w, http.StatusNotFound, errors.Errorf("no route for %s %s", r.Method, r.URL.Path))
	})
	admin.router = router

	return admin
}

// Handler returns the router of the administrative endpoint
func (admin *AdminServer) Handler() http.Handler {
	return admin.router
}

// Addr returns the bound address, nil before Run bound the socket
func (admin *AdminServer) Addr() net.Addr {
	admin.lock.Lock()
	defer admin.lock.Unlock()
	if admin.listener == nil {
		return nil
	}
	return admin.listener.Addr()
}

// Run binds the configured address and serves until ctx is done.
func (admin *AdminServer) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", admin.config.Address)
	if err != nil {
		return &BindError{Address: admin.config.Address, Cause: err}
	}

	logWriter := pfxlog.Logger().Writer()
	defer func() { _ = logWriter.Close() }()

	server := &http.Server{
		Handler:           admin.router,
		ReadHeaderTimeout: 5 * time.Second,
		ErrorLog:          log.New(logWriter, "", 0),
	}

	admin.lock.Lock()
	admin.listener = listener
	admin.server = server
	admin.lock.Unlock()

	pfxlog.Logger().Infof("administrative endpoint listening on %s", listener.Addr())

	errC := make(chan error, 1)
	go func() {
		errC <- server.Serve(listener)
	}()

	select {
	case err = <-errC:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "administrative endpoint failed")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), adminShutdownTimeout)
	defer cancel()

	if err = server.Shutdown(shutdownCtx); err != nil {
		pfxlog.Logger().Warnf("administrative endpoint shutdown failed: %v", err)
		return err
	}
	pfxlog.Logger().Info("administrative endpoint stopped")
	return nil
}

func (admin *AdminServer) handleCommand(w http.ResponseWriter, r *http.Request) {
	line := mux.Vars(r)["command"]
	query := r.URL.Query()
	if count := query.Get("count"); count != "" {
		line += " " + count
	} else if grace := query.Get("grace"); grace != "" {
		line += " " + grace
	}

	command, err := ParseCommand(line)
	if err != nil {
		sendAdminError(w, http.StatusBadRequest, err)
		return
	}

	result, err := admin.controller.Execute(r.Context(), command)
	if err != nil {
		sendAdminError(w, commandErrorStatus(err), err)
		return
	}

	sendAdminJSON(w, http.StatusOK, result)
}

func (admin *AdminServer) handleWorkers(w http.ResponseWriter, _ *http.Request) {
	sendAdminJSON(w, http.StatusOK, &WorkersResponse{
		Desired:    admin.workers.Desired(),
		Generation: admin.workers.Generation(),
		Workers:    admin.workers.Workers(),
	})
}

func commandErrorStatus(err error) int {
	var unknown *UnknownCommandError
	switch {
	case errors.As(err, &unknown), errors.Is(err, ErrInvalidWorkerCount):
		return http.StatusBadRequest
	case errors.Is(err, ErrPoolStopped), errors.Is(err, ErrPoolNotStarted):
		return http.StatusConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func sendAdminJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		pfxlog.Logger().Errorf("could not encode administrative response: %v", err)
	}
}

func sendAdminError(w http.ResponseWriter, status int, err error) {
	sendAdminJSON(w, status, &ErrorBody{
		Status:  status,
		Error:   http.StatusText(status),
		Message: err.Error(),
	})
}
