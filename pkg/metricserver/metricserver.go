// Copyright 2025 The Lockvisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metricserver serves monitor data over HTTP.
//
// Endpoints:
//
//	/metrics   monitor statistics and per-lock data in the Prometheus
//	           text exposition format.
//	/report    the full diagnostic report as JSON.
//	/healthz   health check.
package metricserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"lockvisor.dev/lockvisor/pkg/log"
	"lockvisor.dev/lockvisor/pkg/monitor"
	"lockvisor.dev/lockvisor/pkg/sync"
)

const (
	// httpTimeout bounds connect/read/write operations of the HTTP server.
	httpTimeout = 1 * time.Minute

	// shutdownTimeout bounds the graceful drain of in-flight requests when
	// the server is stopped through Run's context.
	shutdownTimeout = 10 * time.Second
)

// Options configures a Server.
type Options struct {
	// Address is the address to bind. An address starting with a path
	// separator is served on a Unix domain socket, anything else on TCP.
	Address string

	// ExporterPrefix is prepended to all metric names, following the
	// Prometheus exporter naming convention, e.g. "lockvisor_".
	ExporterPrefix string
}

// Server exposes a Monitor over HTTP. Create one with New, then call Run,
// or Start followed by Serve.
type Server struct {
	mon       *monitor.Monitor
	opts      Options
	startTime time.Time
	srv       http.Server

	// mu protects the fields below.
	mu sync.Mutex

	// listener is set once Start has bound the address.
	listener net.Listener

	// udsPath is the Unix socket file created by the server. It is removed
	// again on Stop.
	udsPath string

	// shuttingDown is flipped when Stop begins, so that the health check
	// turns negative before the listener closes.
	shuttingDown bool
}

// New returns a Server exposing mon. The server does not touch the network
// until Start or Run is called.
func New(mon *monitor.Monitor, opts Options) *Server {
	s := &Server{
		mon:       mon,
		opts:      opts,
		startTime: time.Now(),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", logRequest(s.serveMetrics))
	mux.HandleFunc("/report", logRequest(s.serveReport))
	mux.HandleFunc("/healthz", logRequest(s.serveHealthCheck))
	mux.HandleFunc("/", logRequest(s.serveIndex))
	s.srv.Handler = mux
	s.srv.ReadTimeout = httpTimeout
	s.srv.WriteTimeout = httpTimeout
	return s
}

// Start binds the configured address. It does not accept connections yet;
// call Serve for that.
func (s *Server) Start(ctx context.Context) error {
	if s.opts.Address == "" {
		return errors.New("no address to bind configured")
	}
	var listener net.Listener
	var err error
	isUDS := strings.HasPrefix(s.opts.Address, string(os.PathSeparator))
	if isUDS {
		if listener, err = (&net.ListenConfig{}).Listen(ctx, "unix", s.opts.Address); err != nil {
			return fmt.Errorf("cannot listen on unix domain socket %q: %w", s.opts.Address, err)
		}
		os.Chmod(s.opts.Address, 0777)
	} else {
		if strings.HasPrefix(s.opts.Address, ":") {
			log.Warningf("Binding on all interfaces: %q.", s.opts.Address)
		}
		if listener, err = (&net.ListenConfig{}).Listen(ctx, "tcp", s.opts.Address); err != nil {
			return fmt.Errorf("cannot listen on TCP address %q: %w", s.opts.Address, err)
		}
	}
	s.mu.Lock()
	s.listener = listener
	if isUDS {
		s.udsPath = s.opts.Address
	}
	s.mu.Unlock()
	log.Infof("Monitor server bound on %s.", listener.Addr())
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections until Stop is called. Start must have
// succeeded first.
func (s *Server) Serve() error {
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()
	if listener == nil {
		return errors.New("server has not been started")
	}
	err := s.srv.Serve(listener)
	log.Infof("Monitor server on %s stopped accepting requests.", listener.Addr())
	if err == http.ErrServerClosed {
		return nil
	}
	// Per documentation, http.Server.Serve never returns a nil error.
	return fmt.Errorf("cannot serve on address %s: %w", listener.Addr(), err)
}

// Stop gracefully shuts the server down, waiting for in-flight requests
// until ctx expires. It is safe to call more than once.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		return nil
	}
	s.shuttingDown = true
	udsPath := s.udsPath
	s.mu.Unlock()
	err := s.srv.Shutdown(ctx)
	if udsPath != "" {
		os.Remove(udsPath)
	}
	return err
}

// Run starts the server and blocks until ctx is canceled, then shuts it
// down gracefully.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.Stop(shutdownCtx); err != nil {
			log.Warningf("Shutting down the monitor server: %v", err)
		}
	}()
	return s.Serve()
}
