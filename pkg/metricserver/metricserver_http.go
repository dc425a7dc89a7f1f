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

package metricserver

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"lockvisor.dev/lockvisor/pkg/log"
)

// httpResult is returned by HTTP handlers.
type httpResult struct {
	code int
	err  error
}

// httpOK is the "everything went fine" HTTP result.
var httpOK = httpResult{code: http.StatusOK}

// logRequest wraps an HTTP handler and adds logging and panic recovery to
// it.
func logRequest(f func(w http.ResponseWriter, req *http.Request) httpResult) func(w http.ResponseWriter, req *http.Request) {
	return func(w http.ResponseWriter, req *http.Request) {
		log.Debugf("Request: %s %s", req.Method, req.URL.Path)
		defer func() {
			if r := recover(); r != nil {
				log.Warningf("Request: %s %s: Panic:\n%v", req.Method, req.URL.Path, r)
			}
		}()
		result := f(w, req)
		if result.err != nil {
			http.Error(w, result.err.Error(), result.code)
			log.Warningf("Request: %s %s: Failed with HTTP code %d: %v", req.Method, req.URL.Path, result.code, result.err)
		}
	}
}

// serveIndex serves the index page.
func (s *Server) serveIndex(w http.ResponseWriter, req *http.Request) httpResult {
	if req.URL.Path != "/" {
		return httpResult{http.StatusNotFound, errors.New("path not found")}
	}
	fmt.Fprintf(w, "<html><head><title>lockvisor</title></head><body>")
	fmt.Fprintf(w, "<p>You have reached the lock monitoring server.</p>")
	fmt.Fprintf(w, `<p>Metric data lives at <a href="/metrics">/metrics</a>, the full diagnostic report at <a href="/report">/report</a>.</p>`)
	fmt.Fprintf(w, "</body></html>")
	return httpOK
}

// serveHealthCheck serves the health check endpoint.
// The response body is "lockvisor:OK" so that clients can assert they are
// talking to this server rather than some other HTTP server.
func (s *Server) serveHealthCheck(w http.ResponseWriter, req *http.Request) httpResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shuttingDown {
		return httpResult{http.StatusServiceUnavailable, errors.New("server is shutting down")}
	}
	io.WriteString(w, "lockvisor:OK")
	return httpOK
}

// serveReport serves the full diagnostic report as JSON.
func (s *Server) serveReport(w http.ResponseWriter, req *http.Request) httpResult {
	w.Header().Set("Content-Type", "application/json")
	if err := s.mon.WriteReport(w); err != nil {
		// Headers are already out, so the status code cannot change at
		// this point; the client sees a truncated body.
		log.Warningf("Request: %s %s: writing report: %v", req.Method, req.URL.Path, err)
	}
	return httpOK
}
