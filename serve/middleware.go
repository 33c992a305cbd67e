// Copyright 2023 Stock Parfait

// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at

//     http://www.apache.org/licenses/LICENSE-2.0

// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package serve

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/stockparfait/errors"
	"github.com/stockparfait/logging"
	"github.com/stockparfait/quandlfn/quandl"
)

type contextKey int

const requestIDKey contextKey = iota

// RequestID returns the ID assigned to the current request, or "" outside of
// a request.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

const requestIDHeader = "X-Request-Id"

// withRequestID tags each request with an ID, honoring the one supplied by
// the caller, and echoes it in the response header.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set(requestIDHeader, id)
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// statusRecorder captures the response status for the request log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// logRequests writes one log line per request with its status and duration.
func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&rec, r)
		logging.Infof(r.Context(), "%s %s %d %s id=%s", r.Method, r.URL.Path,
			rec.status, time.Since(start).Round(time.Millisecond),
			RequestID(r.Context()))
	})
}

// recoverPanics converts a handler panic into a 500 JSON error, keeping the
// server up.
func recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if p := recover(); p != nil {
				if p == http.ErrAbortHandler {
					panic(p)
				}
				logging.Errorf(r.Context(), "panic in %s %s: %v", r.Method, r.URL.Path, p)
				writeError(r.Context(), w, http.StatusInternalServerError,
					errors.Reason("internal server error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// withClient installs the Quandl API client for the request.
func (s *Server) withClient(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := quandl.UseClient(r.Context(), s.config.Key)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
