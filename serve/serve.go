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

// Package serve hosts the Quandl function pack over HTTP. Functions are
// invoked by POSTing a JSON array of positional arguments to
// /api/v1/functions/{name}; the response is the result rectangle as a JSON
// array of arrays. Argument problems map to 400, unknown functions to 404,
// and upstream failures to 502.
package serve

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/stockparfait/errors"
	"github.com/stockparfait/logging"
	"github.com/stockparfait/quandlfn/fn"
	"github.com/stockparfait/quandlfn/grid"
	"github.com/stockparfait/quandlfn/message"
	"github.com/stockparfait/quandlfn/pack"
	"github.com/stockparfait/quandlfn/store"
	"golang.org/x/sync/errgroup"
)

// Config is the server configuration, initialized from a JSON file.
type Config struct {
	ListenAddr string `json:"listen_addr" default:"localhost:8080"`
	// Key is the Quandl API key used for all upstream requests.
	Key string `json:"key" required:"true"`
	// PerPage and MaxPages tune datatable paging; a negative MaxPages removes
	// the page cap.
	PerPage  int `json:"per_page"`
	MaxPages int `json:"max_pages"`
	// CacheDir enables the on-disk result cache when non-empty.
	CacheDir             string  `json:"cache_dir"`
	CacheTTLHours        float64 `json:"cache_ttl_hours" default:"24"`
	ShutdownGraceSeconds int     `json:"shutdown_grace_seconds" default:"5"`
}

var _ message.Message = &Config{}

func (c *Config) InitMessage(js interface{}) error {
	return errors.Annotate(message.Init(c, js), "failed to init server config")
}

func (c *Config) cacheTTL() time.Duration {
	return time.Duration(c.CacheTTLHours * float64(time.Hour))
}

// maxBodyBytes caps an invocation body; argument arrays are tiny.
const maxBodyBytes = 1 << 20

// Server hosts a function registry with an optional result cache.
type Server struct {
	config   *Config
	registry *fn.Registry
	cache    *store.Store
}

// New creates a Server with the Quandl pack registry built from the config.
func New(cfg *Config) (*Server, error) {
	r, err := pack.New(pack.Config{PerPage: cfg.PerPage, MaxPages: cfg.MaxPages})
	if err != nil {
		return nil, errors.Annotate(err, "failed to build the function pack")
	}
	s := &Server{config: cfg, registry: r}
	if cfg.CacheDir != "" {
		s.cache = store.New(cfg.CacheDir)
	}
	return s, nil
}

// Handler returns the server's HTTP handler, ready to serve or to test.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.StripSlashes,
		withRequestID,
		logRequests,
		recoverPanics,
		s.withClient,
	)
	r.Get("/healthz", s.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/functions", s.handleList)
		r.Post("/functions/{name}", s.handleCall)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, http.StatusOK, s.registry.Definitions())
}

func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := chi.URLParam(r, "name")
	f, ok := s.registry.Get(name)
	if !ok {
		writeError(ctx, w, http.StatusNotFound,
			errors.Reason("unknown function: %s", name))
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(ctx, w, http.StatusBadRequest,
			errors.Annotate(err, "failed to read the request body"))
		return
	}
	args, err := fn.ParseArgs(body)
	if err != nil {
		writeError(ctx, w, http.StatusBadRequest, err)
		return
	}
	bound, err := fn.Bind(f.Def, args)
	if err != nil {
		writeError(ctx, w, http.StatusBadRequest, err)
		return
	}

	var key string
	if s.cache != nil {
		if key, err = cacheKey(args); err == nil {
			if g, savedAt, err := s.cache.Load(name, key, s.config.cacheTTL()); err == nil {
				logging.Debugf(ctx, "%s: serving the result cached at %s",
					name, savedAt.Format(time.RFC3339))
				writeGrid(ctx, w, g)
				return
			}
		}
	}

	g, err := f.Handler(ctx, bound)
	if err != nil {
		if fn.IsBadArgs(err) {
			writeError(ctx, w, http.StatusBadRequest, err)
			return
		}
		writeError(ctx, w, http.StatusBadGateway, err)
		return
	}
	if s.cache != nil && key != "" {
		if err := s.cache.Save(name, key, g); err != nil {
			logging.Warningf(ctx, "failed to cache %s result: %s", name, err.Error())
		}
	}
	writeGrid(ctx, w, g)
}

func cacheKey(args []json.RawMessage) (string, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return "", errors.Annotate(err, "failed to encode arguments")
	}
	return store.Key(raw)
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warningf(ctx, "failed to write response: %s", err.Error())
	}
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, err error) {
	writeJSON(ctx, w, status, map[string]string{"error": err.Error()})
}

func writeGrid(ctx context.Context, w http.ResponseWriter, g *grid.Grid) {
	w.Header().Set("Content-Type", "application/json")
	if err := g.WriteJSON(w, grid.Params{}); err != nil {
		logging.Warningf(ctx, "failed to write response: %s", err.Error())
	}
}

// Serve runs the HTTP server until ctx is canceled, then shuts down
// gracefully within the configured grace period.
func (s *Server) Serve(ctx context.Context) error {
	eg, egctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: s.Handler(),
		BaseContext: func(net.Listener) context.Context {
			return egctx
		},
		ReadHeaderTimeout: 10 * time.Second,
	}

	logging.Infof(ctx, "serving functions on http://%s", s.config.ListenAddr)

	eg.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return errors.Annotate(err, "server failed")
		}
		return nil
	})

	eg.Go(func() error {
		<-egctx.Done()
		grace := time.Duration(s.config.ShutdownGraceSeconds) * time.Second
		shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		logging.Infof(ctx, "shutting down")
		return srv.Shutdown(shutdownCtx)
	})

	return eg.Wait()
}

// Run builds a Server from the config and serves until ctx is canceled.
func Run(ctx context.Context, cfg *Config) error {
	s, err := New(cfg)
	if err != nil {
		return errors.Annotate(err, "failed to initialize the server")
	}
	return s.Serve(ctx)
}
