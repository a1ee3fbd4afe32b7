package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Sternrassler/resilient-fetch/pkg/client"
	"github.com/Sternrassler/resilient-fetch/pkg/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func newServeCmd(a *app) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a throttled proxy for the configured base URL",
		Long: `Run an HTTP proxy that forwards /fetch/* to base_url through the client.

Routes:
  /health     liveness check
  /stats      running and waiting requests
  /metrics    Prometheus metrics
  /fetch/*    proxied requests`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.BaseURL == "" {
				return errors.New("serve requires base_url (FETCH_BASE_URL)")
			}
			if cmd.Flags().Changed("port") {
				a.cfg.Server.Port = port
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c, cleanup, err := a.newClient(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			srv := &http.Server{
				Addr:              a.cfg.Server.Addr(),
				Handler:           newRouter(c, a.logger),
				ReadHeaderTimeout: 10 * time.Second,
				IdleTimeout:       120 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				a.logger.Info().
					Str("addr", srv.Addr).
					Str("base_url", a.cfg.BaseURL).
					Msg("Starting proxy server")
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			case <-ctx.Done():
			}

			a.logger.Info().Msg("Shutting down proxy server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 8080, "listen port (overrides server.port)")
	return cmd
}

// newRouter wires the proxy routes.
func newRouter(c *client.Client, logger zerolog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", healthHandler)
	r.Get("/stats", statsHandler(c))
	r.Handle("/metrics", metrics.Handler())
	r.HandleFunc("/fetch/*", proxyHandler(c, logger))

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

func statsHandler(c *client.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		running, waiting := c.Stats()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]int{
			"running": running,
			"waiting": waiting,
		})
	}
}

// forwardedHeaders are copied from the incoming request to the upstream.
var forwardedHeaders = []string{"Accept", "Accept-Language", "Authorization", "Content-Type", "If-None-Match"}

// hopHeaders are not copied back to the caller.
var hopHeaders = map[string]bool{
	"Connection":        true,
	"Content-Length":    true,
	"Keep-Alive":        true,
	"Transfer-Encoding": true,
	"Upgrade":           true,
}

func proxyHandler(c *client.Client, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// /fetch/v1/items?page=2 -> v1/items?page=2, resolved against base_url
		endpoint := chi.URLParam(r, "*")
		if u, err := url.Parse(endpoint); err != nil || u.IsAbs() || u.Host != "" {
			http.Error(w, "endpoint must be a path relative to the base URL", http.StatusBadRequest)
			return
		}
		if r.URL.RawQuery != "" {
			endpoint += "?" + r.URL.RawQuery
		}

		init := &client.RequestInit{Method: r.Method, Header: http.Header{}}
		for _, name := range forwardedHeaders {
			for _, v := range r.Header.Values(name) {
				init.Header.Add(name, v)
			}
		}
		if r.Body != nil {
			body, err := io.ReadAll(r.Body)
			if err != nil {
				http.Error(w, "read request body: "+err.Error(), http.StatusBadRequest)
				return
			}
			init.Body = body
		}

		resp, err := c.Fetch(r.Context(), endpoint, init)
		if err != nil {
			writeFetchError(w, err)
			logger.Warn().
				Err(err).
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("url", endpoint).
				Msg("Proxy request failed")
			return
		}
		defer resp.Body.Close()

		copyHeaders(w.Header(), resp.Header)
		w.WriteHeader(resp.StatusCode)
		if _, err := io.Copy(w, resp.Body); err != nil {
			logger.Warn().Err(err).Msg("Failed to write response")
		}
	}
}

// writeFetchError maps client errors to proxy responses. Upstream HTTP
// failures keep their status and captured body.
func writeFetchError(w http.ResponseWriter, err error) {
	var httpErr *client.HTTPError
	var timeoutErr *client.TimeoutError

	switch {
	case errors.As(err, &httpErr):
		copyHeaders(w.Header(), httpErr.Header)
		w.WriteHeader(httpErr.StatusCode)
		w.Write(httpErr.Body)
	case errors.As(err, &timeoutErr):
		http.Error(w, err.Error(), http.StatusGatewayTimeout)
	case errors.Is(err, context.Canceled):
		// Caller went away.
	default:
		http.Error(w, err.Error(), http.StatusBadGateway)
	}
}

func copyHeaders(dst, src http.Header) {
	for key, values := range src {
		if hopHeaders[key] {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}
