package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/rs/zerolog/log"

	"github.com/keymux/keymux"
)

var errUpstreamRequired = errors.New("serve.upstream must be set in the config file")

// upstreamResponse is the R type Execute dispatches for the HTTP demo: the
// status code and a couple of headers the classifier reads, plus the body to
// relay back to the inbound caller.
type upstreamResponse struct {
	StatusCode int
	Body       []byte
	RetryAfter *int
	Remaining  *int
}

var upstreamClassifier = keymux.Classifier[upstreamResponse]{
	IsRateLimited: func(r upstreamResponse) bool { return r.StatusCode == http.StatusTooManyRequests },
	IsError:       func(r upstreamResponse) bool { return r.StatusCode >= 500 },
	GetRetryAfter: func(r upstreamResponse) *int { return r.RetryAfter },
	GetQuotaRemaining: func(r upstreamResponse) *int { return r.Remaining },
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run a minimal HTTP front-end that dispatches through the pool",
		Long: `serve fronts a single upstream URL: every inbound request is throttled
by an x/time/rate limiter, then dispatched through the pool to the configured
upstream using one of the registered keys as a bearer credential, rotating on
failure or rate-limit per the pool's retry policy.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadDemoConfig(cfgPath)
			if err != nil {
				return err
			}
			pool, err := buildPool(cfg, log.Logger)
			if err != nil {
				return err
			}
			defer pool.Shutdown()

			if cfg.Serve.Upstream == "" {
				return errUpstreamRequired
			}
			return runServe(cfg, pool)
		},
	}
}

func runServe(cfg *demoConfig, pool *keymux.Pool) error {
	limiter := rate.NewLimiter(rate.Limit(cfg.Serve.RPS), cfg.Serve.Burst)
	client := &http.Client{Timeout: 15 * time.Second}

	mux := http.NewServeMux()
	mux.HandleFunc("/dispatch", func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
		defer cancel()

		resp, err := keymux.Execute(ctx, pool, upstreamClassifier, func(ctx context.Context, keyValue string) (upstreamResponse, error) {
			req, err := http.NewRequestWithContext(ctx, r.Method, cfg.Serve.Upstream, r.Body)
			if err != nil {
				return upstreamResponse{}, err
			}
			req.Header.Set("Authorization", "Bearer "+keyValue)

			res, err := client.Do(req)
			if err != nil {
				return upstreamResponse{}, err
			}
			defer res.Body.Close()

			body, err := io.ReadAll(res.Body)
			if err != nil {
				return upstreamResponse{}, err
			}

			out := upstreamResponse{StatusCode: res.StatusCode, Body: body}
			if v := res.Header.Get("Retry-After"); v != "" {
				if n, err := strconv.Atoi(v); err == nil {
					out.RetryAfter = &n
				}
			}
			if v := res.Header.Get("X-Quota-Remaining"); v != "" {
				if n, err := strconv.Atoi(v); err == nil {
					out.Remaining = &n
				}
			}
			return out, nil
		}, keymux.ExecuteOptions{})

		if err != nil {
			log.Error().Err(err).Msg("dispatch failed")
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}

		w.WriteHeader(resp.StatusCode)
		w.Write(resp.Body)
	})

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		h := pool.GetHealth()
		if h.AvailableKeys == 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		w.Write([]byte(h.Status))
	})

	log.Info().Str("addr", cfg.Serve.Addr).Msg("serving")
	return http.ListenAndServe(cfg.Serve.Addr, mux)
}
