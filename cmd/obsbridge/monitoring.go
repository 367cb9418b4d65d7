package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

func newMonitoringRouter(reg *prometheus.Registry, ready <-chan struct{}) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
	r.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ready:
			w.WriteHeader(http.StatusOK)
		default:
			http.Error(w, "not bound or connected yet", http.StatusServiceUnavailable)
		}
	}).Methods(http.MethodGet)
	return r
}

func serveMonitoring(ctx context.Context, addr string, reg *prometheus.Registry, ready <-chan struct{}) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           newMonitoringRouter(reg, ready),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Msgf("metrics listening on http://%s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// runWithMonitoring runs fn and, if addr is set, the monitoring server
// until fn returns
func runWithMonitoring(ctx context.Context, addr string, reg *prometheus.Registry, ready <-chan struct{}, fn func(context.Context) error) error {
	if addr == "" {
		return fn(ctx)
	}

	grp, grpCtx := errgroup.WithContext(ctx)
	serveCtx, stopServing := context.WithCancel(grpCtx)
	defer stopServing()

	grp.Go(func() error {
		defer stopServing()
		return fn(grpCtx)
	})
	grp.Go(func() error {
		return serveMonitoring(serveCtx, addr, reg, ready)
	})
	return grp.Wait()
}
