package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vyvo/fwbuild/pkg/auth"
	"github.com/vyvo/fwbuild/pkg/buildmgr"
	"github.com/vyvo/fwbuild/pkg/history"
	"github.com/vyvo/fwbuild/pkg/logging"
)

// historyReader is the read side of the finished-build history.
type historyReader interface {
	Get(ctx context.Context, id string) (history.Record, error)
	List(ctx context.Context, limit int) ([]history.Record, error)
}

// newOpsRouter serves liveness, metrics and read-only build status. The
// build routes require token when it is set; the history routes exist only
// when hist is non-nil.
func newOpsRouter(gatherer prometheus.Gatherer, manager buildmgr.Manager, hist historyReader, token string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, map[string]string{"status": "ok"}, http.StatusOK)
	})
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Route("/builds", func(r chi.Router) {
		r.Use(auth.RequireToken(token))
		r.Get("/running", func(w http.ResponseWriter, r *http.Request) {
			ids, err := manager.RunningBuildIDs(r.Context())
			if err != nil {
				respondError(w, http.StatusInternalServerError, err.Error())
				return
			}
			respondJSON(w, map[string]any{"builds": ids}, http.StatusOK)
		})
		if hist != nil {
			r.Get("/history", func(w http.ResponseWriter, r *http.Request) {
				limit := 0
				if raw := r.URL.Query().Get("limit"); raw != "" {
					n, err := strconv.Atoi(raw)
					if err != nil || n <= 0 {
						respondError(w, http.StatusBadRequest, "limit must be a positive integer")
						return
					}
					limit = n
				}
				recs, err := hist.List(r.Context(), limit)
				if err != nil {
					respondError(w, http.StatusInternalServerError, err.Error())
					return
				}
				respondJSON(w, map[string]any{"builds": recs}, http.StatusOK)
			})
			r.Get("/history/{buildID}", func(w http.ResponseWriter, r *http.Request) {
				rec, err := hist.Get(r.Context(), chi.URLParam(r, "buildID"))
				if errors.Is(err, buildmgr.ErrBuildNotFound) {
					respondError(w, http.StatusNotFound, err.Error())
					return
				}
				if err != nil {
					respondError(w, http.StatusInternalServerError, err.Error())
					return
				}
				respondJSON(w, map[string]any{"build": rec}, http.StatusOK)
			})
		}
		r.Get("/{buildID}", func(w http.ResponseWriter, r *http.Request) {
			info, err := manager.BuildInfo(r.Context(), chi.URLParam(r, "buildID"))
			if errors.Is(err, buildmgr.ErrBuildNotFound) {
				respondError(w, http.StatusNotFound, err.Error())
				return
			}
			if err != nil {
				respondError(w, http.StatusInternalServerError, err.Error())
				return
			}
			respondJSON(w, map[string]any{"build": info}, http.StatusOK)
		})
	})
	return r
}

// queueLengthGauge exposes the number of waiting builds as
// fwbuild_queue_length. A failed lookup reports NaN.
func queueLengthGauge(q interface {
	QueueLength(ctx context.Context) (int64, error)
}, logger *slog.Logger) prometheus.GaugeFunc {
	logger = logging.OrDefault(logger)
	return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "fwbuild",
		Name:      "queue_length",
		Help:      "Builds waiting in the queue.",
	}, func() float64 {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		n, err := q.QueueLength(ctx)
		if err != nil {
			logger.Warn("queue length lookup failed", logging.Error(err))
			return math.NaN()
		}
		return float64(n)
	})
}

// registerCollector registers c, tolerating an identical earlier
// registration.
func registerCollector(reg prometheus.Registerer, c prometheus.Collector) error {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return nil
		}
		return err
	}
	return nil
}

// serveOps runs the ops server until ctx is done.
func serveOps(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("ops server listening", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("ops server shutdown", logging.Error(err))
	}
	return nil
}

func respondJSON(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, map[string]string{"error": message}, status)
}
