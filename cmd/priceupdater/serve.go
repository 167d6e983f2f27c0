package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/aluiziolira/go-price-updater/approval"
	"github.com/aluiziolira/go-price-updater/config"
	"github.com/aluiziolira/go-price-updater/metrics"
	"github.com/aluiziolira/go-price-updater/pipeline"
	"github.com/aluiziolira/go-price-updater/store"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
)

func serveCommand(args []string) error {
	fs, common := newFlagSet("serve")
	listenAddr := fs.String("addr", "", "HTTP listen address")
	schedule := fs.String("schedule", "", "Cron schedule for update runs; \"off\" disables it")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := loadConfig(fs, common, func(cfg *config.Config, name string) {
		switch name {
		case "addr":
			cfg.ListenAddr = *listenAddr
		case "schedule":
			cfg.Schedule = *schedule
			if *schedule == "off" {
				cfg.Schedule = ""
			}
		}
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	m := metrics.New()
	u, err := newUpdater(cfg, st, m)
	if err != nil {
		return err
	}

	var scheduler *cron.Cron
	if cfg.Schedule != "" {
		scheduler = cron.New(
			cron.WithLocation(cfg.Location),
			cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)),
		)
		entryID, err := scheduler.AddFunc(cfg.Schedule, func() {
			if _, err := u.runOnce(ctx); err != nil {
				slog.Error("scheduled price update failed", slog.Any("error", err))
			}
		})
		if err != nil {
			return err
		}
		next := scheduler.Entry(entryID).Schedule.Next(time.Now().In(cfg.Location))
		scheduler.Start()
		slog.Info("price updates scheduled",
			slog.String("cron", cfg.Schedule),
			slog.String("timezone", cfg.Location.String()),
			slog.Time("next_run", next),
		)
	} else {
		slog.Info("scheduled price updates disabled")
	}

	queue := approval.NewQueue(st, m, cfg.Location)
	mux := http.NewServeMux()
	approval.NewHandler(queue).Register(mux)
	api := &serverAPI{ctx: ctx, cfg: cfg, store: st, updater: u}
	api.register(mux)
	mux.Handle("GET /metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()
	slog.Info("api server listening", slog.String("addr", cfg.ListenAddr))

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received, waiting for in-flight work to finish")
	case err := <-serveErr:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if scheduler != nil {
		select {
		case <-scheduler.Stop().Done():
		case <-shutdownCtx.Done():
		}
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("api server shutdown failed", slog.Any("error", err))
	}
	return nil
}

// serverAPI holds the operational endpoints next to the approval API.
type serverAPI struct {
	ctx     context.Context
	cfg     *config.Config
	store   *store.Store
	updater *updater
}

func (a *serverAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/update-prices", a.updatePrices)
	mux.HandleFunc("POST /api/items/{id}/reset", a.resetItem)
	mux.HandleFunc("GET /api/health", a.health)
}

// updatePrices runs a pass synchronously. The run is bound to the server
// lifetime rather than the request so a dropped client does not abort it.
func (a *serverAPI) updatePrices(w http.ResponseWriter, r *http.Request) {
	summary, err := a.updater.runOnce(a.ctx)
	switch {
	case errors.Is(err, pipeline.ErrRunInProgress):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case err != nil && summary.RunID == "":
		slog.Error("manual price update failed", slog.Any("error", err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "price update failed"})
	default:
		writeJSON(w, http.StatusOK, summary)
	}
}

func (a *serverAPI) resetItem(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "id must be a positive integer"})
		return
	}
	if err := a.store.ResetFailures(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
			return
		}
		slog.Error("reset item failed", slog.Int64("item_id", id), slog.Any("error", err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	item, err := a.store.GetItem(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	slog.Info("item failures reset", slog.Int64("item_id", id))
	writeJSON(w, http.StatusOK, item)
}

func (a *serverAPI) health(w http.ResponseWriter, r *http.Request) {
	if err := a.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
		return
	}
	overview, err := a.store.Overview(r.Context(), time.Now(), a.cfg.MaxAttempts)
	if err != nil {
		slog.Error("catalog overview failed", slog.Any("error", err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "catalog": overview})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Debug("write response", slog.Any("error", err))
	}
}
