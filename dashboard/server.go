// Package dashboard serves the stored ticks and the change alert as JSON.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"pulse_scout/db"
	"pulse_scout/middleware"
	"pulse_scout/models"
	"pulse_scout/monitoring"
	"pulse_scout/utils"
)

// Input bounds for the alert rule.
const (
	MinWindow    = 1
	MaxWindow    = 365
	MinThreshold = 0.1
	MaxThreshold = 200.0

	defaultLimit = 50
)

type Options struct {
	Window    int
	Threshold float64
	Logger    *zap.SugaredLogger
}

type Server struct {
	store   db.Store
	breaker *middleware.Breaker
	health  *monitoring.Health
	opts    Options
	logger  *zap.SugaredLogger
}

func NewServer(store db.Store, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	s := &Server{
		store:   store,
		breaker: middleware.NewBreaker("store-reads"),
		health:  monitoring.NewHealth(),
		opts:    opts,
		logger:  opts.Logger,
	}
	s.health.Register("store", func(ctx context.Context) error {
		_, err := s.store.Count(ctx)
		return err
	})
	return s
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(utils.RequestLogger)
	r.Use(middleware.Recover)
	r.Use(timed)

	r.Get("/health", s.health.Handler)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/filters", s.handleFilters)
		r.Get("/ticks", s.handleTicks)
		r.Get("/alerts", s.handleAlerts)
	})
	return r
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infow("Dashboard listening", "addr", addr, "driver", s.store.Driver())
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

type filtersResponse struct {
	Sources []string `json:"sources"`
	Symbols []string `json:"symbols"`
}

type ticksResponse struct {
	Source string        `json:"source"`
	Symbol string        `json:"symbol"`
	Count  int           `json:"count"`
	Ticks  []models.Tick `json:"ticks"`
}

type alertsResponse struct {
	Source    string        `json:"source"`
	Symbol    string        `json:"symbol"`
	Window    int           `json:"window"`
	Threshold float64       `json:"threshold"`
	Rows      int           `json:"rows"`
	Count     int           `json:"count"`
	Last      *Alert        `json:"last"`
	Alerts    []ChangePoint `json:"alerts"`
}

func (s *Server) handleFilters(w http.ResponseWriter, r *http.Request) {
	ticks, err := s.load(r.Context(), models.TickFilter{})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	sources, symbols := distinct(ticks)
	writeJSON(w, http.StatusOK, filtersResponse{Sources: sources, Symbols: symbols})
}

func (s *Server) handleTicks(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", defaultLimit)
	if err != nil || limit < 0 {
		writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}

	filter, view, err := s.view(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, ticksResponse{
		Source: filter.Source,
		Symbol: filter.Symbol,
		Count:  len(view),
		Ticks:  tail(view, limit),
	})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	window, err := intParam(r, "window", s.opts.Window)
	if err != nil || window < MinWindow || window > MaxWindow {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("window must be between %d and %d", MinWindow, MaxWindow))
		return
	}
	threshold, err := floatParam(r, "threshold", s.opts.Threshold)
	if err != nil || !(threshold >= MinThreshold && threshold <= MaxThreshold) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("threshold must be between %g and %g", MinThreshold, MaxThreshold))
		return
	}

	filter, view, err := s.view(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	alerts := Alerts(ChangeSeries(view, window), threshold)

	writeJSON(w, http.StatusOK, alertsResponse{
		Source:    filter.Source,
		Symbol:    filter.Symbol,
		Window:    window,
		Threshold: threshold,
		Rows:      len(view),
		Count:     len(alerts),
		Last:      Last(alerts),
		Alerts:    tail(alerts, defaultLimit),
	})
}

// load reads matching ticks through the breaker.
func (s *Server) load(ctx context.Context, filter models.TickFilter) ([]models.Tick, error) {
	var ticks []models.Tick
	err := s.breaker.Execute(func() error {
		var err error
		ticks, err = s.store.LoadTicks(ctx, filter)
		return err
	})
	return ticks, err
}

// view reads the requested source and symbol. A missing one defaults to the
// first known value, which needs one extra unfiltered read.
func (s *Server) view(r *http.Request) (models.TickFilter, []models.Tick, error) {
	f := models.TickFilter{
		Source: r.URL.Query().Get("source"),
		Symbol: r.URL.Query().Get("symbol"),
	}
	if f.Source == "" || f.Symbol == "" {
		all, err := s.load(r.Context(), models.TickFilter{})
		if err != nil {
			return f, nil, err
		}
		if len(all) == 0 {
			return f, nil, nil
		}
		sources, symbols := distinct(all)
		if f.Source == "" {
			f.Source = sources[0]
		}
		if f.Symbol == "" {
			f.Symbol = symbols[0]
		}
	}

	ticks, err := s.load(r.Context(), f)
	return f, ticks, err
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, middleware.ErrOpen) {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.logger.Errorw("Store read failed",
		"error", err,
		"path", r.URL.Path,
		"request_id", utils.RequestID(r.Context()),
	)
	writeError(w, http.StatusInternalServerError, "failed to read ticks")
}

func distinct(ticks []models.Tick) (sources, symbols []string) {
	seenSource := map[string]bool{}
	seenSymbol := map[string]bool{}
	for _, t := range ticks {
		if !seenSource[t.Source] {
			seenSource[t.Source] = true
			sources = append(sources, t.Source)
		}
		if !seenSymbol[t.Symbol] {
			seenSymbol[t.Symbol] = true
			symbols = append(symbols, t.Symbol)
		}
	}
	sort.Strings(sources)
	sort.Strings(symbols)
	return sources, symbols
}

func timed(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		monitoring.RequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

func intParam(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func floatParam(r *http.Request, key string, def float64) (float64, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%s must be finite", key)
	}
	return f, nil
}

// writeJSON encodes before writing the header, so an unencodable value is a
// 500 instead of an empty 200.
func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		utils.Logger.Errorw("Failed to encode response", "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(append(body, '\n'))
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
