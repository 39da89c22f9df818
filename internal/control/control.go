// Package control implements the Control Surface: thin request/response
// endpoints that validate parameters, delegate to the components below,
// and shape the response. The only logic that lives here is returning a
// service-unavailable status when the upstream is exhausted, without
// failing the whole server. Routing is a chi router with the cors
// middleware mounted once.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"marketcore/internal/apperr"
	"marketcore/internal/bot"
	"marketcore/internal/metrics"
	"marketcore/internal/model"
)

var (
	errMissingSymbol    = errors.New("symbol is required")
	errUnknownTimeframe = errors.New("unknown timeframe")
)

// CandleReader is the read-side capability the history endpoints need.
type CandleReader interface {
	Range(ctx context.Context, symbol string, tf model.Timeframe, fromTS, toTS *int64, limit int) ([]model.Candle, error)
	Latest(ctx context.Context, symbol string, tf model.Timeframe) (*model.Candle, error)
}

// Fetcher is the Provider Gateway capability the history endpoint's
// force-refresh (bypass_cache=true) path uses.
type Fetcher interface {
	FetchCandles(ctx context.Context, symbol string, tf model.Timeframe, windowLabel string, bypassCache bool) ([]model.Candle, error)
}

// Merger is the Prediction Merger capability /prediction/trigger needs.
type Merger interface {
	Merge(ctx context.Context, symbol string, tf model.Timeframe, horizonMinutes int, selectedBots []string) (model.MergedPrediction, error)
}

// PredictionReader is the Audit Store capability the prediction read
// endpoints need.
type PredictionReader interface {
	Fetch(ctx context.Context, id int64) (*model.MergedPrediction, error)
	Latest(ctx context.Context, symbol string, tf model.Timeframe) (*model.MergedPrediction, error)
}

// WSHandler upgrades and registers one Subscription Fabric session.
// Implemented by *subfabric.Hub.
type WSHandler interface {
	ServeWS(w http.ResponseWriter, r *http.Request)
}

// Surface composes every dependency the control endpoints delegate to.
type Surface struct {
	Candles     CandleReader
	Gateway     Fetcher
	Merger      Merger
	Predictions PredictionReader
	Training    *bot.TrainingQueue
	Hub         WSHandler
	Health      *metrics.HealthStatus

	DefaultHorizonMinutes int
	AllowedOrigins        []string
}

// NewRouter builds the chi router for every control endpoint, with CORS
// mounted once for the whole surface.
func NewRouter(s *Surface) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins(s.AllowedOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type"},
		MaxAge:           300,
	}))

	r.Get("/health", s.Health.ServeHTTP)
	r.Get("/history", s.handleHistory)
	r.Get("/history/latest", s.handleHistoryLatest)
	r.Post("/prediction/trigger", s.handlePredictionTrigger)
	r.Get("/prediction/latest", s.handlePredictionLatest)
	r.Get("/prediction/{id}", s.handlePredictionByID)
	r.Post("/training/enqueue", s.handleTrainingEnqueue)
	r.Get("/training/status", s.handleTrainingStatus)
	r.Get("/ws", s.Hub.ServeWS)

	return r
}

func allowedOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

// parseOptionalUnix parses an optional unix-timestamp query parameter,
// returning nil when absent or malformed rather than rejecting the
// request — from/to bounds are optional narrowing, not required input.
func parseOptionalUnix(s string) *int64 {
	if s == "" {
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil
	}
	return &n
}

// parseSymbolTF validates the (symbol, timeframe) query pair every
// history/prediction read shares. A malformed timeframe or a missing
// symbol is an Input-kind error, reported at this boundary and never
// propagated further.
func parseSymbolTF(r *http.Request) (symbol string, tf model.Timeframe, err error) {
	symbol = r.URL.Query().Get("symbol")
	tfStr := r.URL.Query().Get("timeframe")
	if symbol == "" {
		return "", "", apperr.Wrap(apperr.KindInput, "", tfStr, errMissingSymbol)
	}
	tf = model.Timeframe(tfStr)
	if !tf.Valid() {
		return "", "", apperr.Wrap(apperr.KindInput, symbol, tfStr, errUnknownTimeframe)
	}
	return symbol, tf, nil
}

func (s *Surface) handleHistory(w http.ResponseWriter, r *http.Request) {
	symbol, tf, err := parseSymbolTF(r)
	if err != nil {
		writeError(w, err)
		return
	}

	limit := 500
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, convErr := strconv.Atoi(v); convErr == nil && n > 0 {
			limit = n
		}
	}
	if limit > 5000 {
		limit = 5000
	}
	fromTS := parseOptionalUnix(r.URL.Query().Get("from_ts"))
	toTS := parseOptionalUnix(r.URL.Query().Get("to_ts"))

	// bypass_cache forces a fresh upstream fetch through the Gateway
	// instead of reading the Candle Store; bounded range reads always go
	// to the store, which the cache never fronts.
	if r.URL.Query().Get("bypass_cache") == "true" && s.Gateway != nil && fromTS == nil && toTS == nil {
		ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
		defer cancel()
		candles, err := s.Gateway.FetchCandles(ctx, symbol, tf, tf.WindowLabel(), true)
		if err != nil {
			writeError(w, err)
			return
		}
		if len(candles) > limit {
			candles = candles[len(candles)-limit:]
		}
		writeJSON(w, http.StatusOK, candles)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	candles, err := s.Candles.Range(ctx, symbol, tf, fromTS, toTS, limit)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.KindStore, symbol, string(tf), err))
		return
	}
	writeJSON(w, http.StatusOK, candles)
}

func (s *Surface) handleHistoryLatest(w http.ResponseWriter, r *http.Request) {
	symbol, tf, err := parseSymbolTF(r)
	if err != nil {
		writeError(w, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	c, err := s.Candles.Latest(ctx, symbol, tf)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.KindStore, symbol, string(tf), err))
		return
	}
	if c == nil {
		writeError(w, apperr.Wrap(apperr.KindNotFound, symbol, string(tf), apperr.ErrNotFound))
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type triggerRequest struct {
	Symbol         string   `json:"symbol"`
	Timeframe      string   `json:"timeframe"`
	HorizonMinutes int      `json:"horizon_minutes"`
	SelectedBots   []string `json:"selected_bots,omitempty"`
}

func (s *Surface) handlePredictionTrigger(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Wrap(apperr.KindInput, "", "", err))
		return
	}
	tf := model.Timeframe(req.Timeframe)
	if req.Symbol == "" || !tf.Valid() {
		writeError(w, apperr.Wrap(apperr.KindInput, req.Symbol, req.Timeframe, errUnknownTimeframe))
		return
	}
	horizon := req.HorizonMinutes
	if horizon <= 0 {
		horizon = s.DefaultHorizonMinutes
	}

	ctx, cancel := context.WithTimeout(r.Context(), 35*time.Second)
	defer cancel()
	pred, err := s.Merger.Merge(ctx, req.Symbol, tf, horizon, req.SelectedBots)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pred)
}

func (s *Surface) handlePredictionLatest(w http.ResponseWriter, r *http.Request) {
	symbol, tf, err := parseSymbolTF(r)
	if err != nil {
		writeError(w, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	pred, err := s.Predictions.Latest(ctx, symbol, tf)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.KindStore, symbol, string(tf), err))
		return
	}
	if pred == nil {
		writeError(w, apperr.Wrap(apperr.KindNotFound, symbol, string(tf), apperr.ErrNotFound))
		return
	}
	writeJSON(w, http.StatusOK, pred)
}

func (s *Surface) handlePredictionByID(w http.ResponseWriter, r *http.Request) {
	idStr := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.KindInput, "", "", err))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	pred, err := s.Predictions.Fetch(ctx, id)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.KindStore, "", "", err))
		return
	}
	if pred == nil {
		writeError(w, apperr.Wrap(apperr.KindNotFound, "", "", apperr.ErrNotFound))
		return
	}
	writeJSON(w, http.StatusOK, pred)
}

type enqueueRequest struct {
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
	BotName   string `json:"bot_name"`
	Epochs    int    `json:"epochs,omitempty"`
}

func (s *Surface) handleTrainingEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Wrap(apperr.KindInput, "", "", err))
		return
	}
	tf := model.Timeframe(req.Timeframe)
	if req.Symbol == "" || !tf.Valid() || req.BotName == "" {
		writeError(w, apperr.Wrap(apperr.KindInput, req.Symbol, req.Timeframe, errUnknownTimeframe))
		return
	}

	cfg := map[string]any{}
	if req.Epochs > 0 {
		cfg["epochs"] = float64(req.Epochs)
	}
	id, err := s.Training.Enqueue(bot.TrainJob{Symbol: req.Symbol, Timeframe: tf, BotName: req.BotName, Config: cfg})
	if err != nil {
		writeJSON(w, http.StatusConflict, map[string]any{"error": apperr.ErrTrainingAlreadyQueued.Error(), "job_id": id})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job_id": id})
}

func (s *Surface) handleTrainingStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Training.Status())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps an apperr.Kind to the Control Surface's three
// user-visible failure classes: client fault, service-unavailable, and
// service error.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch apperr.KindOf(err) {
	case apperr.KindInput:
		status = http.StatusBadRequest
	case apperr.KindNotFound:
		status = http.StatusNotFound
	case apperr.KindTransient:
		status = http.StatusServiceUnavailable
	case apperr.KindValidation:
		status = http.StatusUnprocessableEntity
	case apperr.KindConcurrency:
		status = http.StatusConflict
	case apperr.KindStore:
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
