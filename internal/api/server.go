package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"funding-arb/internal/engine"
	"funding-arb/internal/events"
	"funding-arb/internal/history"
	"funding-arb/internal/pool"
	"funding-arb/internal/subscription"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	defaultHistoryLimit = 50
	shutdownTimeout     = 5 * time.Second
	maxBodyBytes        = 1 << 20
)

// Engine is the subscription surface served over HTTP.
type Engine interface {
	Subscribe(ctx context.Context, req subscription.Request) (*subscription.Subscription, error)
	SubscribeWithCredentials(ctx context.Context, req subscription.Request) (*subscription.Subscription, error)
	Unsubscribe(ctx context.Context, id string) error
	ExecuteNow(id string) error
	Acknowledge(ctx context.Context, id string) (*subscription.Subscription, error)
	Subscription(id string) (*subscription.Subscription, error)
	Subscriptions() []*subscription.Subscription
	Events() (<-chan events.Event, func())
}

type PoolStats interface {
	Stats() []pool.Stat
}

type HistoryReader interface {
	Recent(ctx context.Context, subscriptionID string, limit int) ([]history.Cycle, error)
}

type Deps struct {
	Engine  Engine
	Pool    PoolStats
	History HistoryReader
	// Metrics is mounted at MetricsPath when set.
	Metrics     http.Handler
	MetricsPath string
}

type Server struct {
	deps   Deps
	log    *zap.Logger
	router *mux.Router
}

func New(deps Deps, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{deps: deps, log: log, router: mux.NewRouter()}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.Use(s.recovery)
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	if s.deps.Metrics != nil {
		path := s.deps.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.Handle(path, s.deps.Metrics).Methods(http.MethodGet)
	}

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/subscriptions", s.listSubscriptions).Methods(http.MethodGet)
	api.HandleFunc("/subscriptions", s.createSubscription).Methods(http.MethodPost)
	api.HandleFunc("/subscriptions/{id}", s.getSubscription).Methods(http.MethodGet)
	api.HandleFunc("/subscriptions/{id}", s.deleteSubscription).Methods(http.MethodDelete)
	api.HandleFunc("/subscriptions/{id}/execute", s.executeSubscription).Methods(http.MethodPost)
	api.HandleFunc("/subscriptions/{id}/acknowledge", s.acknowledgeSubscription).Methods(http.MethodPost)
	api.HandleFunc("/subscriptions/{id}/history", s.subscriptionHistory).Methods(http.MethodGet)
	api.HandleFunc("/pool", s.poolStats).Methods(http.MethodGet)
	api.HandleFunc("/events", s.streamEvents).Methods(http.MethodGet)
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.log.Info("api listening", zap.String("address", addr))
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error("api handler panicked", zap.String("path", r.URL.Path), zap.Any("panic", rec))
				writeError(w, http.StatusInternalServerError, errors.New("internal error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type listResponse struct {
	Subscriptions []*subscription.Subscription `json:"subscriptions"`
	Total         int                          `json:"total"`
}

func (s *Server) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	user := strings.TrimSpace(r.URL.Query().Get("user_id"))
	status := subscription.Status(strings.TrimSpace(r.URL.Query().Get("status")))
	out := make([]*subscription.Subscription, 0)
	for _, sub := range s.deps.Engine.Subscriptions() {
		if user != "" && sub.UserID != user {
			continue
		}
		if status != "" && sub.Status != status {
			continue
		}
		out = append(out, sub)
	}
	writeJSON(w, http.StatusOK, listResponse{Subscriptions: out, Total: len(out)})
}

// createRequest accepts durations as Go duration strings.
type createRequest struct {
	subscription.Request
	FundingInterval string `json:"funding_interval"`
	ExecutionDelay  string `json:"execution_delay"`
}

func (c createRequest) toRequest() (subscription.Request, error) {
	req := c.Request
	var err error
	if req.FundingInterval, err = parseDuration(c.FundingInterval); err != nil {
		return req, fmt.Errorf("%w: funding_interval: %v", subscription.ErrInvalidConfig, err)
	}
	if req.ExecutionDelay, err = parseDuration(c.ExecutionDelay); err != nil {
		return req, fmt.Errorf("%w: execution_delay: %v", subscription.ErrInvalidConfig, err)
	}
	return req, nil
}

func parseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	return time.ParseDuration(raw)
}

func (s *Server) createSubscription(w http.ResponseWriter, r *http.Request) {
	var body createRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	req, err := body.toRequest()
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	prewarm, _ := strconv.ParseBool(r.URL.Query().Get("prewarm"))
	var sub *subscription.Subscription
	if prewarm {
		sub, err = s.deps.Engine.SubscribeWithCredentials(r.Context(), req)
	} else {
		sub, err = s.deps.Engine.Subscribe(r.Context(), req)
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) getSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := s.deps.Engine.Subscription(mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) deleteSubscription(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Engine.Unsubscribe(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) executeSubscription(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.deps.Engine.ExecuteNow(id); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "executing"})
}

// acknowledgeSubscription clears a critical failure once the legs are flat.
func (s *Server) acknowledgeSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := s.deps.Engine.Acknowledge(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) subscriptionHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		writeError(w, http.StatusNotImplemented, errors.New("cycle history is disabled"))
		return
	}
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = parsed
	}
	rows, err := s.deps.History.Recent(r.Context(), mux.Vars(r)["id"], limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if rows == nil {
		rows = []history.Cycle{}
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) poolStats(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Pool == nil {
		writeJSON(w, http.StatusOK, []pool.Stat{})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Pool.Stats())
}

// streamEvents upgrades to a WebSocket and forwards lifecycle events,
// optionally filtered to one user.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	user := strings.TrimSpace(r.URL.Query().Get("user_id"))
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("event stream upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream ended")
	ch, cancel := s.deps.Engine.Events()
	defer cancel()
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case ev, ok := <-ch:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "engine stopped")
				return
			}
			if user != "" && ev.UserID != user {
				continue
			}
			writeCtx, done := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, ev)
			done()
			if err != nil {
				s.log.Debug("event stream write failed", zap.Error(err))
				return
			}
		}
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("api request failed", zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeError(w, status, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, subscription.ErrInvalidConfig):
		return http.StatusBadRequest
	case errors.Is(err, subscription.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrAlreadyExecuting), errors.Is(err, engine.ErrTerminal),
		errors.Is(err, engine.ErrNeedsIntervention):
		return http.StatusConflict
	case errors.Is(err, engine.ErrNotStarted):
		return http.StatusServiceUnavailable
	case errors.As(err, new(*engine.CloseError)):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
