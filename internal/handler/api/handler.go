package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"CoherencePulse/internal/broadcast"
	models "CoherencePulse/internal/domain/models"
	domrepo "CoherencePulse/internal/domain/repository"
	"CoherencePulse/internal/middleware"
	xhttp "CoherencePulse/pkg/http"
	xlogger "CoherencePulse/pkg/logger"
	"CoherencePulse/pkg/resilience/breaker"
)

// PersistStats reports the write-behind buffer.
type PersistStats interface {
	Stats() middleware.PersistStats
}

// Deps are the read paths the API serves from. Store, StoreBreaker and Persist may be nil
// when the event store is disabled.
type Deps struct {
	Scores       domrepo.ScoreCache
	Store        domrepo.EventStore
	StoreBreaker *breaker.Breaker
	Manager      *broadcast.Manager
	Breakers     []*breaker.Breaker
	Persist      PersistStats
}

// Handler serves the score, alert, stats and health endpoints.
type Handler struct {
	logger *xlogger.Logger
	deps   Deps
}

func NewHandler(logger *xlogger.Logger, deps Deps) *Handler {
	if logger == nil {
		logger = xlogger.Nop()
	}
	return &Handler{logger: logger, deps: deps}
}

func (h *Handler) RegisterRoutes(e *echo.Echo) {
	g := e.Group("/api")
	g.GET("/scores/:symbol", h.LatestScore)
	g.GET("/scores/:symbol/history", h.ScoreHistory)
	g.GET("/alerts", h.Alerts)
	g.GET("/stats", h.Stats)
	e.GET("/health", h.Health)
}

func (h *Handler) LatestScore(c echo.Context) error {
	req := &models.ScoreRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	score, ok, err := h.deps.Scores.LatestScore(c.Request().Context(), req.Symbol)
	if err != nil {
		h.logger.Error("latest score error", xlogger.String("symbol", req.Symbol), xlogger.Error(err))
		return xhttp.AppErrorResponse(c, xhttp.InternalError("score lookup failed").WithError(err))
	}
	if !ok {
		return xhttp.AppErrorResponse(c, xhttp.NotFoundErrorf("no score for %s", req.Symbol))
	}
	c.Response().Header().Set(echo.HeaderCacheControl, "no-store")
	return xhttp.SuccessResponse(c, score)
}

func (h *Handler) ScoreHistory(c echo.Context) error {
	req := &models.ScoreHistoryRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	window := xhttp.ParseWindow(req.Window, 5*time.Minute)

	rows, err := query(c.Request().Context(), h.deps, func(ctx context.Context) ([]models.CoherenceScore, error) {
		return h.deps.Store.QueryScores(ctx, req.Symbol, window, req.Limit)
	})
	if err != nil {
		h.logger.Error("score history error", xlogger.String("symbol", req.Symbol), xlogger.Error(err))
		return xhttp.AppErrorResponse(c, storeError(err))
	}
	return xhttp.ListResponse(c, rows, int64(len(rows)))
}

func (h *Handler) Alerts(c echo.Context) error {
	req := &models.AlertsRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	window := xhttp.ParseWindow(req.Window, 15*time.Minute)

	rows, err := query(c.Request().Context(), h.deps, func(ctx context.Context) ([]models.Alert, error) {
		return h.deps.Store.QueryAlerts(ctx, req.Symbol, window, req.Limit)
	})
	if err != nil {
		h.logger.Error("alerts error", xlogger.String("symbol", req.Symbol), xlogger.Error(err))
		return xhttp.AppErrorResponse(c, storeError(err))
	}
	return xhttp.ListResponse(c, rows, int64(len(rows)))
}

// StatsResponse is the body of GET /api/stats.
type StatsResponse struct {
	Broadcast broadcast.Stats          `json:"broadcast"`
	Breakers  []breaker.Snapshot       `json:"breakers"`
	Persist   *middleware.PersistStats `json:"persist,omitempty"`
}

func (h *Handler) Stats(c echo.Context) error {
	res := StatsResponse{
		Broadcast: h.deps.Manager.Stats(),
		Breakers:  make([]breaker.Snapshot, 0, len(h.deps.Breakers)),
	}
	for _, b := range h.deps.Breakers {
		res.Breakers = append(res.Breakers, b.Snapshot())
	}
	if h.deps.Persist != nil {
		st := h.deps.Persist.Stats()
		res.Persist = &st
	}
	return xhttp.SuccessResponse(c, res)
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
}

// Health reports "degraded" with 503 while shutting down or when the store is unreachable.
func (h *Handler) Health(c echo.Context) error {
	res := HealthResponse{Status: "ok", Components: map[string]string{"broadcast": "ok"}}
	if h.deps.Manager.Stats().ShuttingDown {
		res.Status = "degraded"
		res.Components["broadcast"] = "shutting_down"
	}
	if h.deps.Store != nil {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()
		if err := h.deps.Store.Health(ctx); err != nil {
			h.logger.Warn("store health failed", xlogger.Error(err))
			res.Status = "degraded"
			res.Components["store"] = err.Error()
		} else {
			res.Components["store"] = "ok"
		}
	}
	for _, b := range h.deps.Breakers {
		res.Components["breaker_"+b.Name()] = string(b.State())
	}
	if res.Status != "ok" {
		return xhttp.DataResponse(c, http.StatusServiceUnavailable, res)
	}
	return xhttp.SuccessResponse(c, res)
}

var errStoreDisabled = errors.New("event store disabled")

func query[T any](ctx context.Context, deps Deps, op func(context.Context) ([]T, error)) ([]T, error) {
	if deps.Store == nil {
		return nil, errStoreDisabled
	}
	if deps.StoreBreaker == nil {
		return op(ctx)
	}
	return breaker.Execute(ctx, deps.StoreBreaker, op)
}

func storeError(err error) *xhttp.AppError {
	switch {
	case errors.Is(err, errStoreDisabled):
		return xhttp.ServiceUnavailableError("event store disabled").WithError(err)
	case errors.Is(err, breaker.ErrCircuitOpen):
		return xhttp.ServiceUnavailableError("event store unavailable").WithError(err)
	}
	return xhttp.InternalError("event store query failed").WithError(err)
}
