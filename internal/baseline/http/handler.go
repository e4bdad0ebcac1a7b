package baselinehttp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/odyssey-erp/baseline-engine/internal/baseline"
	"github.com/odyssey-erp/baseline-engine/internal/platform/httpx"
	"github.com/odyssey-erp/baseline-engine/internal/recalc"
	"github.com/odyssey-erp/baseline-engine/internal/shared"
	"github.com/odyssey-erp/baseline-engine/internal/vigency"
)

// Engine is the baseline API consumed by the handler.
type Engine interface {
	CreateVigency(ctx context.Context, in vigency.CreateInput) (baseline.Mutation, error)
	EditVigency(ctx context.Context, id uuid.UUID, patch vigency.Patch) (baseline.Mutation, error)
	DeleteVigency(ctx context.Context, id uuid.UUID, cascade bool) (baseline.Mutation, error)
	RecalculatePeriods(ctx context.Context, clientID string, periods []shared.Period, async bool) (*recalc.Summary, error)
	GetVigencyHistory(ctx context.Context, clientID string, page shared.PageRequest) (vigency.HistoryPage, error)
	GetVigencyHistoryAll(ctx context.Context, clientID string) ([]vigency.Vigency, error)
	GetVigencyAt(ctx context.Context, clientID string, date time.Time) (*vigency.Vigency, error)
	GetPeriodResult(ctx context.Context, clientID string, period shared.Period) (baseline.PeriodView, error)
	ViewVersion(ctx context.Context, clientID string) (int64, error)
}

// Idempotency guards recalculation requests carrying an Idempotency-Key header.
type Idempotency interface {
	Claim(ctx context.Context, key, scope string) error
	Release(ctx context.Context, key, scope string) error
}

// Handler exposes the baseline engine over JSON.
type Handler struct {
	logger      *slog.Logger
	engine      Engine
	idempotency Idempotency
}

// NewHandler constructs handler. idempotency may be nil.
func NewHandler(logger *slog.Logger, engine Engine, idempotency Idempotency) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, engine: engine, idempotency: idempotency}
}

// MountRoutes registers routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/clients/{clientID}", func(r chi.Router) {
		r.Get("/vigencies", h.listVigencies)
		r.Post("/vigencies", h.createVigency)
		r.Get("/vigencies/at", h.vigencyAt)
		r.Post("/recalculations", h.recalculate)
		r.Get("/periods/{year}/{month}", h.periodResult)
		r.Get("/views/version", h.viewVersion)
	})
	r.Patch("/vigencies/{id}", h.editVigency)
	r.Delete("/vigencies/{id}", h.deleteVigency)
}

func (h *Handler) listVigencies(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientID")
	if r.URL.Query().Get("all") == "1" {
		vs, err := h.engine.GetVigencyHistoryAll(r.Context(), clientID)
		if err != nil {
			h.fail(w, "list vigencies", err)
			return
		}
		if vs == nil {
			vs = []vigency.Vigency{}
		}
		httpx.JSON(w, http.StatusOK, historyResponse{Vigencies: vs})
		return
	}
	page := shared.PageRequest{Cursor: strings.TrimSpace(r.URL.Query().Get("cursor"))}
	if v := strings.TrimSpace(r.URL.Query().Get("limit")); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 {
			httpx.RespondError(w, fmt.Errorf("%w: limit must be a positive integer", shared.ErrPrecondition))
			return
		}
		page.Limit = limit
	}
	result, err := h.engine.GetVigencyHistory(r.Context(), clientID, page)
	if err != nil {
		h.fail(w, "page vigencies", err)
		return
	}
	if result.Vigencies == nil {
		result.Vigencies = []vigency.Vigency{}
	}
	httpx.JSON(w, http.StatusOK, historyResponse(result))
}

func (h *Handler) createVigency(w http.ResponseWriter, r *http.Request) {
	var req createVigencyRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %v", shared.ErrPrecondition, err))
		return
	}
	in, err := req.toInput(chi.URLParam(r, "clientID"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	m, err := h.engine.CreateVigency(r.Context(), in)
	if err != nil {
		h.fail(w, "create vigency", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, m)
}

func (h *Handler) editVigency(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.RespondError(w, vigency.ErrVigencyNotFound)
		return
	}
	var req patchVigencyRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %v", shared.ErrPrecondition, err))
		return
	}
	patch, err := req.toPatch()
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	m, err := h.engine.EditVigency(r.Context(), id, patch)
	if err != nil {
		h.fail(w, "edit vigency", err)
		return
	}
	httpx.JSON(w, http.StatusOK, m)
}

func (h *Handler) deleteVigency(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.RespondError(w, vigency.ErrVigencyNotFound)
		return
	}
	cascade, _ := strconv.ParseBool(r.URL.Query().Get("cascade"))
	m, err := h.engine.DeleteVigency(r.Context(), id, cascade)
	if err != nil {
		h.fail(w, "delete vigency", err)
		return
	}
	httpx.JSON(w, http.StatusOK, m)
}

func (h *Handler) vigencyAt(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientID")
	date, err := parseDateParam(r.URL.Query().Get("date"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	v, err := h.engine.GetVigencyAt(r.Context(), clientID, date)
	if err != nil {
		h.fail(w, "resolve vigency", err)
		return
	}
	httpx.JSON(w, http.StatusOK, governingResponse{ClientID: clientID, Date: date.Format(shared.DateLayout), Governing: v})
}

func (h *Handler) recalculate(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientID")
	var req recalculateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %v", shared.ErrPrecondition, err))
		return
	}
	async, _ := strconv.ParseBool(r.URL.Query().Get("async"))

	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	scope := "recalc:" + clientID
	if key != "" && h.idempotency != nil {
		if err := h.idempotency.Claim(r.Context(), key, scope); err != nil {
			h.fail(w, "claim idempotency key", err)
			return
		}
	}

	summary, err := h.engine.RecalculatePeriods(r.Context(), clientID, req.Periods, async)
	if err != nil {
		if key != "" && h.idempotency != nil {
			if relErr := h.idempotency.Release(context.WithoutCancel(r.Context()), key, scope); relErr != nil {
				h.logger.Warn("release idempotency key", slog.Any("error", relErr))
			}
		}
		h.fail(w, "recalculate periods", err)
		return
	}
	if summary == nil {
		httpx.JSON(w, http.StatusAccepted, map[string]any{"client_id": clientID, "queued": true, "periods": req.Periods})
		return
	}
	httpx.JSON(w, http.StatusOK, newRecalculateResponse(*summary))
}

func (h *Handler) periodResult(w http.ResponseWriter, r *http.Request) {
	year, errY := strconv.Atoi(chi.URLParam(r, "year"))
	month, errM := strconv.Atoi(chi.URLParam(r, "month"))
	if errY != nil || errM != nil {
		httpx.RespondError(w, fmt.Errorf("%w: year and month must be integers", shared.ErrPrecondition))
		return
	}
	view, err := h.engine.GetPeriodResult(r.Context(), chi.URLParam(r, "clientID"), shared.Period{Month: month, Year: year})
	if err != nil {
		h.fail(w, "period result", err)
		return
	}
	httpx.JSON(w, http.StatusOK, view)
}

func (h *Handler) viewVersion(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientID")
	version, err := h.engine.ViewVersion(r.Context(), clientID)
	if err != nil {
		h.fail(w, "view version", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"client_id": clientID, "version": version})
}

// fail renders err, attaching conflict details the caller needs to resolve it.
func (h *Handler) fail(w http.ResponseWriter, message string, err error) {
	if httpx.StatusFor(err) >= http.StatusInternalServerError {
		h.logger.Error(message, slog.Any("error", err))
	}
	var (
		conflict *vigency.ConflictError
		stale    *vigency.StaleResultsError
		cascade  *baseline.CascadeError
	)
	switch {
	case errors.As(err, &cascade):
		httpx.RespondErrorWith(w, err, map[string]any{
			"deleted_vigency": cascade.Deleted.ID,
			"periods":         cascade.Periods,
		})
	case errors.As(err, &conflict):
		httpx.RespondErrorWith(w, err, map[string]any{"conflicts": conflict.Conflicts})
	case errors.As(err, &stale):
		httpx.RespondErrorWith(w, err, map[string]any{"periods": stale.Periods})
	default:
		httpx.RespondError(w, err)
	}
}
