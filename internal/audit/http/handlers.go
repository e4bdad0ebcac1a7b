package audithttp

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/odyssey-erp/baseline-engine/internal/audit"
	"github.com/odyssey-erp/baseline-engine/internal/platform/httpx"
	"github.com/odyssey-erp/baseline-engine/internal/shared"
)

// LogService defines the read contract of the audit log.
type LogService interface {
	Query(ctx context.Context, f audit.Filters, page shared.PageRequest) (audit.Page, error)
	All(ctx context.Context, f audit.Filters) ([]audit.Entry, error)
}

// Handler serves audit log queries and exports.
type Handler struct {
	logger  *slog.Logger
	service LogService
}

// NewHandler builds an audit handler.
func NewHandler(logger *slog.Logger, service LogService) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service}
}

func (h *Handler) handleQuery(w http.ResponseWriter, r *http.Request) {
	filters, err := parseFilters(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	page, err := parsePage(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if r.URL.Query().Get("all") == "1" {
		entries, err := h.service.All(r.Context(), filters)
		if err != nil {
			h.respond(w, "query audit log", err)
			return
		}
		httpx.JSON(w, http.StatusOK, audit.Page{Entries: nonNil(entries)})
		return
	}
	result, err := h.service.Query(r.Context(), filters, page)
	if err != nil {
		h.respond(w, "query audit log", err)
		return
	}
	result.Entries = nonNil(result.Entries)
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	filters, err := parseFilters(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	entries, err := h.service.All(r.Context(), filters)
	if err != nil {
		h.respond(w, "export audit log", err)
		return
	}
	csvBytes, err := audit.WriteCSV(entries)
	if err != nil {
		h.respond(w, "encode csv", err)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", "attachment; filename=\"audit-log.csv\"")
	if _, err := w.Write(csvBytes); err != nil {
		h.logger.Warn("write csv", slog.Any("error", err))
	}
}

func (h *Handler) respond(w http.ResponseWriter, message string, err error) {
	if httpx.StatusFor(err) >= http.StatusInternalServerError {
		h.logger.Error(message, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func parseFilters(r *http.Request) (audit.Filters, error) {
	q := r.URL.Query()
	from, err := parseBound(q.Get("from"), false)
	if err != nil {
		return audit.Filters{}, err
	}
	to, err := parseBound(q.Get("to"), true)
	if err != nil {
		return audit.Filters{}, err
	}
	return audit.Filters{
		ClientID: strings.TrimSpace(q.Get("client_id")),
		ActorID:  strings.TrimSpace(q.Get("actor_id")),
		Action:   audit.Action(strings.TrimSpace(q.Get("action"))),
		Search:   strings.TrimSpace(q.Get("q")),
		From:     from,
		To:       to,
	}, nil
}

// parseBound accepts a civil date or an RFC3339 timestamp. A civil upper bound covers the
// whole day.
func parseBound(value string, upper bool) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	d, err := shared.ParseDate(value)
	if err != nil {
		return time.Time{}, errors.Join(shared.ErrPrecondition, err)
	}
	if upper {
		return d.Add(24*time.Hour - time.Nanosecond), nil
	}
	return d, nil
}

func parsePage(r *http.Request) (shared.PageRequest, error) {
	page := shared.PageRequest{Cursor: strings.TrimSpace(r.URL.Query().Get("cursor"))}
	if v := strings.TrimSpace(r.URL.Query().Get("limit")); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 {
			return shared.PageRequest{}, errors.Join(shared.ErrPrecondition, errors.New("limit must be a positive integer"))
		}
		page.Limit = limit
	}
	return page, nil
}

func nonNil(entries []audit.Entry) []audit.Entry {
	if entries == nil {
		return []audit.Entry{}
	}
	return entries
}
