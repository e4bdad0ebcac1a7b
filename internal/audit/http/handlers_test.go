package audithttp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/baseline-engine/internal/audit"
	"github.com/odyssey-erp/baseline-engine/internal/shared"
)

type stubLogService struct {
	page        audit.Page
	all         []audit.Entry
	lastFilters audit.Filters
	lastPage    shared.PageRequest
	allCalls    int
}

func (s *stubLogService) Query(_ context.Context, f audit.Filters, page shared.PageRequest) (audit.Page, error) {
	s.lastFilters = f
	s.lastPage = page
	return s.page, nil
}

func (s *stubLogService) All(_ context.Context, f audit.Filters) ([]audit.Entry, error) {
	s.lastFilters = f
	s.allCalls++
	return s.all, nil
}

func newRouter(service *stubLogService) http.Handler {
	r := chi.NewRouter()
	NewHandler(nil, service).MountRoutes(r)
	return r
}

func TestQueryParsesFilters(t *testing.T) {
	service := &stubLogService{page: audit.Page{
		Entries:    []audit.Entry{{ID: 9, ClientID: "C1", Action: audit.ActionVigencyCreated, ActorID: "alice"}},
		NextCursor: "abc",
	}}
	req := httptest.NewRequest(http.MethodGet, "/audit?client_id=C1&actor_id=alice&action=vigency.created&q=hours&from=2025-01-01&to=2025-01-31&limit=5&cursor=xyz", nil)
	rr := httptest.NewRecorder()
	newRouter(service).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	f := service.lastFilters
	if f.ClientID != "C1" || f.ActorID != "alice" || f.Action != audit.ActionVigencyCreated || f.Search != "hours" {
		t.Fatalf("unexpected filters: %+v", f)
	}
	if !f.From.Equal(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected from: %v", f.From)
	}
	if f.To.Before(time.Date(2025, 1, 31, 23, 59, 0, 0, time.UTC)) {
		t.Fatalf("civil upper bound must cover the whole day, got %v", f.To)
	}
	if service.lastPage.Limit != 5 || service.lastPage.Cursor != "xyz" {
		t.Fatalf("unexpected page: %+v", service.lastPage)
	}
	var body audit.Page
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Entries) != 1 || body.NextCursor != "abc" {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestQueryRejectsBadInput(t *testing.T) {
	service := &stubLogService{}
	for _, target := range []string{"/audit?from=yesterday", "/audit?limit=-1"} {
		rr := httptest.NewRecorder()
		newRouter(service).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, target, nil))
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", target, rr.Code)
		}
	}
}

func TestQueryAllReturnsEveryEntry(t *testing.T) {
	service := &stubLogService{}
	rr := httptest.NewRecorder()
	newRouter(service).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/audit?all=1", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if service.allCalls != 1 {
		t.Fatalf("expected bulk fetch, got %d calls", service.allCalls)
	}
	if !strings.Contains(rr.Body.String(), `"entries":[]`) {
		t.Fatalf("expected empty array, got %s", rr.Body.String())
	}
}

func TestExportWritesCSV(t *testing.T) {
	service := &stubLogService{all: []audit.Entry{{
		ID:          3,
		ClientID:    "C1",
		Action:      audit.ActionPeriodFailed,
		Description: "recalculation of 2025-02 failed",
		ActorID:     "system",
		CreatedAt:   time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC),
	}}}
	rr := httptest.NewRecorder()
	newRouter(service).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/audit/export.csv?client_id=C1", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Fatalf("unexpected content type %q", ct)
	}
	if !strings.Contains(rr.Body.String(), "period.recalculation_failed") {
		t.Fatalf("csv missing entry: %s", rr.Body.String())
	}
}

func TestExportIsRateLimited(t *testing.T) {
	service := &stubLogService{}
	router := newRouter(service)
	last := 0
	for i := 0; i < rateLimit+1; i++ {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/audit/export.csv", nil)
		req = req.WithContext(shared.ContextWithActor(req.Context(), "bulk-exporter"))
		router.ServeHTTP(rr, req)
		last = rr.Code
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after %d exports, got %d", rateLimit, last)
	}
}
