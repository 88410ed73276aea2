package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/wholesale/internal/credit"
	"github.com/odyssey-erp/wholesale/internal/orders"
	"github.com/odyssey-erp/wholesale/internal/rbac"
	"github.com/odyssey-erp/wholesale/jobs"
)

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	cfg := memoryConfig()
	services, err := NewServices(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(services.Close)
	mw := rbac.Middleware{}
	return NewRouter(RouterParams{
		Config:         cfg,
		RBACMiddleware: mw,
		CreditHandler:  credit.NewHandler(nil, services.Ledger, services.Idempotency, mw),
		OrdersHandler:  orders.NewHandler(nil, services.Orders, mw),
		JobHandler:     jobs.NewHandler(nil, nil),
		Metrics:        services.Metrics,
	})
}

func TestRouterHealthAndSecurityHeaders(t *testing.T) {
	router := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	require.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	require.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestRouterMountsDomainRoutes(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/customers/", strings.NewReader(`{"name":"Corner Market","credit_limit":"500.00"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(rbac.HeaderActorID, "1")
	req.Header.Set(rbac.HeaderActorRole, "admin")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/orders/", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"queue":"default"`)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "wholesale_http_requests_total")
}
