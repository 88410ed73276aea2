package credit_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/wholesale/internal/credit"
	"github.com/odyssey-erp/wholesale/internal/credit/memstore"
	"github.com/odyssey-erp/wholesale/internal/money"
	"github.com/odyssey-erp/wholesale/internal/platform/httpx"
	"github.com/odyssey-erp/wholesale/internal/rbac"
	"github.com/odyssey-erp/wholesale/internal/shared"
)

type apiClient struct {
	t      *testing.T
	router http.Handler
}

func newAPI(t *testing.T) (*apiClient, *memstore.Store) {
	t.Helper()
	store := memstore.New()
	svc := credit.NewService(store, credit.NewLocalLocker(time.Second), credit.DefaultOptions(), nil, nil)
	mw := rbac.Middleware{}
	h := credit.NewHandler(nil, svc, shared.NewMemoryIdempotencyStore(), mw)
	r := chi.NewRouter()
	r.Use(mw.Authenticate)
	r.Route("/customers", h.MountRoutes)
	return &apiClient{t: t, router: r}, store
}

func (c *apiClient) do(method, path, role string, actorID string, body string, headers ...string) *httptest.ResponseRecorder {
	c.t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if role != "" {
		req.Header.Set(rbac.HeaderActorID, actorID)
		req.Header.Set(rbac.HeaderActorRole, role)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	c.router.ServeHTTP(rr, req)
	return rr
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func TestCreditAPIFlow(t *testing.T) {
	api, _ := newAPI(t)

	rr := api.do(http.MethodPost, "/customers", "staff", "2", `{"name":"Corner Market","credit_limit":"500.00"}`)
	require.Equal(t, http.StatusForbidden, rr.Code)

	rr = api.do(http.MethodPost, "/customers", "admin", "1", `{"name":"Corner Market","credit_limit":"500.00"}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	acct := decodeBody[map[string]any](t, rr)
	require.Equal(t, "500.00", acct["available_credit"])

	rr = api.do(http.MethodPost, "/customers/1/charges", "admin", "1", `{"amount":"480.00","description":"opening balance"}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	rr = api.do(http.MethodPost, "/customers/1/charges", "admin", "1", `{"amount":"30.00","description":"extra"}`)
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	problem := decodeBody[httpx.ProblemDetail](t, rr)
	require.Equal(t, "insufficient available credit: available $20.00, order total $30.00", problem.Detail)

	rr = api.do(http.MethodPost, "/customers/1/payments", "admin", "1", `{"amount":"50.00","method":"check"}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "required_if", decodeBody[httpx.ProblemDetail](t, rr).Fields["CheckNumber"])

	body := `{"amount":"50.00","method":"check","check_number":"1001"}`
	rr = api.do(http.MethodPost, "/customers/1/payments", "admin", "1", body, credit.HeaderIdempotencyKey, "pay-1")
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	rr = api.do(http.MethodPost, "/customers/1/payments", "admin", "1", body, credit.HeaderIdempotencyKey, "pay-1")
	require.Equal(t, http.StatusConflict, rr.Code)

	rr = api.do(http.MethodGet, "/customers/1/balance", "customer", "1", "")
	require.Equal(t, http.StatusOK, rr.Code)
	balance := decodeBody[map[string]any](t, rr)
	require.Equal(t, "-430.00", balance["balance"])
	require.Equal(t, "430.00", balance["owed"])

	rr = api.do(http.MethodGet, "/customers/1/balance", "customer", "2", "")
	require.Equal(t, http.StatusForbidden, rr.Code)

	rr = api.do(http.MethodGet, "/customers/1/transactions?page_size=1", "staff", "2", "")
	require.Equal(t, http.StatusOK, rr.Code)
	history := decodeBody[struct {
		Transactions []map[string]any `json:"transactions"`
		Next         string           `json:"next_page_token"`
	}](t, rr)
	require.Len(t, history.Transactions, 1)
	require.Equal(t, "payment", history.Transactions[0]["kind"])
	require.NotEmpty(t, history.Next)

	rr = api.do(http.MethodPut, "/customers/1/credit-limit", "admin", "1", `{"credit_limit":"0"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = api.do(http.MethodGet, "/customers/99", "admin", "1", "")
	require.Equal(t, http.StatusNotFound, rr.Code)

	rr = api.do(http.MethodGet, "/customers/1", "", "", "")
	require.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestCreditAPICorruptionShowsIncidentOnly(t *testing.T) {
	api, store := newAPI(t)
	rr := api.do(http.MethodPost, "/customers", "admin", "1", `{"name":"Deli","credit_limit":"100.00"}`)
	require.Equal(t, http.StatusCreated, rr.Code)
	store.Tamper(1, money.MustParse("1.00"))

	rr = api.do(http.MethodGet, "/customers/1/balance", "staff", "3", "")
	require.Equal(t, http.StatusInternalServerError, rr.Code)
	problem := decodeBody[httpx.ProblemDetail](t, rr)
	require.Equal(t, "Ledger unavailable", problem.Title)
	require.NotEmpty(t, problem.Incident)
	require.Empty(t, problem.Detail)

	rr = api.do(http.MethodPost, "/customers/1/reconcile", "admin", "1", "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	rr = api.do(http.MethodGet, "/customers/1/balance", "staff", "3", "")
	require.Equal(t, http.StatusOK, rr.Code)
}
