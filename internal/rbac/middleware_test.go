package rbac

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/wholesale/internal/shared"
)

func serve(h http.Handler, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestRequireAny(t *testing.T) {
	m := Middleware{}
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, _ := shared.ActorFromContext(r.Context())
		require.Equal(t, int64(5), actor.ID)
		w.WriteHeader(http.StatusNoContent)
	})
	h := m.Authenticate(m.RequireAny(shared.RoleAdmin, shared.RoleStaff)(ok))

	require.Equal(t, http.StatusUnauthorized, serve(h, nil).Code)
	require.Equal(t, http.StatusUnauthorized, serve(h, map[string]string{HeaderActorID: "x", HeaderActorRole: "admin"}).Code)
	require.Equal(t, http.StatusForbidden, serve(h, map[string]string{HeaderActorID: "5", HeaderActorRole: "customer"}).Code)
	require.Equal(t, http.StatusNoContent, serve(h, map[string]string{HeaderActorID: "5", HeaderActorRole: "Staff"}).Code)
}

func TestCanAccessCustomer(t *testing.T) {
	require.True(t, CanAccessCustomer(shared.Actor{ID: 3, Role: shared.RoleCustomer}, 3))
	require.False(t, CanAccessCustomer(shared.Actor{ID: 3, Role: shared.RoleCustomer}, 4))
	require.True(t, CanAccessCustomer(shared.Actor{ID: 1, Role: shared.RoleStaff}, 4))
	require.False(t, CanAccessCustomer(shared.Actor{}, 4))
}
