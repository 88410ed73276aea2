package rbac

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/odyssey-erp/wholesale/internal/platform/httpx"
	"github.com/odyssey-erp/wholesale/internal/shared"
)

// Headers set by the upstream authentication proxy. Requests without them are anonymous.
const (
	HeaderActorID   = "X-Actor-ID"
	HeaderActorRole = "X-Actor-Role"
)

// Middleware wires role-based authorization helpers for HTTP handlers.
type Middleware struct {
	Logger *slog.Logger
}

// Authenticate reads the trusted actor headers into the request context.
func (m Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawID := strings.TrimSpace(r.Header.Get(HeaderActorID))
		if rawID == "" {
			next.ServeHTTP(w, r)
			return
		}
		id, err := strconv.ParseInt(rawID, 10, 64)
		role := shared.Role(strings.ToLower(strings.TrimSpace(r.Header.Get(HeaderActorRole))))
		if err != nil || id <= 0 || !role.Valid() {
			if m.Logger != nil {
				m.Logger.Warn("rbac invalid actor headers", slog.String("id", rawID), slog.String("role", string(role)))
			}
			httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "invalid actor headers")
			return
		}
		ctx := shared.ContextWithActor(r.Context(), shared.Actor{ID: id, Role: role})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAny ensures the current actor holds one of the given roles.
func (m Middleware) RequireAny(roles ...shared.Role) func(http.Handler) http.Handler {
	allowed := make(map[shared.Role]struct{}, len(roles))
	for _, r := range roles {
		allowed[r] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := shared.ActorFromContext(r.Context())
			if !ok {
				httpx.RespondError(w, shared.ErrUnauthenticated)
				return
			}
			if len(allowed) > 0 {
				if _, ok := allowed[actor.Role]; !ok {
					httpx.RespondError(w, shared.ErrForbidden)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// CanAccessCustomer reports whether the actor may read the given customer's data.
// Customers only see their own account; staff and admins see every account.
func CanAccessCustomer(actor shared.Actor, customerID int64) bool {
	if actor.Role == shared.RoleCustomer {
		return actor.ID == customerID
	}
	return actor.Role.Valid()
}
