package orders

import (
	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/wholesale/internal/shared"
)

// MountRoutes registers order routes. Mount under /orders.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(shared.RoleAdmin, shared.RoleStaff, shared.RoleCustomer))
		r.Post("/quote", h.quote)
		r.Post("/", h.create)
		r.Get("/", h.list)
		r.Get("/{id}", h.show)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(shared.RoleAdmin, shared.RoleStaff))
		r.Post("/{id}/recalculate", h.recalculate)
		r.Post("/{id}/status", h.transition)
		r.Post("/{id}/complete", h.complete)
		r.Post("/{id}/cancel", h.cancel)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(shared.RoleAdmin))
		r.Post("/{id}/refund", h.refund)
	})
}
