package credit

import (
	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/wholesale/internal/shared"
)

// MountRoutes registers customer credit routes. Mount under /customers.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(shared.RoleAdmin, shared.RoleStaff, shared.RoleCustomer))
		r.Get("/{id}", h.showAccount)
		r.Get("/{id}/balance", h.showBalance)
		r.Get("/{id}/transactions", h.listTransactions)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(shared.RoleAdmin))
		r.Post("/", h.openAccount)
		r.Put("/{id}/credit-limit", h.setCreditLimit)
		r.Post("/{id}/payments", h.recordPayment)
		r.Post("/{id}/adjustments", h.recordAdjustment)
		r.Post("/{id}/charges", h.recordCharge)
		r.Post("/{id}/reconcile", h.reconcile)
	})
}
