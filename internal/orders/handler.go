package orders

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/wholesale/internal/credit"
	"github.com/odyssey-erp/wholesale/internal/platform/httpx"
	"github.com/odyssey-erp/wholesale/internal/rbac"
	"github.com/odyssey-erp/wholesale/internal/settlement"
	"github.com/odyssey-erp/wholesale/internal/shared"
)

// Handler wires HTTP endpoints for orders.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
	rbac      rbac.Middleware
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, rbac rbac.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, validator: validator.New(), rbac: rbac}
}

func (h *Handler) quote(w http.ResponseWriter, r *http.Request) {
	var req orderRequest
	if !h.decode(w, r, &req) || !h.ownCustomer(w, r, &req) {
		return
	}
	q, err := h.service.Quote(r.Context(), QuoteInput{
		CustomerID:   req.CustomerID,
		Type:         settlement.OrderType(req.Type),
		Lines:        req.lines(),
		RedeemPoints: req.RedeemPoints,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, quoteResponse{
		Items:             toItemResponses(q.Items),
		Breakdown:         q.Breakdown,
		PointsRedeemed:    q.PointsRedeemed,
		CanPlaceOnAccount: q.CanPlaceOnAccount,
		AvailableCredit:   q.AvailableCredit,
	})
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req orderRequest
	if !h.decode(w, r, &req) || !h.ownCustomer(w, r, &req) {
		return
	}
	if req.CustomerID == 0 {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "customer_id is required")
		return
	}
	actor, _ := shared.ActorFromContext(r.Context())
	order, err := h.service.Create(r.Context(), CreateInput{
		CustomerID:   req.CustomerID,
		Type:         settlement.OrderType(req.Type),
		Lines:        req.lines(),
		RedeemPoints: req.RedeemPoints,
		CreatedBy:    actor.ID,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toOrderResponse(order))
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	page, err := httpx.QueryInt(r, "page", 1)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	perPage, err := httpx.QueryInt(r, "per_page", 20)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	customerID, err := httpx.QueryInt(r, "customer_id", 0)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	req := ListRequest{CustomerID: int64(customerID), Status: Status(r.URL.Query().Get("status")), Limit: min(perPage, 100)}
	if actor, _ := shared.ActorFromContext(r.Context()); actor.Role == shared.RoleCustomer {
		req.CustomerID = actor.ID
	}
	orders, meta, err := h.service.List(r.Context(), req, page)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	resp := listResponse{Orders: make([]orderResponse, 0, len(orders)), Page: meta.Page, PerPage: meta.PerPage, Total: meta.Total, TotalPages: meta.TotalPages}
	for _, o := range orders {
		resp.Orders = append(resp.Orders, toOrderResponse(o))
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) show(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathInt64(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	order, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	actor, _ := shared.ActorFromContext(r.Context())
	if !rbac.CanAccessCustomer(actor, order.CustomerID) {
		h.respondError(w, r, ErrOrderNotFound)
		return
	}
	httpx.JSON(w, http.StatusOK, toOrderResponse(order))
}

func (h *Handler) recalculate(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathInt64(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	actor, _ := shared.ActorFromContext(r.Context())
	order, err := h.service.Recalculate(r.Context(), id, actor.ID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toOrderResponse(order))
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathInt64(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req statusRequest
	if !h.decode(w, r, &req) {
		return
	}
	actor, _ := shared.ActorFromContext(r.Context())
	order, err := h.service.Transition(r.Context(), id, Status(req.Status), actor.ID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toOrderResponse(order))
}

func (h *Handler) complete(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathInt64(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req completeRequest
	if !h.decode(w, r, &req) {
		return
	}
	actor, _ := shared.ActorFromContext(r.Context())
	order, err := h.service.Complete(r.Context(), id, CompleteInput{
		Method:      PaymentMethod(req.PaymentMethod),
		CheckNumber: req.CheckNumber,
		Notes:       req.Notes,
		Actor:       actor.ID,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toOrderResponse(order))
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	h.reverse(w, r, h.service.Cancel)
}

func (h *Handler) refund(w http.ResponseWriter, r *http.Request) {
	h.reverse(w, r, h.service.Refund)
}

type reverseFunc func(ctx context.Context, id int64, reason string, actor int64) (Order, error)

func (h *Handler) reverse(w http.ResponseWriter, r *http.Request, fn reverseFunc) {
	id, err := httpx.PathInt64(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req reasonRequest
	if !h.decode(w, r, &req) {
		return
	}
	actor, _ := shared.ActorFromContext(r.Context())
	order, err := fn(r.Context(), id, req.Reason, actor.ID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toOrderResponse(order))
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.RespondError(w, err)
		return false
	}
	if err := h.validator.Struct(target); err != nil {
		httpx.RespondError(w, err)
		return false
	}
	return true
}

// ownCustomer pins customer actors to their own account.
func (h *Handler) ownCustomer(w http.ResponseWriter, r *http.Request, req *orderRequest) bool {
	actor, _ := shared.ActorFromContext(r.Context())
	if actor.Role != shared.RoleCustomer {
		return true
	}
	if req.CustomerID == 0 {
		req.CustomerID = actor.ID
	}
	if !rbac.CanAccessCustomer(actor, req.CustomerID) {
		httpx.RespondError(w, shared.ErrForbidden)
		return false
	}
	return true
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrOrderNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", "order not found")
	case errors.Is(err, ErrProductNotFound):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Unknown Product", err.Error())
	case errors.Is(err, ErrInvalidStatus), errors.Is(err, ErrAlreadyRefunded), errors.Is(err, ErrNotRefundable):
		httpx.Problem(w, http.StatusConflict, "Invalid Order State", err.Error())
	case errors.Is(err, ErrInvalidPayment), errors.Is(err, ErrInvalidOrder),
		errors.Is(err, settlement.ErrEmptyOrder), errors.Is(err, settlement.ErrInvalidItem), errors.Is(err, settlement.ErrInvalidOrderType):
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", err.Error())
	default:
		credit.RespondError(w, r, h.logger, err)
	}
}
