package credit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/wholesale/internal/platform/httpx"
	"github.com/odyssey-erp/wholesale/internal/rbac"
	"github.com/odyssey-erp/wholesale/internal/shared"
)

// IdempotencyStore deduplicates client retries by key.
type IdempotencyStore interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key, module string) error
}

// HeaderIdempotencyKey carries the client-chosen deduplication key.
const HeaderIdempotencyKey = "Idempotency-Key"

// Handler wires HTTP endpoints for customer credit accounts.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	idem      IdempotencyStore
	validator *validator.Validate
	rbac      rbac.Middleware
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, idem IdempotencyStore, rbac rbac.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, idem: idem, validator: validator.New(), rbac: rbac}
}

func (h *Handler) openAccount(w http.ResponseWriter, r *http.Request) {
	actor, _ := shared.ActorFromContext(r.Context())
	var req openAccountRequest
	if !h.decode(w, r, &req) {
		return
	}
	acct, err := h.service.OpenAccount(r.Context(), OpenAccountInput{Name: req.Name, CreditLimit: req.CreditLimit, ProcessedBy: actor.ID})
	if err != nil {
		RespondError(w, r, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toAccountResponse(acct))
}

func (h *Handler) showAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := h.customerParam(w, r)
	if !ok {
		return
	}
	acct, err := h.service.GetAccount(r.Context(), id)
	if err != nil {
		RespondError(w, r, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toAccountResponse(acct))
}

func (h *Handler) showBalance(w http.ResponseWriter, r *http.Request) {
	id, ok := h.customerParam(w, r)
	if !ok {
		return
	}
	balance, err := h.service.GetBalance(r.Context(), id)
	if err != nil {
		RespondError(w, r, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, balanceResponse{CustomerID: id, Balance: balance, Owed: Owed(balance)})
}

func (h *Handler) listTransactions(w http.ResponseWriter, r *http.Request) {
	id, ok := h.customerParam(w, r)
	if !ok {
		return
	}
	size, err := httpx.QueryInt(r, "page_size", DefaultPageSize)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	page, err := h.service.HistoryPage(r.Context(), id, PageRequest{Token: r.URL.Query().Get("page_token"), Size: size})
	if err != nil {
		RespondError(w, r, h.logger, err)
		return
	}
	resp := historyResponse{Transactions: make([]transactionResponse, 0, len(page.Transactions)), NextPageToken: page.NextToken}
	for _, txn := range page.Transactions {
		resp.Transactions = append(resp.Transactions, toTransactionResponse(txn))
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) setCreditLimit(w http.ResponseWriter, r *http.Request) {
	id, ok := h.customerParam(w, r)
	if !ok {
		return
	}
	actor, _ := shared.ActorFromContext(r.Context())
	var req creditLimitRequest
	if !h.decode(w, r, &req) {
		return
	}
	acct, err := h.service.SetCreditLimit(r.Context(), id, *req.CreditLimit, actor.ID)
	if err != nil {
		RespondError(w, r, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toAccountResponse(acct))
}

func (h *Handler) recordPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.customerParam(w, r)
	if !ok {
		return
	}
	actor, _ := shared.ActorFromContext(r.Context())
	var req paymentRequest
	if !h.decode(w, r, &req) {
		return
	}
	module := "credit.payment:" + strconv.FormatInt(id, 10)
	key := r.Header.Get(HeaderIdempotencyKey)
	if key != "" && h.idem != nil {
		if err := h.idem.CheckAndInsert(r.Context(), key, module); err != nil {
			httpx.RespondError(w, err)
			return
		}
	}
	txn, err := h.service.ApplyPayment(r.Context(), PaymentInput{
		CustomerID:  id,
		Amount:      req.Amount,
		Method:      PaymentMethod(req.Method),
		Reference:   req.CheckNumber,
		Notes:       req.Notes,
		ProcessedBy: actor.ID,
	})
	if err != nil {
		if key != "" && h.idem != nil {
			if derr := h.idem.Delete(r.Context(), key, module); derr != nil {
				h.logger.Warn("release idempotency key", slog.String("key", key), slog.Any("error", derr))
			}
		}
		RespondError(w, r, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toTransactionResponse(txn))
}

func (h *Handler) recordAdjustment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.customerParam(w, r)
	if !ok {
		return
	}
	actor, _ := shared.ActorFromContext(r.Context())
	var req adjustmentRequest
	if !h.decode(w, r, &req) {
		return
	}
	txn, err := h.service.ApplyAdjustment(r.Context(), AdjustmentInput{
		CustomerID:  id,
		Amount:      req.Amount,
		Description: req.Description,
		OrderID:     req.OrderID,
		ProcessedBy: actor.ID,
	})
	if err != nil {
		RespondError(w, r, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toTransactionResponse(txn))
}

func (h *Handler) recordCharge(w http.ResponseWriter, r *http.Request) {
	id, ok := h.customerParam(w, r)
	if !ok {
		return
	}
	actor, _ := shared.ActorFromContext(r.Context())
	var req chargeRequest
	if !h.decode(w, r, &req) {
		return
	}
	txn, err := h.service.ApplyCharge(r.Context(), ChargeInput{
		CustomerID:  id,
		Amount:      req.Amount,
		Description: req.Description,
		ProcessedBy: actor.ID,
		Override:    req.Override,
	})
	if err != nil {
		RespondError(w, r, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toTransactionResponse(txn))
}

func (h *Handler) reconcile(w http.ResponseWriter, r *http.Request) {
	id, ok := h.customerParam(w, r)
	if !ok {
		return
	}
	actor, _ := shared.ActorFromContext(r.Context())
	rec, err := h.service.Reconcile(r.Context(), id, actor.ID)
	if err != nil {
		RespondError(w, r, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, reconciliationResponse{
		CustomerID:       rec.CustomerID,
		CachedBalance:    rec.CachedBalance,
		ReplayedBalance:  rec.ReplayedBalance,
		TransactionCount: rec.TransactionCount,
		WasFrozen:        rec.Frozen,
	})
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

// customerParam parses {id} and enforces that customers only reach their own account.
func (h *Handler) customerParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := httpx.PathInt64(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return 0, false
	}
	actor, _ := shared.ActorFromContext(r.Context())
	if !rbac.CanAccessCustomer(actor, id) {
		httpx.RespondError(w, shared.ErrForbidden)
		return 0, false
	}
	return id, true
}

// RespondError maps ledger error kinds to problem responses. Corruption details are logged and
// only echoed to admins; everyone else gets the incident reference.
func RespondError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	var (
		insufficient *InsufficientCreditError
		corruption   *CorruptionError
	)
	switch {
	case errors.As(err, &corruption):
		actor, _ := shared.ActorFromContext(r.Context())
		if actor.IsAdmin() {
			httpx.JSON(w, http.StatusInternalServerError, httpx.ProblemDetail{
				Title:    "Ledger unavailable",
				Status:   http.StatusInternalServerError,
				Detail:   fmt.Sprintf("cached balance %s disagrees with replayed balance %s", corruption.Cached, corruption.Replayed),
				Incident: corruption.Incident,
			})
			return
		}
		httpx.IncidentProblem(w, "Ledger unavailable", corruption.Incident)
	case errors.Is(err, ErrLedgerCorruption):
		httpx.Problem(w, http.StatusInternalServerError, "Ledger unavailable", "account is frozen pending reconciliation")
	case errors.As(err, &insufficient):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Insufficient Credit", insufficient.Error())
	case errors.Is(err, ErrCustomerNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", "customer not found")
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidTransaction), errors.Is(err, ErrInvalidPageToken):
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", err.Error())
	case errors.Is(err, ErrAlreadySettled):
		httpx.Problem(w, http.StatusConflict, "Already Settled", err.Error())
	case errors.Is(err, ErrInsufficientPoints):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Insufficient Loyalty Points", err.Error())
	case errors.Is(err, ErrConcurrentModification):
		httpx.Problem(w, http.StatusConflict, "Concurrent Modification", "the account is busy, please retry")
	default:
		if logger != nil && !isClientError(err) {
			logger.Error("credit request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
		}
		httpx.RespondError(w, err)
	}
}

func isClientError(err error) bool {
	var verrs validator.ValidationErrors
	return errors.As(err, &verrs) ||
		errors.Is(err, httpx.ErrValidation) ||
		errors.Is(err, shared.ErrForbidden) ||
		errors.Is(err, shared.ErrUnauthenticated) ||
		errors.Is(err, shared.ErrIdempotencyConflict)
}
