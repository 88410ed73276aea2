package credit

import (
	"time"

	"github.com/odyssey-erp/wholesale/internal/money"
)

type openAccountRequest struct {
	Name        string      `json:"name" validate:"required,max=200"`
	CreditLimit money.Money `json:"credit_limit" validate:"gte=0"`
}

type creditLimitRequest struct {
	CreditLimit *money.Money `json:"credit_limit" validate:"required,gte=0"`
}

type paymentRequest struct {
	Amount      money.Money `json:"amount" validate:"gt=0"`
	Method      string      `json:"method" validate:"required,oneof=cash check electronic"`
	CheckNumber string      `json:"check_number" validate:"required_if=Method check,max=64"`
	Notes       string      `json:"notes" validate:"max=500"`
}

type adjustmentRequest struct {
	Amount      money.Money `json:"amount" validate:"ne=0"`
	Description string      `json:"description" validate:"required,max=500"`
	OrderID     *int64      `json:"order_id" validate:"omitempty,gt=0"`
}

type chargeRequest struct {
	Amount      money.Money `json:"amount" validate:"gt=0"`
	Description string      `json:"description" validate:"required,max=500"`
	Override    bool        `json:"override"`
}

type accountResponse struct {
	ID             int64       `json:"id"`
	Name           string      `json:"name"`
	CreditLimit    money.Money `json:"credit_limit"`
	CurrentBalance money.Money `json:"current_balance"`
	Owed           money.Money `json:"owed"`
	Available      money.Money `json:"available_credit"`
	LoyaltyPoints  int64       `json:"loyalty_points"`
	Frozen         bool        `json:"frozen"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

func toAccountResponse(a Account) accountResponse {
	return accountResponse{
		ID:             a.ID,
		Name:           a.Name,
		CreditLimit:    a.CreditLimit,
		CurrentBalance: a.CurrentBalance,
		Owed:           a.Owed(),
		Available:      a.Available(),
		LoyaltyPoints:  a.LoyaltyPoints,
		Frozen:         a.Frozen(),
		UpdatedAt:      a.UpdatedAt,
	}
}

type balanceResponse struct {
	CustomerID int64       `json:"customer_id"`
	Balance    money.Money `json:"balance"`
	Owed       money.Money `json:"owed"`
}

type transactionResponse struct {
	ID            int64       `json:"id"`
	CustomerID    int64       `json:"customer_id"`
	Kind          Kind        `json:"kind"`
	Amount        money.Money `json:"amount"`
	OrderID       *int64      `json:"order_id,omitempty"`
	PaymentMethod string      `json:"payment_method,omitempty"`
	Reference     string      `json:"reference,omitempty"`
	Notes         string      `json:"notes,omitempty"`
	Description   string      `json:"description"`
	ProcessedBy   int64       `json:"processed_by"`
	CreatedAt     time.Time   `json:"created_at"`
}

func toTransactionResponse(t Transaction) transactionResponse {
	resp := transactionResponse{
		ID:          t.ID,
		CustomerID:  t.CustomerID,
		Kind:        t.Kind,
		Amount:      t.Amount,
		OrderID:     t.OrderID,
		Description: t.Description,
		ProcessedBy: t.ProcessedBy,
		CreatedAt:   t.CreatedAt,
	}
	if t.Payment != nil {
		resp.PaymentMethod = string(t.Payment.Method)
		resp.Reference = t.Payment.Reference
		resp.Notes = t.Payment.Notes
	}
	return resp
}

type historyResponse struct {
	Transactions  []transactionResponse `json:"transactions"`
	NextPageToken string                `json:"next_page_token,omitempty"`
}

type reconciliationResponse struct {
	CustomerID       int64       `json:"customer_id"`
	CachedBalance    money.Money `json:"cached_balance"`
	ReplayedBalance  money.Money `json:"replayed_balance"`
	TransactionCount int64       `json:"transaction_count"`
	WasFrozen        bool        `json:"was_frozen"`
}
