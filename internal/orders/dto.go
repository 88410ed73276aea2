package orders

import (
	"time"

	"github.com/odyssey-erp/wholesale/internal/money"
	"github.com/odyssey-erp/wholesale/internal/settlement"
)

type lineRequest struct {
	ProductID int64 `json:"product_id" validate:"gt=0"`
	Quantity  int64 `json:"quantity" validate:"gt=0,max=1000000"`
}

type orderRequest struct {
	CustomerID   int64         `json:"customer_id" validate:"gte=0"`
	Type         string        `json:"type" validate:"required,oneof=delivery pickup"`
	Lines        []lineRequest `json:"lines" validate:"required,min=1,dive"`
	RedeemPoints int64         `json:"redeem_points" validate:"gte=0"`
}

func (r orderRequest) lines() []Line {
	out := make([]Line, 0, len(r.Lines))
	for _, l := range r.Lines {
		out = append(out, Line{ProductID: l.ProductID, Quantity: l.Quantity})
	}
	return out
}

type statusRequest struct {
	Status string `json:"status" validate:"required,oneof=processing ready shipped delivered"`
}

type completeRequest struct {
	PaymentMethod string `json:"payment_method" validate:"required,oneof=cash check credit account_credit"`
	CheckNumber   string `json:"check_number" validate:"required_if=PaymentMethod check,max=64"`
	Notes         string `json:"notes" validate:"max=500"`
}

type reasonRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

type itemResponse struct {
	ProductID  int64       `json:"product_id"`
	Name       string      `json:"name"`
	Quantity   int64       `json:"quantity"`
	UnitPrice  money.Money `json:"unit_price"`
	LineTotal  money.Money `json:"line_total"`
	TaxClasses []string    `json:"tax_classes,omitempty"`
	Tobacco    bool        `json:"tobacco"`
}

func toItemResponses(items []Item) []itemResponse {
	out := make([]itemResponse, 0, len(items))
	for _, it := range items {
		out = append(out, itemResponse{
			ProductID:  it.ProductID,
			Name:       it.Name,
			Quantity:   it.Quantity,
			UnitPrice:  it.UnitPrice,
			LineTotal:  it.UnitPrice.MulQty(it.Quantity),
			TaxClasses: it.TaxClasses,
			Tobacco:    it.Tobacco,
		})
	}
	return out
}

type quoteResponse struct {
	Items             []itemResponse       `json:"items"`
	Breakdown         settlement.Breakdown `json:"breakdown"`
	PointsRedeemed    int64                `json:"points_redeemed"`
	CanPlaceOnAccount bool                 `json:"can_place_on_account"`
	AvailableCredit   money.Money          `json:"available_credit"`
}

type orderResponse struct {
	ID                    int64                `json:"id"`
	CustomerID            int64                `json:"customer_id"`
	Type                  settlement.OrderType `json:"type"`
	Status                Status               `json:"status"`
	Items                 []itemResponse       `json:"items"`
	Breakdown             settlement.Breakdown `json:"breakdown"`
	LoyaltyPointsRedeemed int64                `json:"loyalty_points_redeemed"`
	PaymentMethod         PaymentMethod        `json:"payment_method,omitempty"`
	CheckNumber           string               `json:"check_number,omitempty"`
	PaymentNotes          string               `json:"payment_notes,omitempty"`
	LinkedTransactionID   *int64               `json:"linked_transaction_id,omitempty"`
	ReversalTransactionID *int64               `json:"reversal_transaction_id,omitempty"`
	CompletedAt           *time.Time           `json:"completed_at,omitempty"`
	CancelledAt           *time.Time           `json:"cancelled_at,omitempty"`
	CancellationReason    string               `json:"cancellation_reason,omitempty"`
	CreatedAt             time.Time            `json:"created_at"`
	UpdatedAt             time.Time            `json:"updated_at"`
}

func toOrderResponse(o Order) orderResponse {
	return orderResponse{
		ID:                    o.ID,
		CustomerID:            o.CustomerID,
		Type:                  o.Type,
		Status:                o.Status,
		Items:                 toItemResponses(o.Items),
		Breakdown:             o.Breakdown,
		LoyaltyPointsRedeemed: o.LoyaltyPointsRedeemed,
		PaymentMethod:         o.PaymentMethod,
		CheckNumber:           o.Payment.CheckNumber,
		PaymentNotes:          o.Payment.Notes,
		LinkedTransactionID:   o.LinkedTransactionID,
		ReversalTransactionID: o.ReversalTransactionID,
		CompletedAt:           o.CompletedAt,
		CancelledAt:           o.CancelledAt,
		CancellationReason:    o.CancellationReason,
		CreatedAt:             o.CreatedAt,
		UpdatedAt:             o.UpdatedAt,
	}
}

type listResponse struct {
	Orders     []orderResponse `json:"orders"`
	Page       int             `json:"page"`
	PerPage    int             `json:"per_page"`
	Total      int             `json:"total"`
	TotalPages int             `json:"total_pages"`
}
