package httpapi

import "tollgate/internal/checkout"

// checkoutBody is the POST /checkout request payload. The idempotency key
// travels in the X-Idempotency-Key header, not the body.
type checkoutBody struct {
	CartID  string           `json:"cart_id"`
	Address checkout.Address `json:"address"`
	Payment paymentBody      `json:"payment"`
}

type paymentBody struct {
	Token string `json:"token"`
	Email string `json:"email"`
}

type checkoutResponse struct {
	OrderID string          `json:"order_id"`
	Status  string          `json:"status"`
	Totals  checkout.Totals `json:"totals"`
	Reason  string          `json:"reason,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func toResponse(result checkout.CheckoutResult) checkoutResponse {
	return checkoutResponse{
		OrderID: result.OrderID,
		Status:  string(result.Status),
		Totals:  result.Totals,
		Reason:  result.Reason,
	}
}
