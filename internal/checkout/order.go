package checkout

import (
	"errors"
	"fmt"
	"time"

	"tollgate/internal/checkout/saga"
)

// ErrInvalidOrder indicates the order input failed validation.
var ErrInvalidOrder = errors.New("invalid order")

// LineItem is one priced cart entry. Owned exclusively by its Order.
type LineItem struct {
	ProductID string `json:"product_id"`
	Quantity  int64  `json:"quantity"`
	UnitPrice Money  `json:"unit_price"`
}

// Address is the shipping destination for an order.
type Address struct {
	Street  string `json:"street"`
	City    string `json:"city"`
	State   string `json:"state"`
	Country string `json:"country"`
	ZipCode string `json:"zip_code"`
}

// Totals are the computed charges for an order. GrandTotal is frozen once
// the saga reaches StateCharged.
type Totals struct {
	Subtotal   Money `json:"subtotal"`
	Tax        Money `json:"tax"`
	Shipping   Money `json:"shipping"`
	GrandTotal Money `json:"grand_total"`
}

// Order is the per-checkout record. Mutated only by the saga service and
// immutable once its state is terminal.
type Order struct {
	ID        string     `json:"id"`
	Items     []LineItem `json:"items"`
	Currency  string     `json:"currency"`
	Email     string     `json:"email,omitempty"`
	Address   Address    `json:"address"`
	Totals    Totals     `json:"totals"`
	State     saga.State `json:"state"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Validate checks the structural invariants of an order's items and address.
func (o *Order) Validate() error {
	if len(o.Items) == 0 {
		return fmt.Errorf("%w: no line items", ErrInvalidOrder)
	}
	for _, item := range o.Items {
		if item.ProductID == "" {
			return fmt.Errorf("%w: line item missing product id", ErrInvalidOrder)
		}
		if item.Quantity <= 0 {
			return fmt.Errorf("%w: quantity must be positive for %s", ErrInvalidOrder, item.ProductID)
		}
		if item.UnitPrice.Currency != o.Currency {
			return fmt.Errorf("%w: %s priced in %s, order currency %s",
				ErrInvalidOrder, item.ProductID, item.UnitPrice.Currency, o.Currency)
		}
		if item.UnitPrice.IsNegative() {
			return fmt.Errorf("%w: negative unit price for %s", ErrInvalidOrder, item.ProductID)
		}
	}
	if o.Address.Street == "" || o.Address.Country == "" {
		return fmt.Errorf("%w: incomplete shipping address", ErrInvalidOrder)
	}
	return nil
}

// Subtotal sums quantity times unit price across the line items.
func (o *Order) Subtotal() (Money, error) {
	sum := Money{Currency: o.Currency}
	for _, item := range o.Items {
		var err error
		sum, err = sum.Add(item.UnitPrice.MulInt(item.Quantity))
		if err != nil {
			return Money{}, err
		}
	}
	return sum, nil
}
