package checkout

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// NewInMemoryCartClient constructs a cart client serving canned carts.
func NewInMemoryCartClient() *InMemoryCartClient {
	return &InMemoryCartClient{carts: make(map[string]storedCart)}
}

type storedCart struct {
	items    []LineItem
	currency string
}

// InMemoryCartClient serves carts seeded through Put. Used in tests and as
// the local-dev fallback when no cart service is configured.
type InMemoryCartClient struct {
	mu    sync.Mutex
	carts map[string]storedCart
}

// Put seeds a cart.
func (c *InMemoryCartClient) Put(cartID string, currency string, items ...LineItem) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.carts[cartID] = storedCart{items: items, currency: currency}
}

func (c *InMemoryCartClient) ReadCart(ctx context.Context, cartID string) ([]LineItem, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cart, ok := c.carts[cartID]
	if !ok {
		return nil, "", Permanent(fmt.Errorf("cart %s not found", cartID))
	}
	return append([]LineItem(nil), cart.items...), cart.currency, nil
}

// NewInMemoryPricingClient constructs a pricing client with fixed charges.
func NewInMemoryPricingClient(tax, shipping Money) *InMemoryPricingClient {
	return &InMemoryPricingClient{tax: tax, shipping: shipping}
}

// InMemoryPricingClient quotes the same tax and shipping for every cart.
type InMemoryPricingClient struct {
	tax      Money
	shipping Money
}

func (c *InMemoryPricingClient) PriceCart(ctx context.Context, items []LineItem, addr Address, currency string) (Quote, error) {
	return Quote{Tax: c.tax, Shipping: c.shipping}, nil
}

// NewInMemoryPaymentClient constructs an in-memory payment client.
func NewInMemoryPaymentClient() *InMemoryPaymentClient {
	return &InMemoryPaymentClient{
		charges: make(map[string]Money),
		refunds: make(map[string]Money),
	}
}

// InMemoryPaymentClient tracks charges and refunds in memory.
type InMemoryPaymentClient struct {
	mu      sync.Mutex
	seq     int
	charges map[string]Money
	refunds map[string]Money

	// DeclineAll makes every charge fail as a permanent decline.
	DeclineAll bool
}

func (c *InMemoryPaymentClient) Charge(ctx context.Context, orderID string, amount Money, info PaymentInfo) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.DeclineAll {
		return "", Permanent(errors.New("payment declined"))
	}
	if _, ok := c.charges[orderID]; ok {
		return "", Permanent(fmt.Errorf("order %s already charged", orderID))
	}
	c.seq++
	c.charges[orderID] = amount
	return fmt.Sprintf("txn-%d", c.seq), nil
}

func (c *InMemoryPaymentClient) Refund(ctx context.Context, orderID, chargeID string, amount Money) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.charges[orderID]; !ok {
		return Permanent(errors.New("refund without charge"))
	}
	c.refunds[orderID] = amount
	return nil
}

// ChargeCount returns how many orders were charged (for tests/inspection).
func (c *InMemoryPaymentClient) ChargeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.charges)
}

// WasRefunded reports whether an order was refunded (for tests/inspection).
func (c *InMemoryPaymentClient) WasRefunded(orderID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.refunds[orderID]
	return ok
}

// NewInMemoryShippingClient constructs an in-memory shipping client.
func NewInMemoryShippingClient() *InMemoryShippingClient {
	return &InMemoryShippingClient{shipments: make(map[string]string)}
}

// InMemoryShippingClient tracks shipment requests in memory.
type InMemoryShippingClient struct {
	mu        sync.Mutex
	seq       int
	shipments map[string]string
}

func (c *InMemoryShippingClient) RequestShipment(ctx context.Context, orderID string, addr Address, items []LineItem) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	tracking := fmt.Sprintf("track-%d", c.seq)
	c.shipments[orderID] = tracking
	return tracking, nil
}

// NoopEmailClient is a stub EmailClient that always succeeds.
type NoopEmailClient struct{}

func (NoopEmailClient) SendConfirmation(ctx context.Context, email string, order *Order) error {
	return nil
}
