package checkout

import "context"

// Quote holds the gateway-computed charges for a cart.
type Quote struct {
	Tax      Money
	Shipping Money
}

// CartClient reads the contents of a stored cart.
type CartClient interface {
	ReadCart(ctx context.Context, cartID string) ([]LineItem, string, error)
}

// PricingClient computes tax and shipping cost for an order.
type PricingClient interface {
	PriceCart(ctx context.Context, items []LineItem, addr Address, currency string) (Quote, error)
}

// PaymentClient charges and refunds a payment instrument.
type PaymentClient interface {
	Charge(ctx context.Context, orderID string, amount Money, info PaymentInfo) (string, error)
	Refund(ctx context.Context, orderID, chargeID string, amount Money) error
}

// ShippingClient requests a shipment for a charged order.
type ShippingClient interface {
	RequestShipment(ctx context.Context, orderID string, addr Address, items []LineItem) (string, error)
}

// EmailClient dispatches the order confirmation.
type EmailClient interface {
	SendConfirmation(ctx context.Context, email string, order *Order) error
}

// PaymentInfo is the opaque payment instrument handed through to the
// payment provider. The core never interprets it.
type PaymentInfo struct {
	Token string `json:"token"`
	Email string `json:"email"`
}

// Clients bundles the five outbound capabilities the saga drives.
type Clients struct {
	Cart     CartClient
	Pricing  PricingClient
	Payment  PaymentClient
	Shipping ShippingClient
	Email    EmailClient
}

// ReliableCartClient wraps a CartClient in a reliability envelope.
type ReliableCartClient struct {
	base CartClient
	dep  *Dependency
}

// NewReliableCartClient constructs a reliability-wrapped cart client.
func NewReliableCartClient(base CartClient, dep *Dependency) *ReliableCartClient {
	return &ReliableCartClient{base: base, dep: dep}
}

func (c *ReliableCartClient) ReadCart(ctx context.Context, cartID string) ([]LineItem, string, error) {
	var items []LineItem
	var currency string
	err := c.dep.Invoke(ctx, func(ctx context.Context) error {
		var err error
		items, currency, err = c.base.ReadCart(ctx, cartID)
		return err
	})
	return items, currency, err
}

// ReliablePricingClient wraps a PricingClient in a reliability envelope.
type ReliablePricingClient struct {
	base PricingClient
	dep  *Dependency
}

// NewReliablePricingClient constructs a reliability-wrapped pricing client.
func NewReliablePricingClient(base PricingClient, dep *Dependency) *ReliablePricingClient {
	return &ReliablePricingClient{base: base, dep: dep}
}

func (c *ReliablePricingClient) PriceCart(ctx context.Context, items []LineItem, addr Address, currency string) (Quote, error) {
	var quote Quote
	err := c.dep.Invoke(ctx, func(ctx context.Context) error {
		var err error
		quote, err = c.base.PriceCart(ctx, items, addr, currency)
		return err
	})
	return quote, err
}

// ReliablePaymentClient wraps a PaymentClient in a reliability envelope.
type ReliablePaymentClient struct {
	base PaymentClient
	dep  *Dependency
}

// NewReliablePaymentClient constructs a reliability-wrapped payment client.
func NewReliablePaymentClient(base PaymentClient, dep *Dependency) *ReliablePaymentClient {
	return &ReliablePaymentClient{base: base, dep: dep}
}

func (c *ReliablePaymentClient) Charge(ctx context.Context, orderID string, amount Money, info PaymentInfo) (string, error) {
	var chargeID string
	err := c.dep.Invoke(ctx, func(ctx context.Context) error {
		var err error
		chargeID, err = c.base.Charge(ctx, orderID, amount, info)
		return err
	})
	return chargeID, err
}

func (c *ReliablePaymentClient) Refund(ctx context.Context, orderID, chargeID string, amount Money) error {
	return c.dep.Invoke(ctx, func(ctx context.Context) error {
		return c.base.Refund(ctx, orderID, chargeID, amount)
	})
}

// ReliableShippingClient wraps a ShippingClient in a reliability envelope.
type ReliableShippingClient struct {
	base ShippingClient
	dep  *Dependency
}

// NewReliableShippingClient constructs a reliability-wrapped shipping client.
func NewReliableShippingClient(base ShippingClient, dep *Dependency) *ReliableShippingClient {
	return &ReliableShippingClient{base: base, dep: dep}
}

func (c *ReliableShippingClient) RequestShipment(ctx context.Context, orderID string, addr Address, items []LineItem) (string, error) {
	var trackingID string
	err := c.dep.Invoke(ctx, func(ctx context.Context) error {
		var err error
		trackingID, err = c.base.RequestShipment(ctx, orderID, addr, items)
		return err
	})
	return trackingID, err
}

// ReliableEmailClient wraps an EmailClient in a reliability envelope.
type ReliableEmailClient struct {
	base EmailClient
	dep  *Dependency
}

// NewReliableEmailClient constructs a reliability-wrapped email client.
func NewReliableEmailClient(base EmailClient, dep *Dependency) *ReliableEmailClient {
	return &ReliableEmailClient{base: base, dep: dep}
}

func (c *ReliableEmailClient) SendConfirmation(ctx context.Context, email string, order *Order) error {
	return c.dep.Invoke(ctx, func(ctx context.Context) error {
		return c.base.SendConfirmation(ctx, email, order)
	})
}
