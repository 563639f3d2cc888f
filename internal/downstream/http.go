// Package downstream provides HTTP/JSON adapters for the outbound
// capabilities the saga drives. Each adapter classifies provider failures
// at the edge, so the state machine only ever sees the classification.
package downstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"tollgate/internal/checkout"
	"tollgate/internal/telemetry"
)

// Caller is the shared HTTP plumbing: JSON codec, causal-context
// injection, and error classification by status code.
type Caller struct {
	client *http.Client
	prop   *telemetry.Propagator
}

// NewCaller constructs a Caller. A nil client uses a default with a
// conservative timeout; the per-call timeout still comes from the gateway.
func NewCaller(client *http.Client) *Caller {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Caller{client: client, prop: telemetry.NewPropagator()}
}

func (c *Caller) do(ctx context.Context, method, url string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return checkout.Permanent(fmt.Errorf("encode request: %w", err))
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return checkout.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.prop.InjectHTTP(ctx, req.Header)

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return checkout.Transient(err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return checkout.Transient(fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// classifyStatus maps provider status codes onto the failure taxonomy.
// 5xx and 429 are transient; payment-required and other 4xx are permanent.
func classifyStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return checkout.Transient(fmt.Errorf("%s: %s", resp.Request.URL.Host, resp.Status))
	default:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return checkout.Permanent(fmt.Errorf("%s: %s: %s",
			resp.Request.URL.Host, resp.Status, bytes.TrimSpace(detail)))
	}
}

// CartService reads carts over HTTP.
type CartService struct {
	caller  *Caller
	baseURL string
}

// NewCartService constructs a cart adapter for the given endpoint.
func NewCartService(caller *Caller, baseURL string) *CartService {
	return &CartService{caller: caller, baseURL: baseURL}
}

type cartResponse struct {
	Currency string              `json:"currency"`
	Items    []checkout.LineItem `json:"items"`
}

func (s *CartService) ReadCart(ctx context.Context, cartID string) ([]checkout.LineItem, string, error) {
	var resp cartResponse
	err := s.caller.do(ctx, http.MethodGet, s.baseURL+"/carts/"+cartID, nil, &resp)
	if err != nil {
		return nil, "", err
	}
	return resp.Items, resp.Currency, nil
}

// PricingService quotes tax and shipping over HTTP.
type PricingService struct {
	caller  *Caller
	baseURL string
}

// NewPricingService constructs a pricing adapter for the given endpoint.
func NewPricingService(caller *Caller, baseURL string) *PricingService {
	return &PricingService{caller: caller, baseURL: baseURL}
}

type quoteRequest struct {
	Items    []checkout.LineItem `json:"items"`
	Address  checkout.Address    `json:"address"`
	Currency string              `json:"currency"`
}

type quoteResponse struct {
	Tax      checkout.Money `json:"tax"`
	Shipping checkout.Money `json:"shipping"`
}

func (s *PricingService) PriceCart(ctx context.Context, items []checkout.LineItem, addr checkout.Address, currency string) (checkout.Quote, error) {
	var resp quoteResponse
	err := s.caller.do(ctx, http.MethodPost, s.baseURL+"/quote",
		quoteRequest{Items: items, Address: addr, Currency: currency}, &resp)
	if err != nil {
		return checkout.Quote{}, err
	}
	return checkout.Quote{Tax: resp.Tax, Shipping: resp.Shipping}, nil
}

// PaymentService charges and refunds over HTTP.
type PaymentService struct {
	caller  *Caller
	baseURL string
}

// NewPaymentService constructs a payment adapter for the given endpoint.
func NewPaymentService(caller *Caller, baseURL string) *PaymentService {
	return &PaymentService{caller: caller, baseURL: baseURL}
}

type chargeRequest struct {
	OrderID string         `json:"order_id"`
	Amount  checkout.Money `json:"amount"`
	Token   string         `json:"token"`
}

type chargeResponse struct {
	TransactionID string `json:"transaction_id"`
}

func (s *PaymentService) Charge(ctx context.Context, orderID string, amount checkout.Money, info checkout.PaymentInfo) (string, error) {
	var resp chargeResponse
	err := s.caller.do(ctx, http.MethodPost, s.baseURL+"/charge",
		chargeRequest{OrderID: orderID, Amount: amount, Token: info.Token}, &resp)
	if err != nil {
		return "", err
	}
	return resp.TransactionID, nil
}

type refundRequest struct {
	OrderID       string         `json:"order_id"`
	TransactionID string         `json:"transaction_id"`
	Amount        checkout.Money `json:"amount"`
}

func (s *PaymentService) Refund(ctx context.Context, orderID, chargeID string, amount checkout.Money) error {
	return s.caller.do(ctx, http.MethodPost, s.baseURL+"/refund",
		refundRequest{OrderID: orderID, TransactionID: chargeID, Amount: amount}, nil)
}

// ShippingService requests shipments over HTTP.
type ShippingService struct {
	caller  *Caller
	baseURL string
}

// NewShippingService constructs a shipping adapter for the given endpoint.
func NewShippingService(caller *Caller, baseURL string) *ShippingService {
	return &ShippingService{caller: caller, baseURL: baseURL}
}

type shipmentRequest struct {
	OrderID string              `json:"order_id"`
	Address checkout.Address    `json:"address"`
	Items   []checkout.LineItem `json:"items"`
}

type shipmentResponse struct {
	TrackingID string `json:"tracking_id"`
}

func (s *ShippingService) RequestShipment(ctx context.Context, orderID string, addr checkout.Address, items []checkout.LineItem) (string, error) {
	var resp shipmentResponse
	err := s.caller.do(ctx, http.MethodPost, s.baseURL+"/shipments",
		shipmentRequest{OrderID: orderID, Address: addr, Items: items}, &resp)
	if err != nil {
		return "", err
	}
	return resp.TrackingID, nil
}

// EmailService dispatches confirmation emails over HTTP.
type EmailService struct {
	caller  *Caller
	baseURL string
}

// NewEmailService constructs an email adapter for the given endpoint.
func NewEmailService(caller *Caller, baseURL string) *EmailService {
	return &EmailService{caller: caller, baseURL: baseURL}
}

type confirmationRequest struct {
	Email   string          `json:"email"`
	OrderID string          `json:"order_id"`
	Totals  checkout.Totals `json:"totals"`
}

func (s *EmailService) SendConfirmation(ctx context.Context, email string, order *checkout.Order) error {
	return s.caller.do(ctx, http.MethodPost, s.baseURL+"/confirmation",
		confirmationRequest{Email: email, OrderID: order.ID, Totals: order.Totals}, nil)
}
