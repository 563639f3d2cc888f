package checkout

// Event types carried on the order topics. The partition key is always the
// order id so consumers observe one order's events in publish order.
const (
	EventOrderPlaced      = "order.placed"
	EventOrderCompensated = "order.compensated"
	EventPaymentResult    = "payment.result"
	EventFraudCheckResult = "fraud.check_result"
	EventAccountingRecord = "accounting.record"
)

// OrderPlaced announces a charged order to the fraud and accounting
// consumers.
type OrderPlaced struct {
	OrderID string     `json:"order_id"`
	Items   []LineItem `json:"items"`
	Totals  Totals     `json:"totals"`
}

// OrderCompensated announces that a charged order was refunded.
type OrderCompensated struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason"`
}

// PaymentResult records the outcome of a charge attempt.
type PaymentResult struct {
	OrderID  string `json:"order_id"`
	ChargeID string `json:"charge_id,omitempty"`
	Status   string `json:"status"`
}

// FraudCheckResult is produced by the external fraud consumer. Consumed
// here for observability only; the order id is the correlation key.
type FraudCheckResult struct {
	OrderID string `json:"order_id"`
	Verdict string `json:"verdict"`
}

// AccountingRecord is produced by the external accounting consumer.
// Consumed here for observability only.
type AccountingRecord struct {
	OrderID     string `json:"order_id"`
	LedgerEntry string `json:"ledger_entry"`
}
