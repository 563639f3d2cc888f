package checkout

import (
	"context"
	"encoding/json"
	"log/slog"

	"tollgate/internal/eventbus"
	"tollgate/internal/telemetry"
)

// RegisterConsumers subscribes the logging consumers for the contracts this
// service consumes but does not act on: fraud verdicts and accounting
// entries. Both are correlated by order id and trace context only.
func RegisterConsumers(bus eventbus.Bus) {
	prop := telemetry.NewPropagator()

	bus.Subscribe(eventbus.TopicFraudResults, func(ctx context.Context, evt eventbus.Event) error {
		ctx = prop.ExtractEvent(ctx, evt.Headers)
		var result FraudCheckResult
		if err := json.Unmarshal(evt.Payload, &result); err != nil {
			slog.WarnContext(ctx, "malformed fraud check result",
				"key", evt.Key, "error", err)
			return nil
		}
		slog.InfoContext(ctx, "fraud check result",
			"order_id", result.OrderID, "verdict", result.Verdict)
		return nil
	})

	bus.Subscribe(eventbus.TopicAccounting, func(ctx context.Context, evt eventbus.Event) error {
		ctx = prop.ExtractEvent(ctx, evt.Headers)
		var record AccountingRecord
		if err := json.Unmarshal(evt.Payload, &record); err != nil {
			slog.WarnContext(ctx, "malformed accounting record",
				"key", evt.Key, "error", err)
			return nil
		}
		slog.InfoContext(ctx, "accounting record",
			"order_id", record.OrderID, "ledger_entry", record.LedgerEntry)
		return nil
	})
}
