package storage

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"anomalywatch/internal/detector"
)

// AlertRecord is one journaled alert together with its delivery outcome.
type AlertRecord struct {
	ID            uuid.UUID       `json:"id"`
	Source        string          `json:"source"`
	Symbol        string          `json:"symbol"`
	Kind          string          `json:"kind"`
	Magnitude     decimal.Decimal `json:"magnitude"`
	Threshold     decimal.Decimal `json:"threshold"`
	Baseline      decimal.Decimal `json:"baseline"`
	Current       decimal.Decimal `json:"current"`
	Window        time.Duration   `json:"window_ns,omitempty"`
	Interval      time.Duration   `json:"interval_ns,omitempty"`
	DetectedAt    time.Time       `json:"detected_at"`
	Delivered     bool            `json:"delivered"`
	DeliveryError *string         `json:"delivery_error,omitempty"`
	Simulated     bool            `json:"simulated"`
	CreatedAt     time.Time       `json:"created_at"`
}

// RecordFromEvent converts a detector event into a journal row.
func RecordFromEvent(ev detector.Event, deliveryErr error, simulated bool) AlertRecord {
	rec := AlertRecord{
		ID:         ev.ID,
		Source:     ev.Source,
		Symbol:     ev.Symbol,
		Kind:       string(ev.Kind),
		Magnitude:  ev.Magnitude,
		Threshold:  ev.Threshold,
		Baseline:   ev.Baseline,
		Current:    ev.Current,
		Window:     ev.Window,
		Interval:   ev.Interval,
		DetectedAt: ev.DetectedAt,
		Delivered:  deliveryErr == nil,
		Simulated:  simulated,
	}
	if deliveryErr != nil {
		msg := deliveryErr.Error()
		rec.DeliveryError = &msg
	}
	return rec
}
