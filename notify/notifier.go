// Package notify carries the critical-alert side-channel. Delivery (email,
// push) happens in a separate worker consuming the topic; the core only
// publishes, and a publish failure never fails the pipeline.
package notify

import (
	"context"
	"time"
)

// CriticalAlertPayload is the minimal product snapshot a delivery worker
// needs to render the notification.
type CriticalAlertPayload struct {
	TenantId      string    `json:"tenant_id"`
	ProductId     int       `json:"product_id"`
	ProductName   string    `json:"product_name"`
	Sku           string    `json:"sku"`
	CurrentStock  string    `json:"current_stock"`
	CostPrice     string    `json:"cost_price"`
	SalePrice     string    `json:"sale_price"`
	DaysRemaining float64   `json:"days_remaining"`
	Message       string    `json:"message"`
	ProductLink   string    `json:"product_link"`
	OccurredAt    time.Time `json:"occurred_at"`
	CorrelationId string    `json:"correlation_id"`
}

type Notifier interface {
	PublishCriticalAlert(ctx context.Context, payload CriticalAlertPayload) error
}
