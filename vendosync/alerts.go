package vendosync

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/stockpilot/inventory_backend/analysis"
	"github.com/stockpilot/inventory_backend/config"
	"github.com/stockpilot/inventory_backend/models"
	"github.com/stockpilot/inventory_backend/notify"
)

// generateAlerts re-evaluates every product of the tenant against the freshly
// synced stock and sales data and replaces each product's current alert.
// Products whose evaluation comes out CRITICAL are pushed to the notification
// topic, at most once per critical cycle: a non-critical replacement clears
// the claim stamp, so a later relapse notifies again.
func (o *Orchestrator) generateAlerts(ctx context.Context, job *models.SyncJob) error {
	now := time.Now()
	since := now.AddDate(0, 0, -o.historyDays)

	afterId := 0
	for {
		products, err := o.store.ListProductsPage(ctx, job.TenantId, afterId, config.PageSize)
		if err != nil {
			return fmt.Errorf("list products after id %d: %w", afterId, err)
		}
		if len(products) == 0 {
			return nil
		}
		for i := range products {
			product := &products[i]
			if err := o.evaluateProduct(ctx, job, product, since, now); err != nil {
				return err
			}
			afterId = product.ID
		}
	}
}

func (o *Orchestrator) evaluateProduct(ctx context.Context, job *models.SyncJob, product *models.Product, since, now time.Time) error {
	settingsRow, err := o.store.GetSettings(ctx, product.ID)
	if err != nil {
		return fmt.Errorf("load settings for product %d: %w", product.ID, err)
	}
	settings := analysis.DefaultSettings()
	if settingsRow != nil {
		settings = settingsRow.ToAnalysisSettings()
	}

	history, err := o.store.GetSalesHistory(ctx, product.ID, since)
	if err != nil {
		return fmt.Errorf("load sales history for product %d: %w", product.ID, err)
	}

	snap := analysis.ProductSnapshot{
		ProductId:      product.ID,
		Name:           product.Name,
		Sku:            product.Sku,
		CurrentStock:   product.CurrentStock,
		StockUpdatedAt: product.StockUpdatedAt,
		StockOutAt:     product.StockOutAt,
		CostPrice:      product.CostPrice,
		SalePrice:      product.SalePrice,
		LastSaleAt:     product.LastSaleAt,
		Sales:          make([]analysis.Sale, 0, len(history)),
	}
	for _, rec := range history {
		snap.Sales = append(snap.Sales, analysis.Sale{
			Date:       rec.SaleDate,
			Quantity:   rec.Quantity,
			TotalValue: rec.TotalValue,
		})
	}

	eval := analysis.Evaluate(snap, settings, now)

	alert, err := o.store.ReplaceAlert(ctx, job.TenantId, product.ID, job.ID, eval)
	if err != nil {
		return fmt.Errorf("replace alert for product %d: %w", product.ID, err)
	}

	if eval.Risk == analysis.RiskCritical && alert.LastCriticalNotifiedAt == nil &&
		config.CriticalAlertNotificationsEnabled() {
		o.notifyCritical(ctx, job, product, eval)
	}
	return nil
}

// notifyCritical claims the per-alert notification slot and publishes. The
// claim is a conditional update, so concurrent evaluators (or a re-run racing
// a slow finisher) produce one message, not two. Publish failures are logged
// and dropped: the alert row already carries the signal.
func (o *Orchestrator) notifyCritical(ctx context.Context, job *models.SyncJob, product *models.Product, eval analysis.Evaluation) {
	claimed, err := o.store.MarkCriticalNotified(ctx, product.ID)
	if err != nil {
		config.LogError(o.logger, moduleName, "notifyCritical", "claim notification slot",
			map[string]any{"productId": product.ID}, err)
		return
	}
	if !claimed {
		return
	}

	payload := notify.CriticalAlertPayload{
		TenantId:      job.TenantId,
		ProductId:     product.ID,
		ProductName:   product.Name,
		Sku:           product.Sku,
		CurrentStock:  product.CurrentStock.String(),
		CostPrice:     product.CostPrice.String(),
		SalePrice:     product.SalePrice.String(),
		DaysRemaining: eval.Metrics.DaysRemaining,
		Message:       eval.Message,
		ProductLink:   productLink(product.ID),
		OccurredAt:    time.Now(),
		CorrelationId: job.CorrelationId,
	}
	if err := o.notifier.PublishCriticalAlert(ctx, payload); err != nil {
		config.LogError(o.logger, moduleName, "notifyCritical", "publish critical alert",
			map[string]any{"productId": product.ID, "jobId": job.ID}, err)
	}
}

func productLink(productId int) string {
	base := strings.TrimRight(os.Getenv("DASHBOARD_BASE_URL"), "/")
	if base == "" {
		base = "https://app.stockpilot.io"
	}
	return fmt.Sprintf("%s/products/%d", base, productId)
}
