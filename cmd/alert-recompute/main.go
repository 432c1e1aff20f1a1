// Recomputes alerts from already-synced data, without touching the Vendo API.
// Useful after a settings rollout or an engine change, where waiting for the
// next sync would leave stale classifications in place.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/stockpilot/inventory_backend/analysis"
	"github.com/stockpilot/inventory_backend/config"
	"github.com/stockpilot/inventory_backend/models"
)

func main() {
	tenantID := flag.String("tenant-id", "", "Optional: recompute only one tenant. If empty, recomputes all tenants with a connected integration.")
	historyDays := flag.Int("history-days", 365, "Sales history window in days")
	dryRun := flag.Bool("dry-run", false, "Evaluate and print, do not write alerts")
	flag.Parse()

	ctx := context.Background()
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil)")
		os.Exit(1)
	}

	var tenants []string
	query := db.WithContext(ctx).Model(&models.Integration{})
	if strings.TrimSpace(*tenantID) != "" {
		query = query.Where("tenant_id = ?", strings.TrimSpace(*tenantID))
	}
	if err := query.Distinct().Pluck("tenant_id", &tenants).Error; err != nil {
		fmt.Fprintf(os.Stderr, "failed to list tenants: %v\n", err)
		os.Exit(1)
	}
	if len(tenants) == 0 {
		fmt.Fprintln(os.Stderr, "no tenants found to recompute")
		return
	}

	now := time.Now()
	since := now.AddDate(0, 0, -*historyDays)

	for _, tenant := range tenants {
		count, err := recomputeTenant(ctx, tenant, since, now, *dryRun)
		if err != nil {
			fmt.Fprintf(os.Stderr, "tenant %s: %v\n", tenant, err)
			os.Exit(1)
		}
		fmt.Printf("tenant %s: %d products evaluated\n", tenant, count)
	}
}

func recomputeTenant(ctx context.Context, tenantId string, since, now time.Time, dryRun bool) (int, error) {
	count := 0
	afterId := 0
	for {
		products, err := models.ListProductsPage(ctx, tenantId, afterId, config.PageSize)
		if err != nil {
			return count, fmt.Errorf("list products: %w", err)
		}
		if len(products) == 0 {
			return count, nil
		}
		for i := range products {
			product := &products[i]
			eval, err := evaluate(ctx, product, since, now)
			if err != nil {
				return count, err
			}
			if dryRun {
				fmt.Printf("  product %d (%s): %s/%s\n", product.ID, product.Name, eval.Type, eval.Risk)
			} else {
				if _, err := models.ReplaceAlert(ctx, tenantId, product.ID, 0, eval); err != nil {
					return count, fmt.Errorf("replace alert for product %d: %w", product.ID, err)
				}
			}
			count++
			afterId = product.ID
		}
	}
}

func evaluate(ctx context.Context, product *models.Product, since, now time.Time) (analysis.Evaluation, error) {
	settingsRow, err := models.GetProductSettings(ctx, product.ID)
	if err != nil {
		return analysis.Evaluation{}, fmt.Errorf("load settings for product %d: %w", product.ID, err)
	}
	settings := analysis.DefaultSettings()
	if settingsRow != nil {
		settings = settingsRow.ToAnalysisSettings()
	}

	history, err := models.GetSalesHistory(ctx, product.ID, since)
	if err != nil {
		return analysis.Evaluation{}, fmt.Errorf("load sales history for product %d: %w", product.ID, err)
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
	}
	for _, rec := range history {
		snap.Sales = append(snap.Sales, analysis.Sale{
			Date:       rec.SaleDate,
			Quantity:   rec.Quantity,
			TotalValue: rec.TotalValue,
		})
	}
	return analysis.Evaluate(snap, settings, now), nil
}
