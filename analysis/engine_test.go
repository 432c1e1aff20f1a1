package analysis

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dayOffset(now time.Time, days int) time.Time {
	return dateOnly(now).AddDate(0, 0, days)
}

// saleOn builds one sale of qty units at the given day offset from now.
func saleOn(now time.Time, offset int, qty float64, price float64) Sale {
	q := decimal.NewFromFloat(qty)
	return Sale{
		Date:       dayOffset(now, offset),
		Quantity:   q,
		TotalValue: q.Mul(decimal.NewFromFloat(price)).Round(4),
	}
}

func TestEvaluateOutOfStockIsCriticalRupture(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	stockOut := dayOffset(now, -5)

	snap := ProductSnapshot{
		ProductId:    1,
		Name:         "Hand Cream",
		CurrentStock: decimal.Zero,
		StockOutAt:   &stockOut,
		CostPrice:    decimal.NewFromInt(8),
		SalePrice:    decimal.NewFromInt(20),
	}
	// 17 units over 10 sale-days before the stock-out.
	for i := 6; i <= 15; i++ {
		snap.Sales = append(snap.Sales, saleOn(now, -i, 1.7, 20))
	}

	eval := Evaluate(snap, DefaultSettings(), now)

	require.Equal(t, AlertTypeRupture, eval.Type)
	assert.Equal(t, RiskCritical, eval.Risk)
	assert.InDelta(t, 1.7, eval.Metrics.VvdReal, 0.001)
	assert.Equal(t, 0.0, eval.Metrics.DaysRemaining)
	assert.Equal(t, 5, eval.Metrics.DaysOutOfStock)
	assert.InDelta(t, 8.5, eval.Metrics.EstimatedLostSales, 0.001)
	assert.NotEmpty(t, eval.Recommendations)
}

func TestEvaluateIdleCapitalIsDeadStock(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	lastSale := dayOffset(now, -96)

	snap := ProductSnapshot{
		ProductId:    2,
		Name:         "Winter Boots",
		CurrentStock: decimal.NewFromInt(65),
		CostPrice:    decimal.NewFromInt(100),
		SalePrice:    decimal.NewFromInt(250),
		LastSaleAt:   &lastSale,
		Sales:        []Sale{saleOn(now, -96, 1, 250)},
	}

	eval := Evaluate(snap, DefaultSettings(), now)

	require.Equal(t, AlertTypeDeadStock, eval.Type)
	assert.Equal(t, RiskHigh, eval.Risk)
	assert.Equal(t, 96, eval.Metrics.DaysSinceLastSale)
	assert.True(t, eval.Metrics.CapitalStuck.Equal(decimal.NewFromInt(6500)),
		"capitalStuck = %s", eval.Metrics.CapitalStuck)
}

func TestEvaluateAcceleratingDemandIsOpportunity(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

	snap := ProductSnapshot{
		ProductId:    3,
		Name:         "Matcha Powder",
		CurrentStock: decimal.NewFromInt(30),
		CostPrice:    decimal.NewFromInt(10),
		SalePrice:    decimal.NewFromInt(25),
	}
	// Recent week: 11 units over 5 sale-days (2.2/day).
	for i := 1; i <= 5; i++ {
		snap.Sales = append(snap.Sales, saleOn(now, -i, 2.2, 25))
	}
	// Weeks before: 14 units over 20 sale-days, pulling the 30-day rate to 1.0.
	for i := 10; i <= 29; i++ {
		snap.Sales = append(snap.Sales, saleOn(now, -i, 0.7, 25))
	}

	eval := Evaluate(snap, DefaultSettings(), now)

	require.Equal(t, AlertTypeOpportunity, eval.Type)
	assert.Equal(t, RiskMedium, eval.Risk)
	assert.InDelta(t, 2.2, eval.Metrics.Vvd7, 0.001)
	assert.InDelta(t, 1.0, eval.Metrics.Vvd30, 0.001)
	assert.InDelta(t, 120, eval.Metrics.GrowthTrend, 0.5)
}

func TestEvaluateHealthyProductIsFine(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

	snap := ProductSnapshot{
		ProductId:    4,
		Name:         "Notebook",
		CurrentStock: decimal.NewFromInt(40),
		CostPrice:    decimal.NewFromInt(2),
		SalePrice:    decimal.NewFromInt(5),
	}
	for i := 1; i <= 20; i++ {
		snap.Sales = append(snap.Sales, saleOn(now, -i, 2, 5))
	}

	eval := Evaluate(snap, DefaultSettings(), now)

	require.Equal(t, AlertTypeFine, eval.Type)
	assert.Equal(t, RiskLow, eval.Risk)
	assert.InDelta(t, 20, eval.Metrics.DaysRemaining, 0.001)
}

func TestEvaluateNoSalesUsesSentinels(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

	snap := ProductSnapshot{
		ProductId:    5,
		Name:         "New Arrival",
		CurrentStock: decimal.NewFromInt(10),
		CostPrice:    decimal.NewFromInt(3),
		SalePrice:    decimal.NewFromInt(9),
	}

	eval := Evaluate(snap, DefaultSettings(), now)

	assert.Equal(t, float64(DaysUnknown), eval.Metrics.DaysRemaining)
	assert.Equal(t, DaysUnknown, eval.Metrics.DaysSinceLastSale)
	assert.Equal(t, 0.0, eval.Metrics.VvdReal)
	// With no velocity and capital below the threshold the product falls
	// through to FINE, never to a false rupture.
	assert.Equal(t, AlertTypeFine, eval.Type)
}

func TestReconcileStockSubtractsSalesAfterSnapshot(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	snapshotAt := dayOffset(now, -3)
	lastSale := dayOffset(now, -1)

	snap := ProductSnapshot{
		CurrentStock:   decimal.NewFromInt(10),
		StockUpdatedAt: &snapshotAt,
		LastSaleAt:     &lastSale,
		Sales: []Sale{
			saleOn(now, -1, 2, 5),
			saleOn(now, -3, 3, 5), // same day as the snapshot: tie counts
			saleOn(now, -8, 4, 5), // before the snapshot: ignored
		},
	}

	got := reconcileStock(snap)
	assert.True(t, got.Equal(decimal.NewFromInt(5)), "got %s", got)
}

func TestReconcileStockFloorsAtZero(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	snapshotAt := dayOffset(now, -2)
	lastSale := dayOffset(now, -1)

	snap := ProductSnapshot{
		CurrentStock:   decimal.NewFromInt(1),
		StockUpdatedAt: &snapshotAt,
		LastSaleAt:     &lastSale,
		Sales:          []Sale{saleOn(now, -1, 5, 5)},
	}

	assert.True(t, reconcileStock(snap).Equal(decimal.Zero))
}

func TestEffectiveCostFallsBackToSalePriceFraction(t *testing.T) {
	got := effectiveCostPrice(decimal.Zero, decimal.NewFromInt(100), 0.6)
	assert.True(t, got.Equal(decimal.NewFromInt(60)), "got %s", got)

	// Zero factor falls back to the default fraction rather than zero cost.
	got = effectiveCostPrice(decimal.Zero, decimal.NewFromInt(100), 0)
	assert.True(t, got.GreaterThan(decimal.Zero))
}

func TestLiquidationDiscountIsClamped(t *testing.T) {
	// Cost near the sale price: raw discount would be tiny or negative.
	discount, suggested := liquidationPrice(decimal.NewFromInt(10), decimal.NewFromInt(14), 0.7)
	assert.InDelta(t, MinLiquidationDiscount*100, discount, 0.001)
	assert.True(t, suggested.LessThan(decimal.NewFromInt(10)))

	// Near-zero cost: raw discount would exceed the cap.
	discount, _ = liquidationPrice(decimal.NewFromInt(100), decimal.NewFromFloat(0.5), 0.7)
	assert.InDelta(t, MaxLiquidationDiscount*100, discount, 0.001)
}

func TestClassifyRuptureRiskIsMonotonic(t *testing.T) {
	settings := DefaultSettings()
	prev := RiskCritical
	for days := 0.0; days <= 30; days += 0.5 {
		risk, _ := ClassifyRuptureRisk(days, settings)
		assert.LessOrEqual(t, riskRank(risk), riskRank(prev),
			"risk must not worsen as daysRemaining grows (days=%v)", days)
		prev = risk
	}

	risk, ok := ClassifyRuptureRisk(DaysUnknown, settings)
	assert.False(t, ok)
	assert.Equal(t, RiskLow, risk)
}

func TestVelocityWindowsSpanExactDayCounts(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

	snap := ProductSnapshot{
		ProductId:    6,
		Name:         "Candle",
		CurrentStock: decimal.NewFromInt(100),
		CostPrice:    decimal.NewFromInt(1),
		SalePrice:    decimal.NewFromInt(4),
		Sales: []Sale{
			saleOn(now, -6, 2, 4),  // inside the 7-day window
			saleOn(now, -7, 9, 4),  // one day past it
			saleOn(now, -29, 2, 4), // inside the 30-day window
			saleOn(now, -30, 9, 4), // one day past it
		},
	}

	m := computeMetrics(snap, DefaultSettings(), now)

	// [now-6, now] is exactly 7 calendar days; the -7 sale must not leak in.
	assert.InDelta(t, 2.0, m.Vvd7, 0.001)
	// 30-day window keeps -6, -7 and -29 but not -30: 13 units over 3 sale-days.
	assert.InDelta(t, 13.0/3.0, m.Vvd30, 0.001)
}

func TestVelocityUsesDistinctSaleDays(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	sales := []Sale{
		saleOn(now, -1, 2, 5),
		saleOn(now, -1, 3, 5), // same calendar day
		saleOn(now, -4, 5, 5),
	}

	// 10 units over 2 distinct sale-days: silent days do not dilute.
	assert.InDelta(t, 5.0, velocity(sales, time.Time{}, now), 0.001)
}
