// Package analysis turns a product's sales/stock history into demand metrics
// and a single classified recommendation. Everything here is a pure function
// of the snapshot, the settings and the evaluation time.
package analysis

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Evaluate computes the metric snapshot and classifies the product. Exactly
// one alert type comes out; classification priority is RUPTURE > DEAD_STOCK >
// LIQUIDATION > OPPORTUNITY > FINE.
func Evaluate(snap ProductSnapshot, settings Settings, now time.Time) Evaluation {
	metrics := computeMetrics(snap, settings, now)
	return classify(snap, settings, metrics)
}

func computeMetrics(snap ProductSnapshot, settings Settings, now time.Time) Metrics {
	var m Metrics

	m.EffectiveStock = reconcileStock(snap)
	stock := floatFromDecimal(m.EffectiveStock)

	m.VvdReal = velocity(snap.Sales, time.Time{}, now)
	// Trailing windows include today, so the cutoff sits N-1 days back:
	// [now-6, now] spans exactly 7 calendar days.
	m.Vvd7 = velocity(snap.Sales, dateOnly(now).AddDate(0, 0, -6), now)
	m.Vvd30 = velocity(snap.Sales, dateOnly(now).AddDate(0, 0, -29), now)

	switch {
	case m.Vvd30 > 0:
		m.GrowthTrend = (m.Vvd7 - m.Vvd30) / m.Vvd30 * 100
	case m.Vvd7 > 0:
		// Undefined baseline with measurable recent demand.
		m.GrowthTrend = 100
	default:
		m.GrowthTrend = 0
	}

	if m.VvdReal > 0 {
		m.DaysRemaining = stock / m.VvdReal
	} else {
		m.DaysRemaining = DaysUnknown
	}

	m.DaysSinceLastSale = daysSinceLastSale(snap, now)

	m.EffectiveCost = effectiveCostPrice(snap.CostPrice, snap.SalePrice, settings.CostEstimationFactor)
	m.CapitalStuck = m.EffectiveStock.Mul(m.EffectiveCost)

	if snap.StockOutAt != nil {
		m.DaysOutOfStock = daysBetween(*snap.StockOutAt, now)
		preOut := velocityBefore(snap.Sales, *snap.StockOutAt)
		m.EstimatedLostSales = preOut * float64(m.DaysOutOfStock)
		m.EstimatedLostAmount = decimal.NewFromFloat(m.EstimatedLostSales).Mul(snap.SalePrice).Round(4)
	}

	if m.VvdReal > 0 {
		m.IdealStock = m.VvdReal * float64(settings.LeadTimeDays+settings.SafetyDays)
		if stock > m.IdealStock {
			m.ExcessUnits = stock - m.IdealStock
			if m.IdealStock > 0 {
				m.ExcessPercentage = m.ExcessUnits / m.IdealStock * 100
			}
			m.ExcessCapital = decimal.NewFromFloat(m.ExcessUnits).Mul(m.EffectiveCost).Round(4)
			m.DiscountPercent, m.SuggestedPrice = liquidationPrice(snap.SalePrice, m.EffectiveCost, settings.LiquidationRecoveryTarget)
			m.RecoverableAmount = m.SuggestedPrice.Mul(decimal.NewFromFloat(m.ExcessUnits)).Round(4)
		}
	}

	return m
}

// reconcileStock resolves the "stale snapshot vs newer sale" conflict. When
// the last sale is on or after the snapshot timestamp (ties included), units
// sold since the snapshot are subtracted and the result floored at zero: the
// conservative, lower stock figure wins.
func reconcileStock(snap ProductSnapshot) decimal.Decimal {
	stock := snap.CurrentStock
	if snap.StockUpdatedAt == nil || snap.LastSaleAt == nil {
		return maxDecimal(stock, decimal.Zero)
	}
	snapshotDate := dateOnly(*snap.StockUpdatedAt)
	if dateOnly(*snap.LastSaleAt).Before(snapshotDate) {
		return maxDecimal(stock, decimal.Zero)
	}

	soldSince := decimal.Zero
	for _, sale := range snap.Sales {
		if !dateOnly(sale.Date).Before(snapshotDate) {
			soldSince = soldSince.Add(sale.Quantity)
		}
	}
	return maxDecimal(stock.Sub(soldSince), decimal.Zero)
}

// velocity is units per day-with-sales within [since, now]; a zero since
// means the whole history. Distinct sale-days inside the window may be fewer
// than the window length, which is the point: silent calendar days do not
// dilute the rate.
func velocity(sales []Sale, since time.Time, now time.Time) float64 {
	total := 0.0
	days := map[string]struct{}{}
	for _, sale := range sales {
		d := dateOnly(sale.Date)
		if !since.IsZero() && d.Before(since) {
			continue
		}
		if d.After(dateOnly(now)) {
			continue
		}
		total += floatFromDecimal(sale.Quantity)
		days[d.Format("2006-01-02")] = struct{}{}
	}
	if len(days) == 0 {
		return 0
	}
	return total / float64(len(days))
}

// velocityBefore is the pre-stock-out velocity: same formula restricted to
// sales strictly before the cutoff.
func velocityBefore(sales []Sale, cutoff time.Time) float64 {
	total := 0.0
	days := map[string]struct{}{}
	cut := dateOnly(cutoff)
	for _, sale := range sales {
		d := dateOnly(sale.Date)
		if !d.Before(cut) {
			continue
		}
		total += floatFromDecimal(sale.Quantity)
		days[d.Format("2006-01-02")] = struct{}{}
	}
	if len(days) == 0 {
		return 0
	}
	return total / float64(len(days))
}

func daysSinceLastSale(snap ProductSnapshot, now time.Time) int {
	last := snap.LastSaleAt
	for i := range snap.Sales {
		if last == nil || snap.Sales[i].Date.After(*last) {
			last = &snap.Sales[i].Date
		}
	}
	if last == nil {
		return DaysUnknown
	}
	return daysBetween(*last, now)
}

// effectiveCostPrice falls back to a fraction of the sale price when the cost
// is unknown, so capital figures are never silently zero.
func effectiveCostPrice(costPrice, salePrice decimal.Decimal, factor float64) decimal.Decimal {
	if costPrice.GreaterThan(decimal.Zero) {
		return costPrice
	}
	if factor <= 0 {
		factor = DefaultSettings().CostEstimationFactor
	}
	return salePrice.Mul(decimal.NewFromFloat(factor)).Round(4)
}

// liquidationPrice discounts the sale price just enough to recover the target
// fraction of the stuck capital, clamped to the sane discount band.
func liquidationPrice(salePrice, effectiveCost decimal.Decimal, recoveryTarget float64) (float64, decimal.Decimal) {
	if salePrice.LessThanOrEqual(decimal.Zero) {
		return 0, decimal.Zero
	}
	if recoveryTarget <= 0 {
		recoveryTarget = DefaultSettings().LiquidationRecoveryTarget
	}

	target := effectiveCost.Mul(decimal.NewFromFloat(recoveryTarget))
	discount := 1 - floatFromDecimal(target)/floatFromDecimal(salePrice)
	if discount < MinLiquidationDiscount {
		discount = MinLiquidationDiscount
	}
	if discount > MaxLiquidationDiscount {
		discount = MaxLiquidationDiscount
	}
	suggested := salePrice.Mul(decimal.NewFromFloat(1 - discount)).Round(4)
	return discount * 100, suggested
}

// ClassifyRuptureRisk maps days-remaining onto a risk tier. Monotonic in
// daysRemaining for fixed thresholds.
func ClassifyRuptureRisk(daysRemaining float64, settings Settings) (Risk, bool) {
	switch {
	case daysRemaining <= float64(settings.CriticalRiskDays):
		return RiskCritical, true
	case daysRemaining <= float64(settings.HighRiskDays):
		return RiskHigh, true
	case daysRemaining <= float64(settings.MediumRiskDays):
		return RiskMedium, true
	default:
		return RiskLow, false
	}
}

func classify(snap ProductSnapshot, settings Settings, m Metrics) Evaluation {
	eval := Evaluation{Metrics: m}
	stock := floatFromDecimal(m.EffectiveStock)

	// 1. Rupture: imminent stock-out. DaysUnknown sorts above every threshold.
	if risk, ok := ClassifyRuptureRisk(m.DaysRemaining, settings); ok {
		eval.Type = AlertTypeRupture
		eval.Risk = risk
		if m.DaysRemaining <= 0 {
			eval.Message = fmt.Sprintf("%s is out of stock and still selling %.1f units per sale-day.", snap.Name, m.VvdReal)
		} else {
			eval.Message = fmt.Sprintf("%s will run out in about %.0f days at the current pace.", snap.Name, m.DaysRemaining)
		}
		eval.Recommendations = []string{
			fmt.Sprintf("Replenish now: order at least %.0f units to cover lead time plus safety stock.", replenishQty(m, settings)),
			fmt.Sprintf("Current velocity is %.2f units per sale-day (7d: %.2f, 30d: %.2f).", m.VvdReal, m.Vvd7, m.Vvd30),
		}
		if m.DaysOutOfStock > 0 {
			eval.Recommendations = append(eval.Recommendations,
				fmt.Sprintf("Estimated %.0f lost sales (%s) over %d days out of stock.",
					m.EstimatedLostSales, m.EstimatedLostAmount.StringFixed(2), m.DaysOutOfStock))
		}
		return eval
	}

	// 2. Dead stock: zero movers with real capital stuck.
	if m.DaysSinceLastSale >= settings.DeadStockIdleDays &&
		stock > 0 &&
		m.CapitalStuck.GreaterThan(settings.DeadStockCapitalThreshold) {
		eval.Type = AlertTypeDeadStock
		eval.Risk = RiskHigh
		eval.Message = fmt.Sprintf("%s has not sold in %s and ties up %s in capital.",
			snap.Name, idleLabel(m.DaysSinceLastSale), m.CapitalStuck.StringFixed(2))
		eval.Recommendations = []string{
			"No sales in the dead-stock window: consider clearance, bundling or returning to supplier.",
			fmt.Sprintf("Capital stuck: %s across %s units.", m.CapitalStuck.StringFixed(2), m.EffectiveStock.StringFixed(0)),
		}
		return eval
	}

	// 3. Liquidation: slow mover with excess capital, distinct from a zero mover.
	if m.ExcessCapital.GreaterThan(settings.DeadStockCapitalThreshold) &&
		m.DaysSinceLastSale < settings.DeadStockIdleDays {
		eval.Type = AlertTypeLiquidation
		eval.Risk = RiskMedium
		eval.Message = fmt.Sprintf("%s carries %.0f units above the %.0f-unit ideal stock.",
			snap.Name, m.ExcessUnits, m.IdealStock)
		eval.Recommendations = []string{
			fmt.Sprintf("Liquidate %.0f excess units at %s (%.0f%% off) to recover about %s.",
				m.ExcessUnits, m.SuggestedPrice.StringFixed(2), m.DiscountPercent, m.RecoverableAmount.StringFixed(2)),
			fmt.Sprintf("Excess capital: %s (%.0f%% above ideal).", m.ExcessCapital.StringFixed(2), m.ExcessPercentage),
		}
		return eval
	}

	// 4. Opportunity: demand acceleration with enough stock to test it.
	if m.GrowthTrend > settings.OpportunityGrowthPercent &&
		m.Vvd30 >= settings.OpportunityMinVelocity &&
		stock >= m.Vvd7*float64(settings.LeadTimeDays) {
		eval.Type = AlertTypeOpportunity
		eval.Risk = RiskMedium
		eval.Message = fmt.Sprintf("%s is accelerating: 7-day velocity is up %.0f%% over the 30-day baseline.",
			snap.Name, m.GrowthTrend)
		eval.Recommendations = []string{
			"Demand is accelerating: consider a price test or a larger reorder.",
			fmt.Sprintf("7-day velocity %.2f vs 30-day %.2f units per sale-day.", m.Vvd7, m.Vvd30),
		}
		return eval
	}

	// 5. Fine: healthy, report the reorder point only.
	eval.Type = AlertTypeFine
	eval.Risk = RiskLow
	eval.Message = fmt.Sprintf("%s is healthy.", snap.Name)
	eval.Recommendations = []string{
		fmt.Sprintf("Reorder when stock reaches %.0f units (lead time %d + safety %d days).",
			m.VvdReal*float64(settings.LeadTimeDays+settings.SafetyDays), settings.LeadTimeDays, settings.SafetyDays),
	}
	return eval
}

func replenishQty(m Metrics, settings Settings) float64 {
	need := m.VvdReal*float64(settings.LeadTimeDays+settings.SafetyDays) - floatFromDecimal(m.EffectiveStock)
	if need < 0 {
		return 0
	}
	return need
}

func idleLabel(days int) string {
	if days >= DaysUnknown {
		return "recorded history"
	}
	return fmt.Sprintf("%d days", days)
}

func dateOnly(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func daysBetween(from, to time.Time) int {
	d := int(dateOnly(to).Sub(dateOnly(from)).Hours() / 24)
	if d < 0 {
		return 0
	}
	return d
}

func floatFromDecimal(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

func maxDecimal(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThanOrEqual(b) {
		return a
	}
	return b
}
