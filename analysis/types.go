package analysis

import (
	"time"

	"github.com/shopspring/decimal"
)

type AlertType string

const (
	AlertTypeRupture     AlertType = "RUPTURE"
	AlertTypeDeadStock   AlertType = "DEAD_STOCK"
	AlertTypeLiquidation AlertType = "LIQUIDATION"
	AlertTypeOpportunity AlertType = "OPPORTUNITY"
	AlertTypeFine        AlertType = "FINE"
)

type Risk string

const (
	RiskLow      Risk = "LOW"
	RiskMedium   Risk = "MEDIUM"
	RiskHigh     Risk = "HIGH"
	RiskCritical Risk = "CRITICAL"
)

// riskRank orders risks for monotonicity checks; higher is worse.
func riskRank(r Risk) int {
	switch r {
	case RiskCritical:
		return 3
	case RiskHigh:
		return 2
	case RiskMedium:
		return 1
	default:
		return 0
	}
}

// DaysUnknown is the sentinel for "no measured depletion" (daysRemaining when
// the product has zero velocity) and "never sold" (daysSinceLastSale). It is
// deliberately distinct from 0 and large enough to sort after any real value.
const DaysUnknown = 9999

// Settings are the resolved per-product tunables. All evaluation thresholds
// come from here; the engine itself has no hidden knobs.
type Settings struct {
	LeadTimeDays              int
	SafetyDays                int
	CriticalRiskDays          int
	HighRiskDays              int
	MediumRiskDays            int
	OpportunityGrowthPercent  float64
	OpportunityMinVelocity    float64
	DeadStockIdleDays         int
	DeadStockCapitalThreshold decimal.Decimal
	LiquidationRecoveryTarget float64
	CostEstimationFactor      float64
}

func DefaultSettings() Settings {
	return Settings{
		LeadTimeDays:              7,
		SafetyDays:                3,
		CriticalRiskDays:          3,
		HighRiskDays:              7,
		MediumRiskDays:            14,
		OpportunityGrowthPercent:  30,
		OpportunityMinVelocity:    0.5,
		DeadStockIdleDays:         90,
		DeadStockCapitalThreshold: decimal.NewFromInt(500),
		LiquidationRecoveryTarget: 0.7,
		CostEstimationFactor:      0.6,
	}
}

// Discount clamp band for liquidation pricing.
const (
	MinLiquidationDiscount = 0.02
	MaxLiquidationDiscount = 0.80
)

type Sale struct {
	Date       time.Time
	Quantity   decimal.Decimal
	TotalValue decimal.Decimal
}

// ProductSnapshot is the engine's entire input: no I/O happens past here.
type ProductSnapshot struct {
	ProductId      int
	Name           string
	Sku            string
	CurrentStock   decimal.Decimal
	StockUpdatedAt *time.Time
	StockOutAt     *time.Time
	CostPrice      decimal.Decimal
	SalePrice      decimal.Decimal
	LastSaleAt     *time.Time
	Sales          []Sale
}

// Metrics is the full derived-signal snapshot persisted with every alert.
type Metrics struct {
	VvdReal           float64
	Vvd7              float64
	Vvd30             float64
	GrowthTrend       float64
	DaysRemaining     float64
	DaysSinceLastSale int
	EffectiveStock    decimal.Decimal
	EffectiveCost     decimal.Decimal
	CapitalStuck      decimal.Decimal

	DaysOutOfStock      int
	EstimatedLostSales  float64
	EstimatedLostAmount decimal.Decimal

	IdealStock        float64
	ExcessUnits       float64
	ExcessPercentage  float64
	ExcessCapital     decimal.Decimal
	DiscountPercent   float64
	SuggestedPrice    decimal.Decimal
	RecoverableAmount decimal.Decimal
}

// Evaluation is the single prioritized recommendation for one product.
type Evaluation struct {
	Type            AlertType
	Risk            Risk
	Metrics         Metrics
	Message         string
	Recommendations []string
}
