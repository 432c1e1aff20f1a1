package models

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stockpilot/inventory_backend/analysis"
	"github.com/stockpilot/inventory_backend/config"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Alert is the single current recommendation per product; a new evaluation
// replaces the previous row. Metric fields are typed columns, not a JSON
// blob, so the classification stays checkable at compile time.
type Alert struct {
	ID        uint   `gorm:"primary_key" json:"id"`
	TenantId  string `gorm:"index;not null" json:"tenant_id"`
	ProductId int    `gorm:"uniqueIndex;not null" json:"product_id"`
	SyncJobId uint   `gorm:"index" json:"sync_job_id"`
	Type      string `gorm:"size:20;not null" json:"type"`
	Risk      string `gorm:"size:10;not null" json:"risk"`

	VvdReal           float64         `json:"vvd_real"`
	Vvd7              float64         `gorm:"column:vvd7" json:"vvd7"`
	Vvd30             float64         `gorm:"column:vvd30" json:"vvd30"`
	GrowthTrend       float64         `json:"growth_trend"`
	DaysRemaining     float64         `json:"days_remaining"`
	DaysSinceLastSale int             `json:"days_since_last_sale"`
	EffectiveStock    decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"effective_stock"`
	EffectiveCost     decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"effective_cost"`
	CapitalStuck      decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"capital_stuck"`

	DaysOutOfStock      int             `json:"days_out_of_stock"`
	EstimatedLostSales  float64         `json:"estimated_lost_sales"`
	EstimatedLostAmount decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"estimated_lost_amount"`

	IdealStock        float64         `json:"ideal_stock"`
	ExcessUnits       float64         `json:"excess_units"`
	ExcessPercentage  float64         `json:"excess_percentage"`
	ExcessCapital     decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"excess_capital"`
	DiscountPercent   float64         `json:"discount_percent"`
	SuggestedPrice    decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"suggested_price"`
	RecoverableAmount decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"recoverable_amount"`

	Message                string     `gorm:"type:text" json:"message"`
	RecommendationsJSON    []byte     `gorm:"type:json" json:"recommendations"`
	LastCriticalNotifiedAt *time.Time `json:"last_critical_notified_at"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (a *Alert) Recommendations() []string {
	var recs []string
	if len(a.RecommendationsJSON) == 0 {
		return recs
	}
	_ = json.Unmarshal(a.RecommendationsJSON, &recs)
	return recs
}

// ReplaceAlert upserts the evaluation as the product's current alert.
// LastCriticalNotifiedAt carries over while the product stays critical, so one
// critical cycle produces one notification. A non-critical replacement ends
// the cycle and clears the stamp: if the product relapses later, it is
// notified again.
func ReplaceAlert(ctx context.Context, tenantId string, productId int, jobId uint, eval analysis.Evaluation) (*Alert, error) {
	recsJSON, err := json.Marshal(eval.Recommendations)
	if err != nil {
		return nil, err
	}

	m := eval.Metrics
	alert := Alert{
		TenantId:  tenantId,
		ProductId: productId,
		SyncJobId: jobId,
		Type:      string(eval.Type),
		Risk:      string(eval.Risk),

		VvdReal:           m.VvdReal,
		Vvd7:              m.Vvd7,
		Vvd30:             m.Vvd30,
		GrowthTrend:       m.GrowthTrend,
		DaysRemaining:     m.DaysRemaining,
		DaysSinceLastSale: m.DaysSinceLastSale,
		EffectiveStock:    m.EffectiveStock,
		EffectiveCost:     m.EffectiveCost,
		CapitalStuck:      m.CapitalStuck,

		DaysOutOfStock:      m.DaysOutOfStock,
		EstimatedLostSales:  m.EstimatedLostSales,
		EstimatedLostAmount: m.EstimatedLostAmount,

		IdealStock:        m.IdealStock,
		ExcessUnits:       m.ExcessUnits,
		ExcessPercentage:  m.ExcessPercentage,
		ExcessCapital:     m.ExcessCapital,
		DiscountPercent:   m.DiscountPercent,
		SuggestedPrice:    m.SuggestedPrice,
		RecoverableAmount: m.RecoverableAmount,

		Message:             eval.Message,
		RecommendationsJSON: recsJSON,
	}

	assignments := clause.AssignmentColumns([]string{
		"sync_job_id", "type", "risk",
		"vvd_real", "vvd7", "vvd30", "growth_trend",
		"days_remaining", "days_since_last_sale",
		"effective_stock", "effective_cost", "capital_stuck",
		"days_out_of_stock", "estimated_lost_sales", "estimated_lost_amount",
		"ideal_stock", "excess_units", "excess_percentage", "excess_capital",
		"discount_percent", "suggested_price", "recoverable_amount",
		"message", "recommendations_json", "updated_at",
	})
	if eval.Risk != analysis.RiskCritical {
		assignments = append(assignments, clause.Assignment{
			Column: clause.Column{Name: "last_critical_notified_at"},
			Value:  nil,
		})
	}

	err = config.GetDB().WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "product_id"}},
			DoUpdates: assignments,
		}).
		Create(&alert).Error
	if err != nil {
		return nil, err
	}
	return GetCurrentAlert(ctx, tenantId, productId)
}

func GetCurrentAlert(ctx context.Context, tenantId string, productId int) (*Alert, error) {
	var alert Alert
	err := config.GetDB().WithContext(ctx).
		Where("product_id = ? AND tenant_id = ?", productId, tenantId).
		Take(&alert).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &alert, nil
}

// MarkCriticalNotified stamps the idempotency guard for the notification
// side-effect. Returns false when another worker already stamped it.
func MarkCriticalNotified(ctx context.Context, productId int) (bool, error) {
	res := config.GetDB().WithContext(ctx).
		Model(&Alert{}).
		Where("product_id = ? AND last_critical_notified_at IS NULL", productId).
		Update("last_critical_notified_at", time.Now())
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
