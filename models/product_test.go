package models

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stockpilot/inventory_backend/analysis"
	"github.com/stretchr/testify/assert"
)

func TestToAnalysisSettingsNilFallsBackToDefaults(t *testing.T) {
	var s *ProductSettings
	assert.Equal(t, analysis.DefaultSettings(), s.ToAnalysisSettings())
}

func TestToAnalysisSettingsZeroTunablesFallBack(t *testing.T) {
	// A row written by an older migration may carry zeroes for tunables that
	// must never be zero at evaluation time.
	s := &ProductSettings{ProductId: 1, TenantId: "t1", LeadTimeDays: 5}
	got := s.ToAnalysisSettings()
	def := analysis.DefaultSettings()

	assert.Equal(t, 5, got.LeadTimeDays)
	assert.Equal(t, def.CriticalRiskDays, got.CriticalRiskDays)
	assert.Equal(t, def.HighRiskDays, got.HighRiskDays)
	assert.Equal(t, def.MediumRiskDays, got.MediumRiskDays)
	assert.Equal(t, def.DeadStockIdleDays, got.DeadStockIdleDays)
	assert.Equal(t, def.CostEstimationFactor, got.CostEstimationFactor)
	assert.Equal(t, def.LiquidationRecoveryTarget, got.LiquidationRecoveryTarget)
}

func TestDefaultProductSettingsMirrorsEngineDefaults(t *testing.T) {
	row := DefaultProductSettings(42, "t1")
	assert.Equal(t, 42, row.ProductId)
	assert.Equal(t, "t1", row.TenantId)
	assert.Equal(t, analysis.DefaultSettings(), row.ToAnalysisSettings())
}

func TestAlertRecommendationsRoundTrip(t *testing.T) {
	alert := Alert{RecommendationsJSON: []byte(`["restock now","check supplier"]`)}
	assert.Equal(t, []string{"restock now", "check supplier"}, alert.Recommendations())

	empty := Alert{}
	assert.Empty(t, empty.Recommendations())
}

func TestDefaultProductSettingsCapitalThreshold(t *testing.T) {
	row := DefaultProductSettings(1, "t1")
	assert.True(t, row.DeadStockCapitalThreshold.Equal(decimal.NewFromInt(500)))
}
