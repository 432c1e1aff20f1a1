package models

import (
	"context"
	"errors"
	"time"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
	"github.com/stockpilot/inventory_backend/analysis"
	"github.com/stockpilot/inventory_backend/config"
	"github.com/stockpilot/inventory_backend/utils"
	"gorm.io/gorm"
)

type Product struct {
	ID             int             `gorm:"primary_key" json:"id"`
	TenantId       string          `gorm:"index;not null" json:"tenant_id"`
	IntegrationId  uint            `gorm:"uniqueIndex:idx_product_external,priority:1;not null" json:"integration_id"`
	ExternalId     string          `gorm:"uniqueIndex:idx_product_external,priority:2;size:64;not null" json:"external_id"`
	Sku            string          `gorm:"index;size:100" json:"sku"`
	Name           string          `gorm:"size:255;not null" json:"name"`
	CostPrice      decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"cost_price"`
	SalePrice      decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"sale_price"`
	CurrentStock   decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"current_stock"`
	StockUpdatedAt *time.Time      `json:"stock_updated_at"`
	StockOutAt     *time.Time      `json:"stock_out_at"`
	LastSaleAt     *time.Time      `json:"last_sale_at"`
	CategoryId     int             `gorm:"index;default:0" json:"category_id"`
	IsActive       *bool           `gorm:"not null;default:true" json:"is_active"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type Category struct {
	ID            int       `gorm:"primary_key" json:"id"`
	TenantId      string    `gorm:"index;not null" json:"tenant_id"`
	IntegrationId uint      `gorm:"uniqueIndex:idx_category_external,priority:1;not null" json:"integration_id"`
	ExternalId    string    `gorm:"uniqueIndex:idx_category_external,priority:2;size:64;not null" json:"external_id"`
	Name          string    `gorm:"size:255;not null" json:"name"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// ProductSettings holds the per-product tunables consumed by the analysis
// engine. A row is created with defaults when the product is first synced and
// lives exactly as long as the product.
type ProductSettings struct {
	ProductId                 int             `gorm:"primary_key" json:"product_id"`
	TenantId                  string          `gorm:"index;not null" json:"tenant_id"`
	LeadTimeDays              int             `gorm:"not null" json:"lead_time_days"`
	SafetyDays                int             `gorm:"not null" json:"safety_days"`
	CriticalRiskDays          int             `gorm:"not null" json:"critical_risk_days"`
	HighRiskDays              int             `gorm:"not null" json:"high_risk_days"`
	MediumRiskDays            int             `gorm:"not null" json:"medium_risk_days"`
	OpportunityGrowthPercent  float64         `gorm:"not null" json:"opportunity_growth_percent"`
	OpportunityMinVelocity    float64         `gorm:"not null" json:"opportunity_min_velocity"`
	DeadStockIdleDays         int             `gorm:"not null" json:"dead_stock_idle_days"`
	DeadStockCapitalThreshold decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"dead_stock_capital_threshold"`
	LiquidationRecoveryTarget float64         `gorm:"not null" json:"liquidation_recovery_target"`
	CostEstimationFactor      float64         `gorm:"not null" json:"cost_estimation_factor"`
	CreatedAt                 time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt                 time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// UpdateProductSettingsInput is a partial update; nil fields keep their value.
type UpdateProductSettingsInput struct {
	LeadTimeDays              *int     `json:"leadTimeDays" binding:"omitempty,min=0,max=365"`
	SafetyDays                *int     `json:"safetyDays" binding:"omitempty,min=0,max=365"`
	CriticalRiskDays          *int     `json:"criticalRiskDays" binding:"omitempty,min=0"`
	HighRiskDays              *int     `json:"highRiskDays" binding:"omitempty,min=0"`
	MediumRiskDays            *int     `json:"mediumRiskDays" binding:"omitempty,min=0"`
	OpportunityGrowthPercent  *float64 `json:"opportunityGrowthPercent" binding:"omitempty,min=0"`
	OpportunityMinVelocity    *float64 `json:"opportunityMinVelocity" binding:"omitempty,min=0"`
	DeadStockIdleDays         *int     `json:"deadStockIdleDays" binding:"omitempty,min=1"`
	DeadStockCapitalThreshold *string  `json:"deadStockCapitalThreshold" binding:"omitempty"`
	LiquidationRecoveryTarget *float64 `json:"liquidationRecoveryTarget" binding:"omitempty,gt=0,max=1"`
	CostEstimationFactor      *float64 `json:"costEstimationFactor" binding:"omitempty,gt=0,max=1"`
}

// NewSyncedProduct is the normalized payload coming out of the Vendo adapter.
type NewSyncedProduct struct {
	ExternalId         string
	ExternalCategoryId string
	Sku                string
	Name               string
	CostPrice          decimal.Decimal
	SalePrice          decimal.Decimal
}

func DefaultProductSettings(productId int, tenantId string) ProductSettings {
	def := analysis.DefaultSettings()
	return ProductSettings{
		ProductId:                 productId,
		TenantId:                  tenantId,
		LeadTimeDays:              def.LeadTimeDays,
		SafetyDays:                def.SafetyDays,
		CriticalRiskDays:          def.CriticalRiskDays,
		HighRiskDays:              def.HighRiskDays,
		MediumRiskDays:            def.MediumRiskDays,
		OpportunityGrowthPercent:  def.OpportunityGrowthPercent,
		OpportunityMinVelocity:    def.OpportunityMinVelocity,
		DeadStockIdleDays:         def.DeadStockIdleDays,
		DeadStockCapitalThreshold: def.DeadStockCapitalThreshold,
		LiquidationRecoveryTarget: def.LiquidationRecoveryTarget,
		CostEstimationFactor:      def.CostEstimationFactor,
	}
}

// ToAnalysisSettings converts the stored row into the engine's pure settings
// value, falling back to defaults for zero-valued tunables.
func (s *ProductSettings) ToAnalysisSettings() analysis.Settings {
	def := analysis.DefaultSettings()
	if s == nil {
		return def
	}
	out := analysis.Settings{
		LeadTimeDays:              s.LeadTimeDays,
		SafetyDays:                s.SafetyDays,
		CriticalRiskDays:          s.CriticalRiskDays,
		HighRiskDays:              s.HighRiskDays,
		MediumRiskDays:            s.MediumRiskDays,
		OpportunityGrowthPercent:  s.OpportunityGrowthPercent,
		OpportunityMinVelocity:    s.OpportunityMinVelocity,
		DeadStockIdleDays:         s.DeadStockIdleDays,
		DeadStockCapitalThreshold: s.DeadStockCapitalThreshold,
		LiquidationRecoveryTarget: s.LiquidationRecoveryTarget,
		CostEstimationFactor:      s.CostEstimationFactor,
	}
	if out.CriticalRiskDays <= 0 {
		out.CriticalRiskDays = def.CriticalRiskDays
	}
	if out.HighRiskDays <= 0 {
		out.HighRiskDays = def.HighRiskDays
	}
	if out.MediumRiskDays <= 0 {
		out.MediumRiskDays = def.MediumRiskDays
	}
	if out.DeadStockIdleDays <= 0 {
		out.DeadStockIdleDays = def.DeadStockIdleDays
	}
	if out.CostEstimationFactor <= 0 {
		out.CostEstimationFactor = def.CostEstimationFactor
	}
	if out.LiquidationRecoveryTarget <= 0 {
		out.LiquidationRecoveryTarget = def.LiquidationRecoveryTarget
	}
	return out
}

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

// UpsertSyncedProduct creates or refreshes a product by its external id and
// guarantees a settings row exists. Sync-owned fields only; tenant-edited
// settings are never touched here.
func UpsertSyncedProduct(ctx context.Context, tenantId string, integrationId uint, input NewSyncedProduct) (*Product, error) {
	db := config.GetDB().WithContext(ctx)

	categoryId := 0
	if input.ExternalCategoryId != "" {
		var cat Category
		if err := db.Where("integration_id = ? AND external_id = ?", integrationId, input.ExternalCategoryId).
			Take(&cat).Error; err == nil {
			categoryId = cat.ID
		}
	}

	var product Product
	err := db.Where("integration_id = ? AND external_id = ?", integrationId, input.ExternalId).
		Take(&product).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	if errors.Is(err, gorm.ErrRecordNotFound) {
		product = Product{
			TenantId:      tenantId,
			IntegrationId: integrationId,
			ExternalId:    input.ExternalId,
			Sku:           input.Sku,
			Name:          input.Name,
			CostPrice:     input.CostPrice,
			SalePrice:     input.SalePrice,
			CategoryId:    categoryId,
			IsActive:      utils.NewTrue(),
		}
		if err := db.Create(&product).Error; err != nil {
			if !isDuplicateKeyErr(err) {
				return nil, err
			}
			// Lost a replay race; fall through to the update path.
			if err := db.Where("integration_id = ? AND external_id = ?", integrationId, input.ExternalId).
				Take(&product).Error; err != nil {
				return nil, err
			}
		} else {
			if err := EnsureProductSettings(ctx, product.ID, tenantId); err != nil {
				return nil, err
			}
			return &product, nil
		}
	}

	update := map[string]interface{}{
		"sku":        input.Sku,
		"name":       input.Name,
		"cost_price": input.CostPrice,
		"sale_price": input.SalePrice,
	}
	if categoryId != 0 {
		update["category_id"] = categoryId
	}
	if err := db.Model(&product).Updates(update).Error; err != nil {
		return nil, err
	}
	if err := EnsureProductSettings(ctx, product.ID, tenantId); err != nil {
		return nil, err
	}
	return &product, nil
}

func EnsureProductSettings(ctx context.Context, productId int, tenantId string) error {
	settings := DefaultProductSettings(productId, tenantId)
	err := config.GetDB().WithContext(ctx).Create(&settings).Error
	if err != nil && !isDuplicateKeyErr(err) {
		return err
	}
	return nil
}

func GetProductSettings(ctx context.Context, productId int) (*ProductSettings, error) {
	var settings ProductSettings
	err := config.GetDB().WithContext(ctx).
		Where("product_id = ?", productId).
		Take(&settings).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &settings, nil
}

func UpdateProductSettings(ctx context.Context, tenantId string, productId int, input UpdateProductSettingsInput) (*ProductSettings, error) {
	db := config.GetDB().WithContext(ctx)

	var product Product
	if err := db.Where("id = ? AND tenant_id = ?", productId, tenantId).Take(&product).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if err := EnsureProductSettings(ctx, productId, tenantId); err != nil {
		return nil, err
	}

	update := map[string]interface{}{}
	if input.LeadTimeDays != nil {
		update["lead_time_days"] = *input.LeadTimeDays
	}
	if input.SafetyDays != nil {
		update["safety_days"] = *input.SafetyDays
	}
	if input.CriticalRiskDays != nil {
		update["critical_risk_days"] = *input.CriticalRiskDays
	}
	if input.HighRiskDays != nil {
		update["high_risk_days"] = *input.HighRiskDays
	}
	if input.MediumRiskDays != nil {
		update["medium_risk_days"] = *input.MediumRiskDays
	}
	if input.OpportunityGrowthPercent != nil {
		update["opportunity_growth_percent"] = *input.OpportunityGrowthPercent
	}
	if input.OpportunityMinVelocity != nil {
		update["opportunity_min_velocity"] = *input.OpportunityMinVelocity
	}
	if input.DeadStockIdleDays != nil {
		update["dead_stock_idle_days"] = *input.DeadStockIdleDays
	}
	if input.DeadStockCapitalThreshold != nil {
		threshold, err := utils.ParseDecimal(*input.DeadStockCapitalThreshold)
		if err != nil {
			return nil, err
		}
		update["dead_stock_capital_threshold"] = threshold
	}
	if input.LiquidationRecoveryTarget != nil {
		update["liquidation_recovery_target"] = *input.LiquidationRecoveryTarget
	}
	if input.CostEstimationFactor != nil {
		update["cost_estimation_factor"] = *input.CostEstimationFactor
	}

	if len(update) > 0 {
		if err := db.Model(&ProductSettings{}).
			Where("product_id = ?", productId).
			Updates(update).Error; err != nil {
			return nil, err
		}
	}
	return GetProductSettings(ctx, productId)
}

func UpsertCategory(ctx context.Context, tenantId string, integrationId uint, externalId string, name string) error {
	db := config.GetDB().WithContext(ctx)

	var cat Category
	err := db.Where("integration_id = ? AND external_id = ?", integrationId, externalId).
		Take(&cat).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		cat = Category{
			TenantId:      tenantId,
			IntegrationId: integrationId,
			ExternalId:    externalId,
			Name:          name,
		}
		if err := db.Create(&cat).Error; err != nil && !isDuplicateKeyErr(err) {
			return err
		}
		return nil
	}
	return db.Model(&cat).Update("name", name).Error
}

// UpdateProductStock replaces the single current stock snapshot for a product.
func UpdateProductStock(ctx context.Context, integrationId uint, externalId string, stock decimal.Decimal, observedAt time.Time) (found bool, err error) {
	db := config.GetDB().WithContext(ctx)

	var product Product
	if err := db.Where("integration_id = ? AND external_id = ?", integrationId, externalId).
		Take(&product).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}

	update := map[string]interface{}{
		"current_stock":    stock,
		"stock_updated_at": observedAt,
	}
	if stock.LessThanOrEqual(decimal.Zero) {
		if product.StockOutAt == nil {
			update["stock_out_at"] = observedAt
		}
	} else {
		update["stock_out_at"] = nil
	}
	if err := db.Model(&product).Updates(update).Error; err != nil {
		return false, err
	}
	return true, nil
}

func GetProductByExternalId(ctx context.Context, integrationId uint, externalId string) (*Product, error) {
	var product Product
	err := config.GetDB().WithContext(ctx).
		Where("integration_id = ? AND external_id = ?", integrationId, externalId).
		Take(&product).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &product, nil
}

func GetProduct(ctx context.Context, tenantId string, productId int) (*Product, error) {
	var product Product
	err := config.GetDB().WithContext(ctx).
		Where("id = ? AND tenant_id = ?", productId, tenantId).
		Take(&product).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &product, nil
}

// ListProductsPage pages through a tenant's active products in id order.
func ListProductsPage(ctx context.Context, tenantId string, afterId int, limit int) ([]Product, error) {
	if limit <= 0 {
		limit = config.PageSize
	}
	var products []Product
	err := config.GetDB().WithContext(ctx).
		Where("tenant_id = ? AND id > ?", tenantId, afterId).
		Order("id").
		Limit(limit).
		Find(&products).Error
	return products, err
}

func ListProductExternalIds(ctx context.Context, integrationId uint) ([]string, error) {
	var ids []string
	err := config.GetDB().WithContext(ctx).
		Model(&Product{}).
		Where("integration_id = ?", integrationId).
		Order("id").
		Pluck("external_id", &ids).Error
	return ids, err
}
