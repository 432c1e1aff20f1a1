package models

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stockpilot/inventory_backend/config"
	"gorm.io/gorm/clause"
)

// SalesHistoryRecord is append-mostly: rows are upserted by the natural key
// (external sale id, product id, sale date) so a replayed batch overwrites
// instead of duplicating.
type SalesHistoryRecord struct {
	ID             uint            `gorm:"primary_key" json:"id"`
	TenantId       string          `gorm:"index;not null" json:"tenant_id"`
	ExternalSaleId string          `gorm:"uniqueIndex:idx_sales_history_natural,priority:1;size:64;not null" json:"external_sale_id"`
	ProductId      int             `gorm:"uniqueIndex:idx_sales_history_natural,priority:2;not null" json:"product_id"`
	SaleDate       time.Time       `gorm:"uniqueIndex:idx_sales_history_natural,priority:3;type:date;not null" json:"sale_date"`
	Quantity       decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"quantity"`
	TotalValue     decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"total_value"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// UpsertSalesHistoryBatch persists a batch idempotently. A conflicting
// re-fetch overwrites quantity and value for the same natural key.
func UpsertSalesHistoryBatch(ctx context.Context, records []SalesHistoryRecord) error {
	if len(records) == 0 {
		return nil
	}
	return config.GetDB().WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "external_sale_id"},
				{Name: "product_id"},
				{Name: "sale_date"},
			},
			DoUpdates: clause.AssignmentColumns([]string{"quantity", "total_value", "updated_at"}),
		}).
		Create(&records).Error
}

func GetSalesHistory(ctx context.Context, productId int, since time.Time) ([]SalesHistoryRecord, error) {
	var records []SalesHistoryRecord
	err := config.GetDB().WithContext(ctx).
		Where("product_id = ? AND sale_date >= ?", productId, since).
		Order("sale_date").
		Find(&records).Error
	return records, err
}

// RefreshProductLastSale stamps the product's last-sale date from its history.
func RefreshProductLastSale(ctx context.Context, productId int) error {
	db := config.GetDB().WithContext(ctx)
	var last *time.Time
	if err := db.Model(&SalesHistoryRecord{}).
		Where("product_id = ?", productId).
		Select("MAX(sale_date)").
		Scan(&last).Error; err != nil {
		return err
	}
	if last == nil {
		return nil
	}
	return db.Model(&Product{}).
		Where("id = ? AND (last_sale_at IS NULL OR last_sale_at < ?)", productId, *last).
		Update("last_sale_at", *last).Error
}
