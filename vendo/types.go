package vendo

import "encoding/json"

// Wire shapes for the Vendo ERP list endpoints. Prices come back as bare
// numbers or strings depending on the account's locale, hence json.Number.

type Product struct {
	ID         string      `json:"id"`
	Sku        string      `json:"sku"`
	Name       string      `json:"name"`
	CategoryId string      `json:"category_id"`
	CostPrice  json.Number `json:"cost_price"`
	SalePrice  json.Number `json:"sale_price"`
	Active     bool        `json:"active"`
	UpdatedAt  string      `json:"updated_at"`
}

type Category struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type StockBalance struct {
	ProductId string      `json:"product_id"`
	Quantity  json.Number `json:"quantity"`
	UpdatedAt string      `json:"updated_at"`
}

type SaleRef struct {
	ID       string `json:"id"`
	SaleDate string `json:"sale_date"`
}

type SaleItem struct {
	ProductId  string      `json:"product_id"`
	Quantity   json.Number `json:"quantity"`
	TotalValue json.Number `json:"total_value"`
}

type Sale struct {
	ID       string     `json:"id"`
	SaleDate string     `json:"sale_date"`
	Status   string     `json:"status"`
	Items    []SaleItem `json:"items"`
}

type listResponse struct {
	Data    []json.RawMessage `json:"data"`
	Items   []json.RawMessage `json:"items"`
	HasMore *bool             `json:"has_more"`
	Page    int               `json:"page"`
}
