// Package domain defines the entities flowing through the pipeline and the
// ports the adapters implement.
//
// Entities mirror the five CSV-derived input streams plus the aggregated
// forms produced by the query stages. All of them serialize as JSON objects
// with ISO-8601 datetimes.
package domain

import (
	"fmt"
	"time"
)

// Store is a coffee-shop location (dimension table).
type Store struct {
	StoreID   int64  `json:"store_id"`
	StoreName string `json:"store_name"`
}

// User is a registered customer (dimension table).
type User struct {
	UserID    int64  `json:"user_id"`
	Birthdate string `json:"birthdate"` // YYYY-MM-DD
}

// MenuItem is a sellable product (dimension table).
type MenuItem struct {
	ItemID   int64  `json:"item_id"`
	ItemName string `json:"item_name"`
}

// Transaction is one purchase. UserID is nil for anonymous purchases.
type Transaction struct {
	ID          string    `json:"id"`
	StoreID     int64     `json:"store_id"`
	UserID      *int64    `json:"user_id,omitempty"`
	FinalAmount float64   `json:"final_amount"`
	CreatedAt   time.Time `json:"created_at"`
}

// TransactionItem is one line of a purchase.
type TransactionItem struct {
	ItemID    int64     `json:"item_id"`
	Quantity  int64     `json:"quantity"`
	Subtotal  float64   `json:"subtotal"`
	CreatedAt time.Time `json:"created_at"`
}

// ItemPeriodStats accumulates sales of one item within one year-month period.
type ItemPeriodStats struct {
	Quantity int64   `json:"quantity"`
	Amount   float64 `json:"amount"`
	ItemName string  `json:"item_name,omitempty"`
}

// TransactionItemsByPeriod maps period ("2024-01") to item_id to stats.
type TransactionItemsByPeriod map[string]map[int64]*ItemPeriodStats

// StoreTPV accumulates total payment value for one store.
type StoreTPV struct {
	StoreName string  `json:"store_name,omitempty"`
	Amount    float64 `json:"amount"`
}

// SemesterTPVByStore maps semester ("2024-H1") to store_id to TPV.
type SemesterTPVByStore map[string]map[int64]*StoreTPV

// UserPurchases counts purchases of one user at one store.
type UserPurchases struct {
	Purchases int64  `json:"purchases"`
	Birthdate string `json:"birthday,omitempty"`
	StoreName string `json:"store_name,omitempty"`
}

// UserPurchasesByStore maps store_id to user_id to purchase counts.
type UserPurchasesByStore map[int64]map[int64]*UserPurchases

// PeriodOf formats t as the year-month period key used by Q2.
func PeriodOf(t time.Time) string {
	return t.Format("2006-01")
}

// SemesterOf formats t as the half-year key used by Q3.
func SemesterOf(t time.Time) string {
	half := "H1"
	if t.Month() >= time.July {
		half = "H2"
	}
	return fmt.Sprintf("%d-%s", t.Year(), half)
}
