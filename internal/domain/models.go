package domain

import "time"

// Product is a read-only valuation input owned by the external catalog.
type Product struct {
	ID                 string  `json:"id"`
	Name               string  `json:"name"`
	OriginalPriceCents int64   `json:"original_price_cents"`
	SalePriceCents     int64   `json:"sale_price_cents"`
	DefaultReturnPct   float64 `json:"default_return_pct"`
}

// InventoryBatch is a discrete quantity of one product with its own intake
// timestamp. Quantity never goes negative; a batch reaching exactly zero is
// deleted. Batches of the same product are never merged, so distinct ages
// stay distinct.
type InventoryBatch struct {
	ID        string    `json:"id"`
	ProductID string    `json:"product_id"`
	Quantity  float64   `json:"quantity"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type BatchCreateRequest struct {
	ProductID string  `json:"product_id"`
	Quantity  float64 `json:"quantity"`
	CreatedAt string  `json:"created_at,omitempty"`
}

// BatchView is a batch annotated with its age at read time. The category is
// display/default-suggestion only and never gates core logic.
type BatchView struct {
	InventoryBatch
	ProductName string `json:"product_name"`
	AgeDays     int    `json:"age_days"`
	AgeCategory string `json:"age_category"`
}

type BatchListResponse struct {
	Batches []BatchView `json:"batches"`
}

type DeductRequest struct {
	ProductID    string  `json:"product_id"`
	Amount       float64 `json:"amount"`
	AllowPartial bool    `json:"allow_partial"`
}

// BatchConsumption records how much one deduction took from one batch.
type BatchConsumption struct {
	BatchID   string    `json:"batch_id"`
	ProductID string    `json:"product_id"`
	Quantity  float64   `json:"quantity"`
	CreatedAt time.Time `json:"created_at"`
	Drained   bool      `json:"drained"`
}

type DeductResult struct {
	ProductID string             `json:"product_id"`
	Requested float64            `json:"requested"`
	Deducted  float64            `json:"deducted"`
	Shortfall float64            `json:"shortfall"`
	Consumed  []BatchConsumption `json:"consumed"`
}

const (
	SelectionReturn = "return"
	SelectionKeep   = "keep"
)

// BatchSelection tags one batch for a return submission. Quantity is the
// quantity the operator saw; when non-zero it must still match the live batch
// or the whole submission is rejected as stale. Percentage overrides the
// product default for "return" entries.
type BatchSelection struct {
	BatchID    string   `json:"batch_id"`
	Action     string   `json:"action"`
	Quantity   float64  `json:"quantity,omitempty"`
	Percentage *float64 `json:"percentage,omitempty"`
}

type ReturnProcessRequest struct {
	ReturnDate string           `json:"return_date,omitempty"`
	Selections []BatchSelection `json:"selections"`
}

// Return is an aggregate record of one processed return. Append-only after
// commit except the notification latch and the reversed flag.
type Return struct {
	ID               string       `json:"id"`
	ReturnDate       string       `json:"return_date"`
	ProcessedBy      string       `json:"processed_by"`
	ProcessedAt      time.Time    `json:"processed_at"`
	TotalValueCents  int64        `json:"total_value_cents"`
	TotalQuantity    float64      `json:"total_quantity"`
	TotalBatches     int          `json:"total_batches"`
	NotificationSent bool         `json:"notification_sent"`
	Reversed         bool         `json:"reversed"`
	Items            []ReturnItem `json:"items,omitempty"`
}

// ReturnItem is an immutable value snapshot copied at commit time. History
// views never join back to the live catalog, so the product reference is
// soft and survives product deletion.
type ReturnItem struct {
	ID                 string    `json:"id"`
	ReturnID           string    `json:"return_id"`
	ProductID          string    `json:"product_id"`
	ProductName        string    `json:"product_name"`
	Quantity           float64   `json:"quantity"`
	AgeDays            int       `json:"age_days"`
	BatchCreatedAt     time.Time `json:"batch_created_at"`
	OriginalPriceCents int64     `json:"original_price_cents"`
	SalePriceCents     int64     `json:"sale_price_cents"`
	ReturnPct          float64   `json:"return_pct"`
	UnitValueCents     int64     `json:"unit_value_cents"`
	LineValueCents     int64     `json:"line_value_cents"`
}

type ReturnResponse struct {
	Return Return `json:"return"`
}

// ReturnQuery filters the history listing. Archived records (older than the
// configured retention window) are hidden unless IncludeArchived is set.
type ReturnQuery struct {
	From            string `json:"from,omitempty"`
	To              string `json:"to,omitempty"`
	ProductName     string `json:"product_name,omitempty"`
	MinValueCents   int64  `json:"min_value_cents,omitempty"`
	MaxValueCents   int64  `json:"max_value_cents,omitempty"`
	IncludeArchived bool   `json:"include_archived,omitempty"`
	Limit           int    `json:"limit,omitempty"`
}

type ReturnListResponse struct {
	Returns []Return `json:"returns"`
}

type UndoResponse struct {
	ReturnID        string           `json:"return_id"`
	ReversedAt      string           `json:"reversed_at"`
	RestoredBatches []InventoryBatch `json:"restored_batches"`
}

type DispatchResult struct {
	ReturnID string `json:"return_id"`
	Sent     bool   `json:"sent"`
	Attempts int    `json:"attempts"`
}

// Actor identifies who is performing an operation, extracted from the bearer
// token by the HTTP layer.
type Actor struct {
	Username string
	Role     string
}
