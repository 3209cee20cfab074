package types

import "time"

// Order is the business record the order service protects with locks.
type Order struct {
	ID         string    `json:"id"`
	CustomerID string    `json:"customer_id"`
	DiscountID string    `json:"discount_id,omitempty"`
	Status     string    `json:"status"`
	Notes      string    `json:"notes,omitempty"`
	TotalCents int64     `json:"total_cents"`
	Version    int       `json:"version"`
	UpdatedBy  string    `json:"updated_by"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// OrderPatch lists the fields an update may change. Nil fields are left alone.
type OrderPatch struct {
	Status     *string `json:"status,omitempty"`
	Notes      *string `json:"notes,omitempty"`
	TotalCents *int64  `json:"total_cents,omitempty"`
}

// Apply copies the set fields of p onto o.
func (p OrderPatch) Apply(o *Order) {
	if p.Status != nil {
		o.Status = *p.Status
	}
	if p.Notes != nil {
		o.Notes = *p.Notes
	}
	if p.TotalCents != nil {
		o.TotalCents = *p.TotalCents
	}
}

// User is an actor that can hold locks. Only the display name is stored;
// authentication lives elsewhere.
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}
