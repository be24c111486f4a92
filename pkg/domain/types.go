package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type PurchaseStatus string

const (
	PurchasePending   PurchaseStatus = "pending"
	PurchaseCompleted PurchaseStatus = "completed"
	PurchaseFailed    PurchaseStatus = "failed"
)

// Terminal reports whether no further transition is allowed from s.
func (s PurchaseStatus) Terminal() bool {
	return s == PurchaseCompleted || s == PurchaseFailed
}

type IngestStatus string

const (
	IngestIdle       IngestStatus = "idle"
	IngestProcessing IngestStatus = "processing"
	IngestReady      IngestStatus = "ready"
	IngestFailed     IngestStatus = "failed"
)

type UserRole string

const (
	RoleReader UserRole = "reader"
	RoleAuthor UserRole = "author"
	RoleAdmin  UserRole = "admin"
)

// Caller is the identity derived from a verified bearer token.
type Caller struct {
	UserID string   `json:"userId"`
	Email  string   `json:"email"`
	Name   string   `json:"name"`
	Role   UserRole `json:"role"`
}

// IsAdmin reports whether the caller carries the admin role.
func (c Caller) IsAdmin() bool {
	return c.Role == RoleAdmin
}

type Book struct {
	ID            string          `json:"id"`
	AuthorID      string          `json:"authorId"`
	Title         string          `json:"title"`
	Price         decimal.Decimal `json:"price"`
	ManuscriptKey string          `json:"-"`
	TotalChapters int             `json:"totalChapters"`
	IngestStatus  IngestStatus    `json:"ingestStatus"`
	IngestError   string          `json:"ingestError,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// HasManuscript reports whether an uploaded manuscript is referenced.
func (b Book) HasManuscript() bool {
	return b.ManuscriptKey != ""
}

type Chapter struct {
	ID            string    `json:"id"`
	BookID        string    `json:"bookId"`
	ChapterNumber int       `json:"chapterNumber"`
	Title         string    `json:"title"`
	Content       string    `json:"content"`
	CreatedAt     time.Time `json:"createdAt"`
}

type Purchase struct {
	ID             string          `json:"id"`
	UserID         string          `json:"userId"`
	BookID         string          `json:"bookId"`
	Amount         decimal.Decimal `json:"amount"`
	OriginalAmount decimal.Decimal `json:"originalAmount"`
	CouponCode     string          `json:"couponCode,omitempty"`
	TxnID          string          `json:"txnId"`
	GatewayTxnID   string          `json:"gatewayTxnId,omitempty"`
	Status         PurchaseStatus  `json:"status"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// PurchaseOutcome is the result reported by the payment gateway for one transaction.
type PurchaseOutcome struct {
	TxnID        string
	GatewayTxnID string
	Status       PurchaseStatus
	Payload      map[string]string
}

type DiscountType string

const (
	DiscountPercentage DiscountType = "percentage"
	DiscountFixed      DiscountType = "fixed"
)

type Coupon struct {
	ID            string          `json:"id"`
	Code          string          `json:"code"`
	DiscountType  DiscountType    `json:"discountType"`
	DiscountValue decimal.Decimal `json:"discountValue"`
	MinPurchase   decimal.Decimal `json:"minPurchase"`
	MaxUses       *int            `json:"maxUses,omitempty"`
	UsesCount     int             `json:"usesCount"`
	ExpiresAt     *time.Time      `json:"expiresAt,omitempty"`
	Active        bool            `json:"active"`
}

// Discount returns the amount taken off originalAmount, never more than originalAmount.
func (c Coupon) Discount(originalAmount decimal.Decimal) decimal.Decimal {
	var discount decimal.Decimal
	switch c.DiscountType {
	case DiscountPercentage:
		discount = originalAmount.Mul(c.DiscountValue).Div(decimal.NewFromInt(100))
	default:
		discount = c.DiscountValue
	}
	if discount.IsNegative() {
		return decimal.Zero
	}
	return decimal.Min(originalAmount, discount)
}
