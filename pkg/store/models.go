package store

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// GORM models used for persistence.
type BookModel struct {
	ID            string          `gorm:"primaryKey"`
	AuthorID      string          `gorm:"not null;index"`
	Title         string          `gorm:"not null"`
	Price         decimal.Decimal `gorm:"type:numeric(12,2);not null;default:0"`
	ManuscriptKey string
	TotalChapters int    `gorm:"not null;default:0"`
	IngestStatus  string `gorm:"not null;default:idle"`
	IngestError   string
	CreatedAt     time.Time `gorm:"not null"`
	UpdatedAt     time.Time `gorm:"not null"`
}

type ChapterModel struct {
	ID            string    `gorm:"primaryKey"`
	BookID        string    `gorm:"not null;uniqueIndex:idx_chapter_book_number,priority:1"`
	ChapterNumber int       `gorm:"not null;uniqueIndex:idx_chapter_book_number,priority:2"`
	Title         string    `gorm:"not null"`
	Content       string    `gorm:"type:text;not null"`
	CreatedAt     time.Time `gorm:"not null"`
}

type PurchaseModel struct {
	ID              string          `gorm:"primaryKey"`
	UserID          string          `gorm:"not null;uniqueIndex:idx_purchase_user_book,priority:1"`
	BookID          string          `gorm:"not null;uniqueIndex:idx_purchase_user_book,priority:2;index"`
	Amount          decimal.Decimal `gorm:"type:numeric(12,2);not null"`
	OriginalAmount  decimal.Decimal `gorm:"type:numeric(12,2);not null"`
	CouponCode      string
	PayuTxnID       string `gorm:"column:payu_txnid;uniqueIndex"`
	TransactionID   string
	Status          string         `gorm:"not null;index"`
	CallbackPayload datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt       time.Time      `gorm:"not null"`
	UpdatedAt       time.Time      `gorm:"not null"`
}

type CouponModel struct {
	ID            string          `gorm:"primaryKey"`
	Code          string          `gorm:"uniqueIndex;not null"`
	DiscountType  string          `gorm:"not null"`
	DiscountValue decimal.Decimal `gorm:"type:numeric(12,2);not null"`
	MinPurchase   decimal.Decimal `gorm:"type:numeric(12,2);not null;default:0"`
	MaxUses       *int
	UsesCount     int `gorm:"not null;default:0"`
	ExpiresAt     *time.Time
	Active        bool      `gorm:"not null;default:true"`
	CreatedAt     time.Time `gorm:"not null"`
	UpdatedAt     time.Time `gorm:"not null"`
}
