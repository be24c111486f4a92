package store

import (
	"context"
	"errors"

	"pagecraft/pkg/domain"
)

var (
	// ErrNotFound is returned when the addressed row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrPurchaseCompleted is returned by UpsertPurchase when the (user, book)
	// pair already holds a completed purchase.
	ErrPurchaseCompleted = errors.New("purchase already completed")
)

// Store defines persistence operations for books, purchases, coupons and chapters.
type Store interface {
	// books
	SaveBook(ctx context.Context, book domain.Book) error
	GetBook(ctx context.Context, id string) (domain.Book, bool, error)
	SetManuscript(ctx context.Context, bookID, key string) error
	SetIngestStatus(ctx context.Context, bookID string, status domain.IngestStatus, errMsg string) error

	// purchases
	UpsertPurchase(ctx context.Context, purchase domain.Purchase) error
	GetPurchaseByTxnID(ctx context.Context, txnID string) (domain.Purchase, bool, error)
	GetPurchase(ctx context.Context, userID, bookID string) (domain.Purchase, bool, error)
	ListPurchasesByUser(ctx context.Context, userID string, status domain.PurchaseStatus) ([]domain.Purchase, error)
	// ApplyPurchaseOutcome moves a pending purchase to a terminal status.
	// Rows already in a terminal status are left untouched; the returned bool
	// reports whether this call performed the transition. A completed
	// transition also consumes one use of the purchase's coupon.
	ApplyPurchaseOutcome(ctx context.Context, outcome domain.PurchaseOutcome) (domain.Purchase, bool, error)

	// coupons
	SaveCoupon(ctx context.Context, coupon domain.Coupon) error
	GetCouponByCode(ctx context.Context, code string) (domain.Coupon, bool, error)

	// chapters
	// ReplaceChapters swaps the whole chapter set of a book and its total
	// chapter count in one transaction.
	ReplaceChapters(ctx context.Context, bookID string, chapters []domain.Chapter) error
	ListChapters(ctx context.Context, bookID string) ([]domain.Chapter, error)
}
