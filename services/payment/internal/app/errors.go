package app

import "errors"

var (
	ErrNotConfigured    = errors.New("payment gateway not configured")
	ErrInvalidRequest   = errors.New("invalid request")
	ErrBookNotFound     = errors.New("book not found")
	ErrInvalidCoupon    = errors.New("invalid coupon")
	ErrAlreadyPurchased = errors.New("book already purchased")
	ErrRateLimited      = errors.New("too many payment attempts")
	ErrPersistence      = errors.New("persistence error")
)
