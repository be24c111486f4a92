package domain

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestCouponDiscount(t *testing.T) {
	tests := []struct {
		name   string
		coupon Coupon
		amount string
		want   string
	}{
		{
			name:   "percentage",
			coupon: Coupon{DiscountType: DiscountPercentage, DiscountValue: decimal.NewFromInt(10)},
			amount: "199",
			want:   "19.9",
		},
		{
			name:   "percentage capped at amount",
			coupon: Coupon{DiscountType: DiscountPercentage, DiscountValue: decimal.NewFromInt(150)},
			amount: "80",
			want:   "80",
		},
		{
			name:   "fixed",
			coupon: Coupon{DiscountType: DiscountFixed, DiscountValue: decimal.NewFromInt(50)},
			amount: "199",
			want:   "50",
		},
		{
			name:   "fixed capped at amount",
			coupon: Coupon{DiscountType: DiscountFixed, DiscountValue: decimal.NewFromInt(500)},
			amount: "199",
			want:   "199",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := tc.coupon.Discount(decimal.RequireFromString(tc.amount))
			if !got.Equal(decimal.RequireFromString(tc.want)) {
				t.Fatalf("discount = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestPurchaseStatusTerminal(t *testing.T) {
	if PurchasePending.Terminal() {
		t.Fatalf("pending must not be terminal")
	}
	if !PurchaseCompleted.Terminal() || !PurchaseFailed.Terminal() {
		t.Fatalf("completed and failed must be terminal")
	}
}
