package models

import (
	"testing"

	"github.com/mmdatafocus/garage_backend/utils"
	"github.com/shopspring/decimal"
)

func TestValidateDiscount(t *testing.T) {
	total := decimal.NewFromInt(10000)

	cases := []struct {
		name     string
		discount string
		wantKind utils.ErrorKind
		wantOk   bool
	}{
		{"zero is allowed", "0", "", true},
		{"full total is allowed", "10000", "", true},
		{"within range", "2500.75", "", true},
		{"negative", "-1", utils.KindInvalidDiscount, false},
		{"exceeds total", "10000.0001", utils.KindInvalidDiscount, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := validateDiscount(decimal.RequireFromString(tc.discount), total)
			if tc.wantOk {
				if err != nil {
					t.Fatalf("expected no error, got %v", err)
				}
				return
			}
			if !utils.IsKind(err, tc.wantKind) {
				t.Fatalf("expected %s error, got %v", tc.wantKind, err)
			}
		})
	}
}

func TestReceiptTotals(t *testing.T) {
	lines := []SellItem{
		{Quantity: 2, SellPrice: decimal.NewFromInt(3000)},
		{Quantity: 1, SellPrice: decimal.RequireFromString("499.99")},
	}
	discount := decimal.NewFromInt(500)

	subtotal, total := receiptTotals(lines, discount)
	if !subtotal.Equal(decimal.RequireFromString("6499.99")) {
		t.Fatalf("expected subtotal 6499.99, got %s", subtotal)
	}
	if !total.Equal(decimal.RequireFromString("5999.99")) {
		t.Fatalf("expected total 5999.99, got %s", total)
	}
}

func TestReceiptTotalsEmpty(t *testing.T) {
	subtotal, total := receiptTotals(nil, decimal.Zero)
	if !subtotal.IsZero() || !total.IsZero() {
		t.Fatalf("expected zero totals, got subtotal=%s total=%s", subtotal, total)
	}
}
