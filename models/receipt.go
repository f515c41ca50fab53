package models

import (
	"bytes"
	"context"
	"fmt"
	"image/png"

	"github.com/boombuler/barcode"
	"github.com/boombuler/barcode/code128"
	"github.com/mmdatafocus/garage_backend/utils"
	"github.com/shopspring/decimal"
)

// SellReceipt is the printable view of a sell: Active lines only, with the
// discount already applied to the total.
type SellReceipt struct {
	Sell      *Sell           `json:"sell"`
	Items     []SellItem      `json:"items"`
	Subtotal  decimal.Decimal `json:"subtotal"`
	Total     decimal.Decimal `json:"total"`
	ServedBy  string          `json:"served_by"`
	Reference string          `json:"reference"`
}

// receiptTotals computes subtotal and discounted total from the lines a
// receipt shows.
func receiptTotals(lines []SellItem, discount decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	subtotal := decimal.Zero
	for _, line := range lines {
		subtotal = subtotal.Add(line.LineTotal())
	}
	return subtotal, subtotal.Sub(discount)
}

// GetSellReceipt builds the receipt for a sell. Removed and cancelled
// lines never print.
func GetSellReceipt(ctx context.Context, sellId int) (*SellReceipt, error) {
	sell, err := GetSell(ctx, sellId)
	if err != nil {
		return nil, err
	}

	active := make([]SellItem, 0, len(sell.Items))
	for _, line := range sell.Items {
		if line.State() == SellItemStateActive {
			active = append(active, line)
		}
	}

	subtotal, total := receiptTotals(active, sell.Discount)
	servedBy, _ := utils.GetUserNameFromContext(ctx)
	return &SellReceipt{
		Sell:      sell,
		Items:     active,
		Subtotal:  subtotal,
		Total:     total,
		ServedBy:  servedBy,
		Reference: SellBarcodeReference(sell.ID),
	}, nil
}

// SellBarcodeReference is the string encoded on receipt barcodes.
func SellBarcodeReference(sellId int) string {
	return fmt.Sprintf("SELL-%08d", sellId)
}

// SellBarcodeImage renders the sell reference as a Code 128 PNG so printed
// receipts can be scanned back at the counter.
func SellBarcodeImage(ctx context.Context, sellId int) ([]byte, error) {
	sell, err := GetSell(ctx, sellId)
	if err != nil {
		return nil, err
	}
	if utils.DereferencePtr(sell.Deleted, false) {
		return nil, utils.NotFoundError("sell %d is cancelled", sellId)
	}

	code, err := code128.Encode(SellBarcodeReference(sell.ID))
	if err != nil {
		return nil, err
	}
	scaled, err := barcode.Scale(code, 300, 80)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, scaled); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
