package models

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/mmdatafocus/garage_backend/config"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
)

type sellExportRow struct {
	SellId    int             `json:"sell_id"`
	SellDate  time.Time       `json:"sell_date"`
	CreatedBy int             `json:"created_by"`
	LineCount int             `json:"line_count"`
	Subtotal  decimal.Decimal `json:"subtotal"`
	Discount  decimal.Decimal `json:"discount"`
	Total     decimal.Decimal `json:"total"`
}

func sellExportRows(ctx context.Context, from time.Time, to time.Time) ([]sellExportRow, error) {
	db := config.GetDB()

	sql := `
SELECT
    sells.id AS sell_id,
    sells.sell_date,
    sells.created_by,
    COALESCE(lines.line_count, 0) AS line_count,
    COALESCE(lines.subtotal, 0) AS subtotal,
    sells.discount,
    COALESCE(lines.subtotal, 0) - sells.discount AS total
FROM
    sells
    LEFT JOIN (
        SELECT
            sell_id,
            COUNT(id) AS line_count,
            SUM(quantity * sell_price) AS subtotal
        FROM
            sell_items
        WHERE
            deleted = false AND self_deleted = false
        GROUP BY
            sell_id
    ) AS lines ON lines.sell_id = sells.id
WHERE
    sells.deleted = false
    AND sells.sell_date >= ?
    AND sells.sell_date <= ?
ORDER BY
    sells.sell_date;
`

	var rows []sellExportRow
	if err := db.WithContext(ctx).Raw(sql, from, to).Scan(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// ExportSellsXlsx builds an xlsx workbook of the sells in [from, to],
// cancelled sells excluded, one row per sell with its discounted total.
func ExportSellsXlsx(ctx context.Context, from time.Time, to time.Time) ([]byte, error) {
	rows, err := sellExportRows(ctx, from, to)
	if err != nil {
		return nil, err
	}

	f := excelize.NewFile()
	sheetName := "Sells"
	if err := f.SetSheetName("Sheet1", sheetName); err != nil {
		return nil, err
	}

	headings := []string{"SellId", "SellDate", "CreatedBy", "LineCount", "Subtotal", "Discount", "Total"}
	col := 'A'
	for _, h := range headings {
		f.SetCellValue(sheetName, string(col)+"1", h)
		col++
	}

	for i, r := range rows {
		rowNo := fmt.Sprint(i + 2)
		f.SetCellValue(sheetName, "A"+rowNo, r.SellId)
		f.SetCellValue(sheetName, "B"+rowNo, r.SellDate.Format("2006-01-02 15:04:05"))
		f.SetCellValue(sheetName, "C"+rowNo, r.CreatedBy)
		f.SetCellValue(sheetName, "D"+rowNo, r.LineCount)
		f.SetCellValue(sheetName, "E"+rowNo, r.Subtotal.InexactFloat64())
		f.SetCellValue(sheetName, "F"+rowNo, r.Discount.InexactFloat64())
		f.SetCellValue(sheetName, "G"+rowNo, r.Total.InexactFloat64())
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
