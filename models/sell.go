package models

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/mmdatafocus/garage_backend/config"
	"github.com/mmdatafocus/garage_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const cursorTimeFormat = "2006-01-02 15:04:05.000"

// Sell is one sale transaction. Discount is an absolute amount subtracted
// from the sum of Active line totals, never a percentage.
type Sell struct {
	ID        int             `gorm:"primary_key" json:"id"`
	Discount  decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"discount"`
	SellDate  time.Time       `gorm:"not null" json:"sell_date"`
	Deleted   *bool           `gorm:"not null;default:false" json:"deleted"`
	CreatedBy int             `gorm:"not null" json:"created_by"`
	UpdatedBy int             `gorm:"default:null" json:"updated_by"`
	CreatedAt time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time       `gorm:"autoUpdateTime" json:"updated_at"`

	Items []SellItem `gorm:"foreignKey:SellId" json:"items"`
}

func (s Sell) GetCursor() string {
	return s.CreatedAt.Format(cursorTimeFormat)
}

func (s Sell) GetId() int {
	return s.ID
}

// openSellTx inserts a fresh sell inside an existing transaction. AddSellItem
// uses this when called with sell id 0 so opening the sell and adding its
// first line commit together.
func openSellTx(tx *gorm.DB, ctx context.Context, actor int) (*Sell, error) {
	sell := Sell{
		Discount:  decimal.Zero,
		SellDate:  time.Now(),
		Deleted:   utils.NewFalse(),
		CreatedBy: actor,
	}
	if err := tx.WithContext(ctx).Create(&sell).Error; err != nil {
		return nil, err
	}
	return &sell, nil
}

// OpenSell starts an empty sale transaction for the acting user.
func OpenSell(ctx context.Context) (*Sell, error) {
	db := config.GetDB()

	actor, ok := utils.GetUserIdFromContext(ctx)
	if !ok || actor == 0 {
		return nil, errors.New("actor is required")
	}
	return openSellTx(db, ctx, actor)
}

// GetSell loads a sell with all of its lines regardless of line state.
func GetSell(ctx context.Context, sellId int) (*Sell, error) {
	db := config.GetDB()

	var sell Sell
	err := db.WithContext(ctx).Preload("Items").First(&sell, sellId).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.NotFoundError("sell %d not found", sellId)
		}
		return nil, err
	}
	return &sell, nil
}

// activeLinesTotal sums quantity * sell_price over the Active lines of a
// sell, using the snapshotted prices.
func activeLinesTotal(tx *gorm.DB, ctx context.Context, sellId int) (decimal.Decimal, error) {
	var lines []SellItem
	err := tx.WithContext(ctx).
		Where("sell_id = ? AND deleted = ? AND self_deleted = ?", sellId, false, false).
		Find(&lines).Error
	if err != nil {
		return decimal.Zero, err
	}

	total := decimal.Zero
	for _, line := range lines {
		total = total.Add(line.LineTotal())
	}
	return total, nil
}

// validateDiscount enforces 0 <= discount <= linesTotal. Both boundaries
// are legal: zero discount and a full give-away both pass.
func validateDiscount(discount decimal.Decimal, linesTotal decimal.Decimal) error {
	if discount.IsNegative() {
		return utils.InvalidDiscountError("discount must not be negative (got %s)", discount.String())
	}
	if discount.GreaterThan(linesTotal) {
		return utils.InvalidDiscountError("discount %s exceeds sale total %s", discount.String(), linesTotal.String())
	}
	return nil
}

// SetSellDiscount sets the absolute discount on an open sell after checking
// it against the current Active line total.
func SetSellDiscount(ctx context.Context, sellId int, discount decimal.Decimal) (*Sell, error) {
	db := config.GetDB()

	actor, ok := utils.GetUserIdFromContext(ctx)
	if !ok || actor == 0 {
		return nil, errors.New("actor is required")
	}

	tx := db.Begin()
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	var sell Sell
	err := tx.WithContext(ctx).Where("deleted = ?", false).First(&sell, sellId).Error
	if err != nil {
		tx.Rollback()
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.NotFoundError("sell %d not found", sellId)
		}
		return nil, err
	}

	linesTotal, err := activeLinesTotal(tx, ctx, sellId)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := validateDiscount(discount, linesTotal); err != nil {
		tx.Rollback()
		return nil, err
	}

	sell.Discount = discount
	sell.UpdatedBy = actor
	if err := tx.WithContext(ctx).Save(&sell).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return &sell, nil
}

// CancelSell soft-deletes a sell and cascades to every line, including
// already LineRemoved ones, so all of its stock frees at once. Cancelling
// an already cancelled sell is a no-op.
func CancelSell(ctx context.Context, sellId int) (int, error) {
	db := config.GetDB()

	actor, ok := utils.GetUserIdFromContext(ctx)
	if !ok || actor == 0 {
		return 0, errors.New("actor is required")
	}

	tx := db.Begin()
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	var sell Sell
	err := tx.WithContext(ctx).First(&sell, sellId).Error
	if err != nil {
		tx.Rollback()
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, utils.NotFoundError("sell %d not found", sellId)
		}
		return 0, err
	}

	err = tx.WithContext(ctx).Model(&sell).
		Updates(map[string]interface{}{"deleted": true, "updated_by": actor}).Error
	if err != nil {
		tx.Rollback()
		return 0, err
	}

	err = tx.WithContext(ctx).Model(&SellItem{}).
		Where("sell_id = ?", sellId).
		Updates(map[string]interface{}{"deleted": true, "self_deleted": true, "updated_by": actor}).Error
	if err != nil {
		tx.Rollback()
		return 0, err
	}

	if err := tx.Commit().Error; err != nil {
		return 0, err
	}
	return sellId, nil
}

// RestoreSell undoes a cancellation. The header comes back unconditionally;
// only the lines named in lineIds return to Active, and each of them must
// pass a fresh availability check because other sales may have consumed the
// stock since the cancel. Items deleted from the catalog in the meantime
// are skipped rather than failing the whole restore. Lines are processed in
// item id order so two concurrent restores touching the same items lock
// rows in the same sequence.
func RestoreSell(ctx context.Context, sellId int, lineIds []int) (*Sell, error) {
	db := config.GetDB()

	actor, ok := utils.GetUserIdFromContext(ctx)
	if !ok || actor == 0 {
		return nil, errors.New("actor is required")
	}

	tx := db.Begin()
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	var sell Sell
	err := tx.WithContext(ctx).First(&sell, sellId).Error
	if err != nil {
		tx.Rollback()
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.NotFoundError("sell %d not found", sellId)
		}
		return nil, err
	}

	err = tx.WithContext(ctx).Model(&sell).
		Updates(map[string]interface{}{"deleted": false, "updated_by": actor}).Error
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	if len(lineIds) > 0 {
		var lines []SellItem
		err = tx.WithContext(ctx).
			Where("sell_id = ? AND id IN ?", sellId, utils.UniqueSlice(lineIds)).
			Find(&lines).Error
		if err != nil {
			tx.Rollback()
			return nil, err
		}
		sort.Slice(lines, func(i, j int) bool { return lines[i].ItemId < lines[j].ItemId })

		for i := range lines {
			line := &lines[i]

			item, stock, err := fetchItemStock(tx, ctx, line.ItemId, true)
			if err != nil {
				// a line whose item left the catalog stays cancelled
				if utils.IsKind(err, utils.KindNotFound) {
					continue
				}
				tx.Rollback()
				return nil, err
			}
			if stock.ActualQuantity < line.Quantity {
				tx.Rollback()
				return nil, utils.InsufficientStockError(item.Name, stock.ActualQuantity, line.Quantity)
			}

			err = tx.WithContext(ctx).Model(line).
				Updates(map[string]interface{}{"deleted": false, "self_deleted": false, "updated_by": actor}).Error
			if err != nil {
				tx.Rollback()
				return nil, err
			}
		}
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return GetSell(ctx, sellId)
}

/* admin listing */

type SellFilter struct {
	Deleted   *bool      `json:"deleted"`
	CreatedBy *int       `json:"created_by"`
	From      *time.Time `json:"from"`
	To        *time.Time `json:"to"`
}

type SellsConnection struct {
	Edges    []Edge[Sell] `json:"edges"`
	PageInfo *PageInfo    `json:"pageInfo"`
}

// PaginateSells lists sells newest-first.
func PaginateSells(ctx context.Context, limit int, after *string, filter *SellFilter) (*SellsConnection, error) {
	db := config.GetDB()
	if limit <= 0 {
		limit = config.SearchLimit
	}

	dbCtx := db.WithContext(ctx).Model(&Sell{})
	if filter != nil {
		if filter.Deleted != nil {
			dbCtx.Where("deleted = ?", *filter.Deleted)
		}
		if filter.CreatedBy != nil {
			dbCtx.Where("created_by = ?", *filter.CreatedBy)
		}
		if filter.From != nil {
			dbCtx.Where("sell_date >= ?", *filter.From)
		}
		if filter.To != nil {
			dbCtx.Where("sell_date <= ?", *filter.To)
		}
	}

	edges, pageInfo, err := FetchPageCompositeCursor[Sell](dbCtx, limit, after, "created_at", "<")
	if err != nil {
		return nil, err
	}
	return &SellsConnection{Edges: edges, PageInfo: pageInfo}, nil
}
