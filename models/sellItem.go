package models

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/garage_backend/config"
	"github.com/mmdatafocus/garage_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// SellItem is one line of a sell. Prices are snapshotted at line-add time
// and never re-read from the catalog; later price edits must not rewrite
// history.
//
// The two flags persist the line lifecycle:
//
//	Active        deleted=false self_deleted=false
//	LineRemoved   deleted=false self_deleted=true
//	SellCancelled deleted=true  self_deleted=true
//
// deleted=true with self_deleted=false is unreachable: cancelling a sell
// always sets both.
type SellItem struct {
	ID            int             `gorm:"primary_key" json:"id"`
	SellId        int             `gorm:"index;not null" json:"sell_id"`
	ItemId        int             `gorm:"index;not null" json:"item_id"`
	Quantity      int             `gorm:"not null;default:0" json:"quantity"`
	PurchasePrice decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"purchase_price"`
	SellPrice     decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"sell_price"`
	Deleted       *bool           `gorm:"not null;default:false" json:"deleted"`
	SelfDeleted   *bool           `gorm:"not null;default:false" json:"self_deleted"`
	CreatedBy     int             `gorm:"not null" json:"created_by"`
	UpdatedBy     int             `gorm:"default:null" json:"updated_by"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// NewSellItem identifies the item to add: by barcode when ByBarcode is
// set, otherwise by raw item id. SellId 0 opens a fresh sell.
type NewSellItem struct {
	SellId    int    `json:"sell_id"`
	ItemId    int    `json:"item_id"`
	Barcode   string `json:"barcode"`
	ByBarcode *bool  `json:"by_barcode"`
}

func (si SellItem) State() SellItemState {
	if utils.DereferencePtr(si.Deleted, false) {
		return SellItemStateSellCancelled
	}
	if utils.DereferencePtr(si.SelfDeleted, false) {
		return SellItemStateLineRemoved
	}
	return SellItemStateActive
}

// LineTotal is quantity times the snapshotted sell price.
func (si SellItem) LineTotal() decimal.Decimal {
	return decimal.NewFromInt(int64(si.Quantity)).Mul(si.SellPrice)
}

func (si SellItem) GetCursor() string {
	return si.CreatedAt.Format(cursorTimeFormat)
}

func (si SellItem) GetId() int {
	return si.ID
}

// stateConditions maps a lifecycle state onto the stored flag pair.
func stateConditions(state SellItemState) (deleted bool, selfDeleted bool) {
	switch state {
	case SellItemStateLineRemoved:
		return false, true
	case SellItemStateSellCancelled:
		return true, true
	default:
		return false, false
	}
}

// resolveItemRef resolves the add-line reference either as a raw id or a
// barcode lookup.
func resolveItemRef(ctx context.Context, input *NewSellItem) (*Item, error) {
	if utils.DereferencePtr(input.ByBarcode, false) {
		return GetItemByBarcode(ctx, input.Barcode)
	}
	if input.ItemId <= 0 {
		return nil, utils.InvalidReferenceError("item reference is required")
	}
	return GetItem(ctx, input.ItemId)
}

// findActiveLine fetches the Active line for (sellId, itemId) inside tx.
func findActiveLine(tx *gorm.DB, ctx context.Context, sellId int, itemId int) (*SellItem, error) {
	var line SellItem
	err := tx.WithContext(ctx).
		Where("sell_id = ? AND item_id = ? AND deleted = ? AND self_deleted = ?", sellId, itemId, false, false).
		First(&line).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.NotFoundError("no active line for sell %d and item %d", sellId, itemId)
		}
		return nil, err
	}
	return &line, nil
}

// AddSellItem adds one unit of an item to a sell. With SellId 0 a fresh
// sell is opened for the acting user. When an Active line for the pair
// already exists the call accumulates onto it instead of inserting a
// duplicate. The availability check and the write share one transaction
// with the item row locked, so concurrent sales of the same item cannot
// oversell.
func AddSellItem(ctx context.Context, input *NewSellItem) (*SellItem, error) {
	db := config.GetDB()

	actor, ok := utils.GetUserIdFromContext(ctx)
	if !ok || actor == 0 {
		return nil, errors.New("actor is required")
	}

	item, err := resolveItemRef(ctx, input)
	if err != nil {
		return nil, err
	}

	lock, err := utils.ItemLock(ctx, item.ID, "sellItem.go", "AddSellItem")
	if err != nil {
		return nil, err
	}
	defer utils.ItemUnlock(ctx, lock)

	tx := db.Begin()
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	lockedItem, stock, err := fetchItemStock(tx, ctx, item.ID, true)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	sellId := input.SellId
	if sellId == 0 {
		sell, err := openSellTx(tx, ctx, actor)
		if err != nil {
			tx.Rollback()
			return nil, err
		}
		sellId = sell.ID
	} else {
		var count int64
		if err := tx.WithContext(ctx).Model(&Sell{}).
			Where("id = ? AND deleted = ?", sellId, false).
			Count(&count).Error; err != nil {
			tx.Rollback()
			return nil, err
		}
		if count == 0 {
			tx.Rollback()
			return nil, utils.NotFoundError("sell %d not found", sellId)
		}
	}

	line, err := findActiveLine(tx, ctx, sellId, item.ID)
	if err != nil && !utils.IsKind(err, utils.KindNotFound) {
		tx.Rollback()
		return nil, err
	}

	if stock.ActualQuantity < 1 {
		tx.Rollback()
		return nil, utils.InsufficientStockError(lockedItem.Name, stock.ActualQuantity, 1)
	}

	if line != nil {
		// idempotent accumulation: same item scanned again
		line.Quantity++
		line.UpdatedBy = actor
		if err := tx.WithContext(ctx).Save(line).Error; err != nil {
			tx.Rollback()
			return nil, err
		}
	} else {
		line = &SellItem{
			SellId:        sellId,
			ItemId:        lockedItem.ID,
			Quantity:      1,
			PurchasePrice: lockedItem.PurchasePrice,
			SellPrice:     lockedItem.SellPrice,
			Deleted:       utils.NewFalse(),
			SelfDeleted:   utils.NewFalse(),
			CreatedBy:     actor,
		}
		if err := tx.WithContext(ctx).Create(line).Error; err != nil {
			tx.Rollback()
			return nil, err
		}
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return line, nil
}

// UpdateSellItemQty applies a quantity delta to the Active line of
// (sellId, itemId). Positive deltas are validated against live
// availability; any delta that would take the line below zero is refused.
func UpdateSellItemQty(ctx context.Context, sellId int, itemId int, delta int) (*SellItem, error) {
	db := config.GetDB()

	actor, ok := utils.GetUserIdFromContext(ctx)
	if !ok || actor == 0 {
		return nil, errors.New("actor is required")
	}

	lock, err := utils.ItemLock(ctx, itemId, "sellItem.go", "UpdateSellItemQty")
	if err != nil {
		return nil, err
	}
	defer utils.ItemUnlock(ctx, lock)

	tx := db.Begin()
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	item, stock, err := fetchItemStock(tx, ctx, itemId, true)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	line, err := findActiveLine(tx, ctx, sellId, itemId)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	newQty := line.Quantity + delta
	if newQty < 0 {
		tx.Rollback()
		return nil, utils.InvalidQuantityError("line quantity must not drop below zero (current=%d, delta=%d)", line.Quantity, delta)
	}
	// Only additions consume stock; decreasing frees it and needs no
	// availability check.
	if delta > 0 && stock.ActualQuantity < delta {
		tx.Rollback()
		return nil, utils.InsufficientStockError(item.Name, stock.ActualQuantity, delta)
	}

	line.Quantity = newQty
	line.UpdatedBy = actor
	if err := tx.WithContext(ctx).Save(line).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return line, nil
}

// IncreaseSellItem adds one unit to the Active line.
func IncreaseSellItem(ctx context.Context, sellId int, itemId int) (*SellItem, error) {
	return UpdateSellItemQty(ctx, sellId, itemId, 1)
}

// DecreaseSellItem removes one unit from the Active line.
func DecreaseSellItem(ctx context.Context, sellId int, itemId int) (*SellItem, error) {
	return UpdateSellItemQty(ctx, sellId, itemId, -1)
}

// RemoveSellItem transitions the line for (sellId, itemId) from Active to
// LineRemoved. The freed quantity becomes available again immediately.
// Calling it twice is harmless.
func RemoveSellItem(ctx context.Context, sellId int, itemId int) (int, error) {
	db := config.GetDB()

	actor, ok := utils.GetUserIdFromContext(ctx)
	if !ok || actor == 0 {
		return 0, errors.New("actor is required")
	}

	if err := utils.ValidateResourceId[Sell](ctx, sellId); err != nil {
		return 0, err
	}

	err := db.WithContext(ctx).Model(&SellItem{}).
		Where("sell_id = ? AND item_id = ? AND deleted = ?", sellId, itemId, false).
		Updates(map[string]interface{}{"self_deleted": true, "updated_by": actor}).Error
	if err != nil {
		return 0, err
	}
	return itemId, nil
}

// RestoreSellItem returns a LineRemoved line to Active. Restoration is
// scoped to (sellId, itemId); the quantity coming back re-consumes stock,
// so availability is re-checked under the item row lock.
func RestoreSellItem(ctx context.Context, sellId int, itemId int) (int, error) {
	db := config.GetDB()

	actor, ok := utils.GetUserIdFromContext(ctx)
	if !ok || actor == 0 {
		return 0, errors.New("actor is required")
	}

	lock, err := utils.ItemLock(ctx, itemId, "sellItem.go", "RestoreSellItem")
	if err != nil {
		return 0, err
	}
	defer utils.ItemUnlock(ctx, lock)

	tx := db.Begin()
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	item, stock, err := fetchItemStock(tx, ctx, itemId, true)
	if err != nil {
		tx.Rollback()
		return 0, err
	}

	var line SellItem
	err = tx.WithContext(ctx).
		Where("sell_id = ? AND item_id = ? AND deleted = ? AND self_deleted = ?", sellId, itemId, false, true).
		First(&line).Error
	if err != nil {
		tx.Rollback()
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, utils.NotFoundError("no removed line for sell %d and item %d", sellId, itemId)
		}
		return 0, err
	}

	if stock.ActualQuantity < line.Quantity {
		tx.Rollback()
		return 0, utils.InsufficientStockError(item.Name, stock.ActualQuantity, line.Quantity)
	}

	err = tx.WithContext(ctx).Model(&line).
		Updates(map[string]interface{}{"self_deleted": false, "updated_by": actor}).Error
	if err != nil {
		tx.Rollback()
		return 0, err
	}

	if err := tx.Commit().Error; err != nil {
		return 0, err
	}
	return itemId, nil
}

/* admin listing */

type SellItemFilter struct {
	State  *SellItemState `json:"state"`
	SellId *int           `json:"sell_id"`
	ItemId *int           `json:"item_id"`
}

type SellItemsEdge Edge[SellItem]

type SellItemsConnection struct {
	Edges    []Edge[SellItem] `json:"edges"`
	PageInfo *PageInfo        `json:"pageInfo"`
}

// PaginateSellItems lists lines newest-first for admin views; the
// LineRemoved filter backs the "self-deleted lines" screen.
func PaginateSellItems(ctx context.Context, limit int, after *string, filter *SellItemFilter) (*SellItemsConnection, error) {
	db := config.GetDB()
	if limit <= 0 {
		limit = config.SearchLimit
	}

	dbCtx := db.WithContext(ctx).Model(&SellItem{})
	if filter != nil {
		if filter.State != nil {
			deleted, selfDeleted := stateConditions(*filter.State)
			dbCtx.Where("deleted = ? AND self_deleted = ?", deleted, selfDeleted)
		}
		if filter.SellId != nil {
			dbCtx.Where("sell_id = ?", *filter.SellId)
		}
		if filter.ItemId != nil {
			dbCtx.Where("item_id = ?", *filter.ItemId)
		}
	}

	edges, pageInfo, err := FetchPageCompositeCursor[SellItem](dbCtx, limit, after, "created_at", "<")
	if err != nil {
		return nil, err
	}
	return &SellItemsConnection{Edges: edges, PageInfo: pageInfo}, nil
}
