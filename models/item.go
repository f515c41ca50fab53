package models

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/garage_backend/config"
	"github.com/mmdatafocus/garage_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Item is the catalog row. Sale operations only ever read it; stock moves
// exclusively through sell item mutations against the derived quantity.
type Item struct {
	ID               int             `gorm:"primary_key" json:"id"`
	Name             string          `gorm:"size:255;not null" json:"name" binding:"required"`
	Barcode          string          `gorm:"size:100;uniqueIndex;not null" json:"barcode" binding:"required"`
	BaselineQuantity int             `gorm:"not null;default:0" json:"baseline_quantity"`
	PurchasePrice    decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"purchase_price"`
	SellPrice        decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"sell_price"`
	Deleted          *bool           `gorm:"not null;default:false" json:"deleted"`
	CreatedAt        time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewItem struct {
	Name             string          `json:"name" binding:"required"`
	Barcode          string          `json:"barcode" binding:"required"`
	BaselineQuantity int             `json:"baseline_quantity"`
	PurchasePrice    decimal.Decimal `json:"purchase_price"`
	SellPrice        decimal.Decimal `json:"sell_price"`
}

// ItemStock is the ledger answer for one item.
type ItemStock struct {
	ItemId           int `json:"item_id"`
	BaselineQuantity int `json:"baseline_quantity"`
	ActualQuantity   int `json:"actual_quantity"`
}

const barcodeCachePrefix = "ItemBarcode:"

func barcodeCacheKey(barcode string) string {
	return barcodeCachePrefix + barcode
}

/* StockLedger */

// activeLineQuantity sums the quantities of lines still consuming stock
// (Active lines only; a NULL sum means no lines yet and counts as 0).
func activeLineQuantity(tx *gorm.DB, ctx context.Context, itemId int) (int, error) {
	var total *int
	err := tx.WithContext(ctx).Model(&SellItem{}).
		Select("SUM(quantity)").
		Where("item_id = ? AND deleted = ? AND self_deleted = ?", itemId, false, false).
		Scan(&total).Error
	if err != nil {
		return 0, err
	}
	if total == nil {
		return 0, nil
	}
	return *total, nil
}

// fetchItemStock reads the item (optionally locking its row for the span of
// tx) and computes the live available quantity. Every stock-consuming
// mutation goes through this with forUpdate=true so the availability check
// and the subsequent write are atomic against concurrent sales of the same
// item.
func fetchItemStock(tx *gorm.DB, ctx context.Context, itemId int, forUpdate bool) (*Item, *ItemStock, error) {
	dbCtx := tx.WithContext(ctx)
	if forUpdate {
		dbCtx = dbCtx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var item Item
	err := dbCtx.Where("deleted = ?", false).First(&item, itemId).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, utils.NotFoundError("item %d not found", itemId)
		}
		return nil, nil, err
	}

	consumed, err := activeLineQuantity(tx, ctx, item.ID)
	if err != nil {
		return nil, nil, err
	}

	return &item, &ItemStock{
		ItemId:           item.ID,
		BaselineQuantity: item.BaselineQuantity,
		ActualQuantity:   item.BaselineQuantity - consumed,
	}, nil
}

// GetActualQuantity answers "how much of this item is available to sell
// right now". Read-only; fails NotFound for deleted or absent items.
func GetActualQuantity(ctx context.Context, itemId int) (*ItemStock, error) {
	db := config.GetDB()
	_, stock, err := fetchItemStock(db, ctx, itemId, false)
	if err != nil {
		return nil, err
	}
	return stock, nil
}

// GetItemByBarcode resolves a scanned barcode to a live catalog item,
// caching hits in redis. Fails InvalidReference when nothing matches.
func GetItemByBarcode(ctx context.Context, barcode string) (*Item, error) {
	var cached *Item
	exists, err := config.GetRedisObject(barcodeCacheKey(barcode), &cached)
	if err == nil && exists && cached != nil && !utils.DereferencePtr(cached.Deleted, false) {
		return cached, nil
	}

	db := config.GetDB()
	var item Item
	err = db.WithContext(ctx).Where("barcode = ? AND deleted = ?", barcode, false).First(&item).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.InvalidReferenceError("barcode %q does not match any item", barcode)
		}
		return nil, err
	}

	if err := config.SetRedisObject(barcodeCacheKey(barcode), &item, time.Hour); err != nil {
		logger := config.GetLogger()
		config.LogError(logger, "item.go", "GetItemByBarcode", "cache item", barcode, err)
	}
	return &item, nil
}

/* catalog CRUD (out of the sale core; kept minimal so the system runs) */

func CreateItem(ctx context.Context, input *NewItem) (*Item, error) {
	db := config.GetDB()

	if err := utils.ValidateStruct(input); err != nil {
		return nil, err
	}
	if input.BaselineQuantity < 0 {
		return nil, utils.InvalidQuantityError("baseline quantity must not be negative")
	}
	if err := utils.ValidateUnique[Item](ctx, "barcode", input.Barcode, 0); err != nil {
		return nil, err
	}

	item := Item{
		Name:             input.Name,
		Barcode:          input.Barcode,
		BaselineQuantity: input.BaselineQuantity,
		PurchasePrice:    input.PurchasePrice,
		SellPrice:        input.SellPrice,
		Deleted:          utils.NewFalse(),
	}
	if err := db.WithContext(ctx).Create(&item).Error; err != nil {
		return nil, err
	}
	return &item, nil
}

func UpdateItem(ctx context.Context, itemId int, input *NewItem) (*Item, error) {
	db := config.GetDB()

	if input.BaselineQuantity < 0 {
		return nil, utils.InvalidQuantityError("baseline quantity must not be negative")
	}

	var item Item
	err := db.WithContext(ctx).Where("deleted = ?", false).First(&item, itemId).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.NotFoundError("item %d not found", itemId)
		}
		return nil, err
	}
	if err := utils.ValidateUnique[Item](ctx, "barcode", input.Barcode, itemId); err != nil {
		return nil, err
	}

	oldBarcode := item.Barcode
	item.Name = input.Name
	item.Barcode = input.Barcode
	item.BaselineQuantity = input.BaselineQuantity
	item.PurchasePrice = input.PurchasePrice
	item.SellPrice = input.SellPrice

	if err := db.WithContext(ctx).Save(&item).Error; err != nil {
		return nil, err
	}
	// Price/name edits must not be served from a stale barcode cache.
	if err := config.RemoveRedisKey(barcodeCacheKey(oldBarcode), barcodeCacheKey(item.Barcode)); err != nil {
		config.LogError(config.GetLogger(), "item.go", "UpdateItem", "clear barcode cache", item.ID, err)
	}
	return &item, nil
}

func DeleteItem(ctx context.Context, itemId int) (int, error) {
	db := config.GetDB()

	var item Item
	err := db.WithContext(ctx).Where("deleted = ?", false).First(&item, itemId).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, utils.NotFoundError("item %d not found", itemId)
		}
		return 0, err
	}

	if err := db.WithContext(ctx).Model(&item).Update("deleted", true).Error; err != nil {
		return 0, err
	}
	if err := config.RemoveRedisKey(barcodeCacheKey(item.Barcode)); err != nil {
		config.LogError(config.GetLogger(), "item.go", "DeleteItem", "clear barcode cache", item.ID, err)
	}
	return itemId, nil
}

func GetItem(ctx context.Context, itemId int) (*Item, error) {
	db := config.GetDB()
	var item Item
	err := db.WithContext(ctx).Where("deleted = ?", false).First(&item, itemId).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.NotFoundError("item %d not found", itemId)
		}
		return nil, err
	}
	return &item, nil
}

func GetAllItems(ctx context.Context) ([]*Item, error) {
	db := config.GetDB()
	var items []*Item
	err := db.WithContext(ctx).Where("deleted = ?", false).Order("name").Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (i Item) GetCursor() string {
	return i.CreatedAt.Format(cursorTimeFormat)
}

func (i *Item) GetId() int {
	return i.ID
}
