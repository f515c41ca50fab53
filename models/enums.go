package models

import "errors"

// SellItemState is the reachable lifecycle of a sale line. The two legacy
// soft-delete flags are still what gets persisted, but every API surface
// speaks in states so the illegal flag combination (deleted without
// self_deleted) cannot be requested.
type SellItemState string

const (
	// SellItemStateActive counts against stock, is editable and printable.
	SellItemStateActive SellItemState = "Active"
	// SellItemStateLineRemoved was removed individually while its sell
	// stayed open; it no longer consumes stock and can be restored alone.
	SellItemStateLineRemoved SellItemState = "LineRemoved"
	// SellItemStateSellCancelled is reached only by cancelling the whole
	// sell; lines return to Active only through RestoreSell's allow-list.
	SellItemStateSellCancelled SellItemState = "SellCancelled"
)

func ParseSellItemState(s string) (SellItemState, error) {
	switch SellItemState(s) {
	case SellItemStateActive, SellItemStateLineRemoved, SellItemStateSellCancelled:
		return SellItemState(s), nil
	}
	return "", errors.New("invalid sell item state")
}

func (s SellItemState) String() string {
	return string(s)
}
