package models

import (
	"testing"

	"github.com/mmdatafocus/garage_backend/utils"
	"github.com/shopspring/decimal"
)

func TestSellItemState(t *testing.T) {
	cases := []struct {
		name        string
		deleted     bool
		selfDeleted bool
		want        SellItemState
	}{
		{"active", false, false, SellItemStateActive},
		{"line removed", false, true, SellItemStateLineRemoved},
		{"sell cancelled", true, true, SellItemStateSellCancelled},
		// the flag pair no flow writes still maps to cancelled
		{"deleted without self_deleted", true, false, SellItemStateSellCancelled},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			line := SellItem{Deleted: &tc.deleted, SelfDeleted: &tc.selfDeleted}
			if got := line.State(); got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestSellItemStateNilFlags(t *testing.T) {
	var line SellItem
	if got := line.State(); got != SellItemStateActive {
		t.Fatalf("nil flags should read as active, got %s", got)
	}
}

func TestStateConditionsRoundTrip(t *testing.T) {
	for _, state := range []SellItemState{SellItemStateActive, SellItemStateLineRemoved, SellItemStateSellCancelled} {
		deleted, selfDeleted := stateConditions(state)
		line := SellItem{Deleted: &deleted, SelfDeleted: &selfDeleted}
		if got := line.State(); got != state {
			t.Fatalf("state %s did not round-trip through flags, got %s", state, got)
		}
	}
}

func TestParseSellItemState(t *testing.T) {
	if _, err := ParseSellItemState("Active"); err != nil {
		t.Fatalf("Active should parse: %v", err)
	}
	if _, err := ParseSellItemState("Removed"); err == nil {
		t.Fatal("unknown state should not parse")
	}
}

func TestLineTotal(t *testing.T) {
	line := SellItem{
		Quantity:  3,
		SellPrice: decimal.RequireFromString("1500.5"),
		Deleted:   utils.NewFalse(),
	}
	if got := line.LineTotal(); !got.Equal(decimal.RequireFromString("4501.5")) {
		t.Fatalf("expected 4501.5, got %s", got)
	}
}
