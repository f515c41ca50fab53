package models

import (
	"log"

	"github.com/mmdatafocus/garage_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&User{},
		&Item{},
		&Sell{}, &SellItem{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
