package models

import (
	"log"

	"github.com/mmdatafocus/cellar_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Business{}, &User{},
		&Vessel{}, &Batch{}, &BatchComposition{}, &BatchTransfer{},
		&Keg{}, &KegFill{}, &KegFillMaterial{},
		&Material{}, &PurchaseLineItem{},
		&PressRun{}, &PressRunLoad{},
		&Document{},
		&NumberSeries{}, &NumberSeriesModule{},
		&LedgerEventRecord{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
