package main

import (
	"log"

	"github.com/joho/godotenv"
	"gorm.io/gorm/clause"

	"github.com/kwanzatech/consult-mp-backend/pkg/database"
	"github.com/kwanzatech/consult-mp-backend/pkg/models"
)

// Seeds the service category registry. Safe to rerun; existing names are
// left untouched.
func main() {
	_ = godotenv.Load()

	db := database.Init()
	if err := db.AutoMigrate(&models.ServiceCategory{}); err != nil {
		log.Fatal("migration failed:", err)
	}

	categories := []models.ServiceCategory{
		{Name: "Legal", Description: "Contracts, disputes, and general legal advice", BasePriceCents: 150000, CommissionRate: 20, MinDuration: 15, MaxDuration: 120, Active: true, SortOrder: 1},
		{Name: "Medical", Description: "General practitioner consultations", BasePriceCents: 120000, CommissionRate: 20, MinDuration: 15, MaxDuration: 60, Active: true, SortOrder: 2},
		{Name: "Tax & Accounting", Description: "Tax filings, bookkeeping, and audits", BasePriceCents: 100000, CommissionRate: 18, MinDuration: 30, MaxDuration: 120, Active: true, SortOrder: 3},
		{Name: "Psychology", Description: "Therapy and counseling sessions", BasePriceCents: 90000, CommissionRate: 15, MinDuration: 30, MaxDuration: 90, Active: true, SortOrder: 4},
		{Name: "Engineering", Description: "Technical reviews and architecture advice", BasePriceCents: 110000, CommissionRate: 20, MinDuration: 15, MaxDuration: 240, Active: true, SortOrder: 5},
		{Name: "Veterinary", Description: "Pet health consultations", BasePriceCents: 70000, CommissionRate: 20, MinDuration: 15, MaxDuration: 60, Active: true, SortOrder: 6},
	}

	res := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoNothing: true,
	}).Create(&categories)
	if res.Error != nil {
		log.Fatal("seed failed:", res.Error)
	}
	log.Printf("seeded %d categor(ies)", res.RowsAffected)
}
