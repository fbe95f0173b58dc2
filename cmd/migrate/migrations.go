package main

import (
	"gorm.io/gorm"

	"github.com/skiff-cloud/engine/internal/models"
)

// registerModels returns all models that need migration
func registerModels() []interface{} {
	return []interface{}{
		&models.Environment{},
		&models.Membership{},
	}
}

// runMigrations executes all database migrations
func runMigrations(db *gorm.DB) error {
	if err := db.AutoMigrate(registerModels()...); err != nil {
		return err
	}
	return runCustomMigrations(db)
}

// runCustomMigrations handles schema changes AutoMigrate can't handle
func runCustomMigrations(db *gorm.DB) error {
	migrations := []func(*gorm.DB) error{
		createEnvironmentIDSequence,
		addMembershipIndexes,
	}

	for _, migration := range migrations {
		if err := migration(db); err != nil {
			return err
		}
	}

	return nil
}

// createEnvironmentIDSequence backs ReserveID. Environment ids come from this
// sequence, not from autoincrement, because they are drawn before the row is
// written.
func createEnvironmentIDSequence(db *gorm.DB) error {
	return db.Exec(`CREATE SEQUENCE IF NOT EXISTS environment_id_seq START 1`).Error
}

// addMembershipIndexes adds the lookup index for per-principal listings.
func addMembershipIndexes(db *gorm.DB) error {
	return db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_memberships_principal
		ON memberships(principal_id)
	`).Error
}
