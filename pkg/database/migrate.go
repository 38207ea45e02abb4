package database

import (
	"survey-bot/internal/models"

	"gorm.io/gorm"
)

// Models lists every entity table in dependency order.
func Models() []interface{} {
	return []interface{}{
		&models.Group{},
		&models.Account{},
		&models.Poll{},
		&models.Question{},
		&models.Option{},
		&models.Response{},
		&models.Progress{},
	}
}

// Migrate creates or updates the entity tables plus any extra tables the
// caller owns (the conversation state table, for instance).
func Migrate(db *gorm.DB, extra ...interface{}) error {
	return db.AutoMigrate(append(Models(), extra...)...)
}
