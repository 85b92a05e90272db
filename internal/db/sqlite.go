package db

import (
	"crypto/rand"
	"encoding/hex"
	"log"

	"github.com/glebarez/sqlite"
	"github.com/pysugar/inbox-tasks/internal/db/models"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// InitDB opens the SQLite database and runs migrations.
func InitDB(dbPath string, verbose bool) (*gorm.DB, error) {
	level := logger.Warn
	if verbose {
		level = logger.Info
	}
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(level),
	})
	if err != nil {
		return nil, err
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}

	ensureAPIKey(db)

	return db, nil
}

// Migrate creates or updates every table the service owns.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Credential{},
		&models.Subscription{},
		&models.WorkItem{},
		&models.Setting{},
	)
}

// ensureAPIKey generates the API key on first run
func ensureAPIKey(db *gorm.DB) {
	var setting models.Setting
	if err := db.Where("key = ?", models.SettingAPIKey).First(&setting).Error; err == nil {
		return
	}

	apiKey := newAPIKey()
	if err := db.Create(&models.Setting{Key: models.SettingAPIKey, Value: apiKey}).Error; err != nil {
		log.Printf("⚠️ Failed to store API key: %v", err)
		return
	}
	log.Printf("🔑 Generated new API key: %s", apiKey)
}

// GetAPIKey retrieves the API key from database
func GetAPIKey(db *gorm.DB) string {
	var setting models.Setting
	db.Where("key = ?", models.SettingAPIKey).First(&setting)
	return setting.Value
}

// RegenerateAPIKey replaces the API key and returns the new value.
func RegenerateAPIKey(db *gorm.DB) string {
	apiKey := newAPIKey()
	db.Model(&models.Setting{}).Where("key = ?", models.SettingAPIKey).Update("value", apiKey)
	log.Printf("🔑 Regenerated API key: %s", apiKey)
	return apiKey
}

func newAPIKey() string {
	keyBytes := make([]byte, 16)
	rand.Read(keyBytes)
	return "sk-" + hex.EncodeToString(keyBytes)
}
