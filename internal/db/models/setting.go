package models

import "time"

// Setting is a key/value row for process-wide values such as the API key.
type Setting struct {
	Key       string `gorm:"primaryKey"`
	Value     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SettingAPIKey names the row holding the /api bearer key.
const SettingAPIKey = "api_key"
