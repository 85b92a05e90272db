package models

import "time"

// Subscription is the local mirror of a Graph change-notification subscription.
// There is at most one per user.
type Subscription struct {
	ID             string    `gorm:"primaryKey" json:"id"` // UUID
	UserID         string    `gorm:"uniqueIndex;not null" json:"user_id"`
	SubscriptionID string    `gorm:"index;not null" json:"subscription_id"` // provider id
	Resource       string    `json:"resource"`
	ClientState    string    `json:"-"`
	ExpiresAt      time.Time `gorm:"index" json:"expires_at"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}
