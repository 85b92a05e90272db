package models

import "time"

// Credential stores the Microsoft OAuth tokens for one user.
// A user with an empty AccessToken is treated as not connected.
type Credential struct {
	UserID       string `gorm:"primaryKey"`
	Email        string `gorm:"index"` // mailbox address of the connected account
	AccessToken  string
	RefreshToken string
	TokenType    string
	Scope        string
	ExpiresAt    time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Connected reports whether the record holds a usable access token.
func (c Credential) Connected() bool {
	return c.AccessToken != ""
}
