package token

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/pysugar/inbox-tasks/internal/db/models"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotConnected means the user has no usable mailbox credential: never
// connected, disconnected, or the refresh exchange failed.
var ErrNotConnected = errors.New("mailbox not connected")

// DefaultRefreshMargin is how close to expiry a token may get before it is refreshed.
const DefaultRefreshMargin = 60 * time.Second

// fallbackLifetime is assumed when the provider omits expires_in.
const fallbackLifetime = time.Hour

// Vault hands out valid access tokens per user and refreshes them on demand.
// Refreshes for the same user are collapsed into one in-flight exchange.
type Vault struct {
	db     *gorm.DB
	config *oauth2.Config
	margin time.Duration
	group  singleflight.Group
	now    func() time.Time
}

// NewVault creates a vault. config must carry the token endpoint and client
// credentials used for refresh-token exchanges.
func NewVault(db *gorm.DB, config *oauth2.Config, margin time.Duration) *Vault {
	if margin <= 0 {
		margin = DefaultRefreshMargin
	}
	return &Vault{
		db:     db,
		config: config,
		margin: margin,
		now:    time.Now,
	}
}

// Status is the connection state reported to API callers.
type Status struct {
	Connected bool      `json:"connected"`
	Email     string    `json:"email,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// GetValidAccessToken returns a token usable for at least the refresh margin.
// No network call is made while the stored token is fresh. Every failure to
// produce a token is reported as ErrNotConnected.
func (v *Vault) GetValidAccessToken(ctx context.Context, userID string) (string, error) {
	cred, err := v.load(ctx, userID)
	if err != nil {
		return "", err
	}
	if v.fresh(cred) {
		return cred.AccessToken, nil
	}
	if cred.RefreshToken == "" {
		return "", ErrNotConnected
	}

	// The exchange must not be cut short by whichever caller happened to start it.
	flightCtx := context.WithoutCancel(ctx)
	res, err, shared := v.group.Do(userID, func() (any, error) {
		return v.refresh(flightCtx, userID)
	})
	if shared {
		log.Printf("🔁 [VAULT] Joined in-flight refresh for %s", userID)
	}
	if err != nil {
		return "", err
	}
	return res.(string), nil
}

func (v *Vault) fresh(cred *models.Credential) bool {
	return cred.AccessToken != "" && cred.ExpiresAt.Sub(v.now()) > v.margin
}

func (v *Vault) load(ctx context.Context, userID string) (*models.Credential, error) {
	var cred models.Credential
	err := v.db.WithContext(ctx).First(&cred, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotConnected
	}
	if err != nil {
		return nil, fmt.Errorf("load credential for %s: %w", userID, err)
	}
	return &cred, nil
}

// refresh runs inside the single flight. It re-reads the record first because
// a flight that finished just before this one may already have refreshed it.
func (v *Vault) refresh(ctx context.Context, userID string) (string, error) {
	cred, err := v.load(ctx, userID)
	if err != nil {
		return "", err
	}
	if v.fresh(cred) {
		return cred.AccessToken, nil
	}
	if cred.RefreshToken == "" {
		return "", ErrNotConnected
	}

	newToken, err := v.config.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshToken}).Token()
	if err != nil {
		log.Printf("❌ [VAULT] Refresh failed for %s: %v", userID, err)
		if isPermanentRefreshError(err) {
			// The grant is dead; drop it so the user shows as disconnected.
			clearErr := v.db.WithContext(ctx).Model(&models.Credential{}).
				Where("user_id = ?", userID).
				Updates(map[string]any{
					"access_token":  "",
					"refresh_token": "",
					"expires_at":    time.Time{},
				}).Error
			if clearErr != nil {
				log.Printf("❌ [VAULT] Failed to clear revoked credential for %s: %v", userID, clearErr)
			} else {
				log.Printf("🔒 [VAULT] Credential for %s cleared. Reconnect required.", userID)
			}
		}
		return "", fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	expiresAt := newToken.Expiry
	if expiresAt.IsZero() {
		expiresAt = v.now().Add(fallbackLifetime)
	}
	updates := map[string]any{
		"access_token": newToken.AccessToken,
		"token_type":   newToken.TokenType,
		"expires_at":   expiresAt,
	}
	if scope, ok := newToken.Extra("scope").(string); ok && scope != "" {
		updates["scope"] = scope
	}
	// Persist rotated refresh token if provided (RFC 6749 §6).
	if newToken.RefreshToken != "" && newToken.RefreshToken != cred.RefreshToken {
		log.Printf("🔄 [VAULT] Rotating refresh token for %s", userID)
		updates["refresh_token"] = newToken.RefreshToken
	}

	if err := v.db.WithContext(ctx).Model(&models.Credential{}).
		Where("user_id = ?", userID).
		Updates(updates).Error; err != nil {
		return "", fmt.Errorf("persist refreshed token for %s: %w", userID, err)
	}

	log.Printf("✅ [VAULT] Refreshed token for %s (expires: %s)", userID, expiresAt.Format(time.RFC3339))
	return newToken.AccessToken, nil
}

// Store saves the tokens from a completed authorization for userID. An empty
// refresh token in tok keeps the previously stored one.
func (v *Vault) Store(ctx context.Context, userID, email string, tok *oauth2.Token) error {
	if tok == nil || tok.AccessToken == "" {
		return errors.New("store credential: empty access token")
	}
	expiresAt := tok.Expiry
	if expiresAt.IsZero() {
		expiresAt = v.now().Add(fallbackLifetime)
	}
	scope, _ := tok.Extra("scope").(string)

	cred := models.Credential{
		UserID:       userID,
		Email:        email,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Scope:        scope,
		ExpiresAt:    expiresAt,
	}
	columns := []string{"email", "access_token", "token_type", "scope", "expires_at", "updated_at"}
	if tok.RefreshToken != "" {
		columns = append(columns, "refresh_token")
	}

	err := v.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns(columns),
	}).Create(&cred).Error
	if err != nil {
		return fmt.Errorf("store credential for %s: %w", userID, err)
	}
	log.Printf("🔐 [VAULT] Stored credential for %s (%s)", userID, email)
	return nil
}

// Disconnect forgets the user's credential.
func (v *Vault) Disconnect(ctx context.Context, userID string) error {
	return v.db.WithContext(ctx).Delete(&models.Credential{}, "user_id = ?", userID).Error
}

// Email returns the connected mailbox address.
func (v *Vault) Email(ctx context.Context, userID string) (string, error) {
	cred, err := v.load(ctx, userID)
	if err != nil {
		return "", err
	}
	return cred.Email, nil
}

func (v *Vault) Status(ctx context.Context, userID string) (Status, error) {
	cred, err := v.load(ctx, userID)
	if errors.Is(err, ErrNotConnected) {
		return Status{}, nil
	}
	if err != nil {
		return Status{}, err
	}
	return Status{
		Connected: cred.Connected() || cred.RefreshToken != "",
		Email:     cred.Email,
		ExpiresAt: cred.ExpiresAt,
	}, nil
}

func isPermanentRefreshError(err error) bool {
	if err == nil {
		return false
	}
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		switch re.ErrorCode {
		case "invalid_grant", "invalid_client", "unauthorized_client":
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	permanentMarkers := []string{
		"invalid_grant",
		"invalid_client",
		"unauthorized_client",
		"token has been expired or revoked",
		"revoked",
	}
	for _, marker := range permanentMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
