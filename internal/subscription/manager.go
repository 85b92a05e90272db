// Package subscription keeps one Graph change-notification subscription alive
// per connected mailbox.
package subscription

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pysugar/inbox-tasks/internal/auth/token"
	"github.com/pysugar/inbox-tasks/internal/config"
	"github.com/pysugar/inbox-tasks/internal/db/models"
	"github.com/pysugar/inbox-tasks/internal/upstream/graph"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrNotConnected = token.ErrNotConnected
	ErrNotFound     = errors.New("subscription not found")
	// ErrNoNotificationURL means no public https endpoint is configured for
	// the provider to call.
	ErrNoNotificationURL = errors.New("public https base url is not configured")
)

// TokenSource yields a valid access token for a user.
type TokenSource interface {
	GetValidAccessToken(ctx context.Context, userID string) (string, error)
}

// Provider is the remote subscription API.
type Provider interface {
	CreateSubscription(ctx context.Context, accessToken string, in graph.SubscriptionRequest) (*graph.Subscription, error)
	RenewSubscription(ctx context.Context, accessToken, id string, expiresAt time.Time) (*graph.Subscription, error)
	DeleteSubscription(ctx context.Context, accessToken, id string) error
}

type Options struct {
	NotificationURL string
	Resource        string
	ChangeType      string
	// ReuseThreshold is the minimum remaining lifetime for Ensure to reuse
	// an existing subscription.
	ReuseThreshold time.Duration
	// MaxMinutes is the provider's lifetime ceiling; requests ask for
	// MaxMinutes-MarginMinutes.
	MaxMinutes    int
	MarginMinutes int
}

func (o *Options) defaults() {
	if o.Resource == "" {
		o.Resource = "/me/messages"
	}
	if o.ChangeType == "" {
		o.ChangeType = "created"
	}
	if o.ReuseThreshold <= 0 {
		o.ReuseThreshold = 15 * time.Minute
	}
	if o.MaxMinutes <= 0 || o.MaxMinutes > config.MaxMessageSubscriptionMinutes {
		o.MaxMinutes = config.MaxMessageSubscriptionMinutes
	}
	if o.MarginMinutes < 0 || o.MarginMinutes >= o.MaxMinutes {
		o.MarginMinutes = 10
	}
}

type Result struct {
	SubscriptionID string    `json:"subscription_id"`
	ExpiresAt      time.Time `json:"expires_at"`
	Reused         bool      `json:"reused"`
}

type Manager struct {
	db       *gorm.DB
	tokens   TokenSource
	provider Provider
	opts     Options
	locks    sync.Map // userID -> *sync.Mutex
	now      func() time.Time
}

func NewManager(db *gorm.DB, tokens TokenSource, provider Provider, opts Options) *Manager {
	opts.defaults()
	return &Manager{
		db:       db,
		tokens:   tokens,
		provider: provider,
		opts:     opts,
		now:      time.Now,
	}
}

func (m *Manager) lock(userID string) func() {
	mu, _ := m.locks.LoadOrStore(userID, &sync.Mutex{})
	mu.(*sync.Mutex).Lock()
	return mu.(*sync.Mutex).Unlock
}

// requestedExpiry is just under the provider ceiling, on a whole UTC minute.
func (m *Manager) requestedExpiry() time.Time {
	minutes := m.opts.MaxMinutes - m.opts.MarginMinutes
	return m.now().UTC().Truncate(time.Minute).Add(time.Duration(minutes) * time.Minute)
}

// Ensure makes sure userID has a live subscription. An existing one with
// more than ReuseThreshold left is returned untouched; otherwise the old one
// is deleted remotely (best effort) and a new one is created and stored.
func (m *Manager) Ensure(ctx context.Context, userID string) (Result, error) {
	unlock := m.lock(userID)
	defer unlock()

	accessToken, err := m.tokens.GetValidAccessToken(ctx, userID)
	if err != nil {
		if errors.Is(err, token.ErrNotConnected) {
			return Result{}, ErrNotConnected
		}
		return Result{}, err
	}
	if !strings.HasPrefix(strings.ToLower(m.opts.NotificationURL), "https://") {
		log.Printf("❌ [SUBSCRIBE] Notification URL must be https, got %q", m.opts.NotificationURL)
		return Result{}, ErrNoNotificationURL
	}

	existing, err := m.Status(ctx, userID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Result{}, err
	}
	if existing != nil && existing.ExpiresAt.Sub(m.now()) > m.opts.ReuseThreshold {
		return Result{SubscriptionID: existing.SubscriptionID, ExpiresAt: existing.ExpiresAt, Reused: true}, nil
	}

	if existing != nil && existing.SubscriptionID != "" {
		if err := m.provider.DeleteSubscription(ctx, accessToken, existing.SubscriptionID); err != nil {
			log.Printf("⚠️ [SUBSCRIBE] Delete old subscription %s failed: %v", existing.SubscriptionID, err)
		} else {
			log.Printf("🗑️ [SUBSCRIBE] Deleted old subscription %s", existing.SubscriptionID)
		}
	}

	clientState, err := newClientState()
	if err != nil {
		return Result{}, err
	}
	requested := m.requestedExpiry()
	created, err := m.provider.CreateSubscription(ctx, accessToken, graph.SubscriptionRequest{
		ChangeType:         m.opts.ChangeType,
		NotificationURL:    m.opts.NotificationURL,
		Resource:           m.opts.Resource,
		ExpirationDateTime: requested,
		ClientState:        clientState,
	})
	if err != nil {
		return Result{}, fmt.Errorf("create subscription for %s: %w", userID, err)
	}

	expiresAt := created.ExpirationDateTime.UTC()
	if expiresAt.IsZero() {
		expiresAt = requested
	}
	resource := created.Resource
	if resource == "" {
		resource = m.opts.Resource
	}
	record := models.Subscription{
		ID:             uuid.New().String(),
		UserID:         userID,
		SubscriptionID: created.ID,
		Resource:       resource,
		ClientState:    clientState,
		ExpiresAt:      expiresAt,
	}
	stored, err := m.store(ctx, existing, record)
	if err != nil {
		return Result{}, fmt.Errorf("store subscription for %s: %w", userID, err)
	}
	if !stored {
		// Another process subscribed this user first. Keep theirs.
		winner, err := m.Status(ctx, userID)
		if err != nil {
			return Result{}, fmt.Errorf("re-read subscription for %s: %w", userID, err)
		}
		log.Printf("⚠️ [SUBSCRIBE] %s was subscribed concurrently as %s; dropping duplicate %s", userID, winner.SubscriptionID, created.ID)
		if err := m.provider.DeleteSubscription(ctx, accessToken, created.ID); err != nil {
			log.Printf("⚠️ [SUBSCRIBE] Delete duplicate subscription %s failed: %v", created.ID, err)
		}
		return Result{SubscriptionID: winner.SubscriptionID, ExpiresAt: winner.ExpiresAt, Reused: true}, nil
	}

	log.Printf("✅ [SUBSCRIBE] Created subscription %s for %s (expires %s)", created.ID, userID, expiresAt.Format(time.RFC3339))
	return Result{SubscriptionID: created.ID, ExpiresAt: expiresAt}, nil
}

// Renew extends rec's subscription id in place. When the provider reports
// it gone, the local record is deleted so the next Ensure starts clean and
// the provider error is returned.
func (m *Manager) Renew(ctx context.Context, rec models.Subscription) error {
	unlock := m.lock(rec.UserID)
	defer unlock()

	accessToken, err := m.tokens.GetValidAccessToken(ctx, rec.UserID)
	if err != nil {
		if errors.Is(err, token.ErrNotConnected) {
			return ErrNotConnected
		}
		return err
	}

	renewed, err := m.provider.RenewSubscription(ctx, accessToken, rec.SubscriptionID, m.requestedExpiry())
	if err != nil {
		if errors.Is(err, graph.ErrSubscriptionGone) {
			delErr := m.db.WithContext(ctx).Where("subscription_id = ?", rec.SubscriptionID).Delete(&models.Subscription{}).Error
			if delErr != nil {
				log.Printf("❌ [RENEW] Subscription %s gone, deleting local record failed: %v", rec.SubscriptionID, delErr)
				return fmt.Errorf("renew %s: %w", rec.SubscriptionID, errors.Join(err, delErr))
			}
			log.Printf("🗑️ [RENEW] Subscription %s gone, local record deleted", rec.SubscriptionID)
		}
		return fmt.Errorf("renew %s: %w", rec.SubscriptionID, err)
	}

	expiresAt := renewed.ExpirationDateTime.UTC()
	if expiresAt.IsZero() {
		expiresAt = m.requestedExpiry()
	}
	err = m.db.WithContext(ctx).Model(&models.Subscription{}).
		Where("subscription_id = ?", rec.SubscriptionID).
		Update("expires_at", expiresAt).Error
	if err != nil {
		return fmt.Errorf("persist renewal of %s: %w", rec.SubscriptionID, err)
	}
	log.Printf("🔄 [RENEW] Renewed %s -> %s", rec.SubscriptionID, expiresAt.Format(time.RFC3339))
	return nil
}

// store writes record unless another writer got there first. A previous row
// is replaced only while it still holds the subscription id read earlier.
func (m *Manager) store(ctx context.Context, previous *models.Subscription, record models.Subscription) (bool, error) {
	db := m.db.WithContext(ctx)
	if previous != nil {
		res := db.Model(&models.Subscription{}).
			Where("user_id = ? AND subscription_id = ?", record.UserID, previous.SubscriptionID).
			Updates(map[string]any{
				"subscription_id": record.SubscriptionID,
				"resource":        record.Resource,
				"client_state":    record.ClientState,
				"expires_at":      record.ExpiresAt,
			})
		if res.Error != nil {
			return false, res.Error
		}
		if res.RowsAffected > 0 {
			return true, nil
		}
	}

	res := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoNothing: true,
	}).Create(&record)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// Status returns the user's subscription or ErrNotFound.
func (m *Manager) Status(ctx context.Context, userID string) (*models.Subscription, error) {
	return m.first(ctx, "user_id = ?", userID)
}

func (m *Manager) FindBySubscriptionID(ctx context.Context, id string) (*models.Subscription, error) {
	return m.first(ctx, "subscription_id = ?", id)
}

func (m *Manager) first(ctx context.Context, query string, arg string) (*models.Subscription, error) {
	var rec models.Subscription
	err := m.db.WithContext(ctx).Where(query, arg).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// DueForRenewal lists subscriptions expiring within window.
func (m *Manager) DueForRenewal(ctx context.Context, window time.Duration) ([]models.Subscription, error) {
	var due []models.Subscription
	err := m.db.WithContext(ctx).
		Where("expires_at <= ?", m.now().UTC().Add(window)).
		Order("expires_at ASC").
		Find(&due).Error
	return due, err
}

// Remove deletes the user's subscription remotely (best effort, skipped when
// no token is available) and locally.
func (m *Manager) Remove(ctx context.Context, userID string) error {
	unlock := m.lock(userID)
	defer unlock()

	rec, err := m.Status(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if accessToken, err := m.tokens.GetValidAccessToken(ctx, userID); err == nil {
		if err := m.provider.DeleteSubscription(ctx, accessToken, rec.SubscriptionID); err != nil && !errors.Is(err, graph.ErrSubscriptionGone) {
			log.Printf("⚠️ [SUBSCRIBE] Remote delete of %s failed: %v", rec.SubscriptionID, err)
		}
	}
	return m.db.WithContext(ctx).Delete(&models.Subscription{}, "user_id = ?", userID).Error
}

func newClientState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate client state: %w", err)
	}
	return hex.EncodeToString(b), nil
}
