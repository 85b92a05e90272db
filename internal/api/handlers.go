// Package api serves the JSON endpoints under /api: per-user subscription
// and task views, ingestion counters and admin triggers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pysugar/inbox-tasks/internal/auth/token"
	"github.com/pysugar/inbox-tasks/internal/db"
	"github.com/pysugar/inbox-tasks/internal/db/models"
	"github.com/pysugar/inbox-tasks/internal/ingest"
	"github.com/pysugar/inbox-tasks/internal/subscription"
	"github.com/pysugar/inbox-tasks/internal/upstream/graph"
	"gorm.io/gorm"
)

type Subscriptions interface {
	Ensure(ctx context.Context, userID string) (subscription.Result, error)
	Status(ctx context.Context, userID string) (*models.Subscription, error)
	Remove(ctx context.Context, userID string) error
}

type Credentials interface {
	Status(ctx context.Context, userID string) (token.Status, error)
	Disconnect(ctx context.Context, userID string) error
}

type TaskLister interface {
	List(ctx context.Context, ownerID string, limit int) ([]models.WorkItem, error)
}

// LoginLinker issues single-use links that start the consent flow for an
// already authenticated user.
type LoginLinker interface {
	LoginLink(userID string) string
}

type Renewer interface {
	RunNow(ctx context.Context) (subscription.SweepReport, error)
}

type IngestStats interface {
	Snapshot() ingest.StatsSnapshot
}

// Server holds the collaborators behind the /api routes.
type Server struct {
	DB            *gorm.DB
	Subscriptions Subscriptions
	Credentials   Credentials
	Login         LoginLinker
	Tasks         TaskLister
	Renewer       Renewer
	Ingest        IngestStats
	// Webhook serves the Graph notification endpoint, which carries no API
	// key.
	Webhook       http.HandlerFunc
	AdminPassword string
	// PublicBaseURL prefixes login links; empty leaves them relative.
	PublicBaseURL string
}

// Routes returns the router to mount at /api.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()

	if s.Webhook != nil {
		r.Get("/microsoft/notifications", s.Webhook)
		r.Post("/microsoft/notifications", s.Webhook)
	}

	r.Group(func(r chi.Router) {
		r.Use(APIKeyAuth(s.DB))
		r.Post("/users/{userID}/microsoft/connect", s.handleConnect)
		r.Post("/users/{userID}/microsoft/subscribe", s.handleSubscribe)
		r.Get("/users/{userID}/microsoft/subscription", s.handleSubscriptionStatus)
		r.Post("/users/{userID}/microsoft/disconnect", s.handleDisconnect)
		r.Get("/users/{userID}/tasks", s.handleListTasks)
		r.Get("/ingest/stats", s.handleIngestStats)
	})

	r.Group(func(r chi.Router) {
		r.Use(AdminAuth(s.AdminPassword))
		r.Post("/admin/renew", s.handleRenew)
		r.Get("/config/apikey", s.handleGetAPIKey)
		r.Post("/config/apikey/regenerate", s.handleRegenerateAPIKey)
	})

	return r
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if s.Login == nil {
		writeError(w, http.StatusServiceUnavailable, "Microsoft login not configured")
		return
	}
	link := strings.TrimRight(s.PublicBaseURL, "/") + s.Login.LoginLink(chi.URLParam(r, "userID"))
	writeJSON(w, http.StatusOK, map[string]interface{}{"login_url": link})
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	res, err := s.Subscriptions.Ensure(r.Context(), userID)
	switch {
	case err == nil:
	case errors.Is(err, subscription.ErrNotConnected):
		writeError(w, http.StatusBadRequest, "Microsoft not connected")
		return
	case errors.Is(err, subscription.ErrNoNotificationURL):
		writeError(w, http.StatusBadRequest, "PUBLIC_API_BASE_URL must be HTTPS")
		return
	default:
		log.Printf("❌ [SUBSCRIBE] Ensure for %s failed: %v", userID, err)
		var apiErr *graph.APIError
		if errors.As(err, &apiErr) {
			writeError(w, http.StatusBadGateway, "Failed to create subscription")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to create subscription")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":             true,
		"reused":         res.Reused,
		"subscriptionId": res.SubscriptionID,
		"expires":        res.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleSubscriptionStatus(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	conn, err := s.Credentials.Status(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	sub, err := s.Subscriptions.Status(r.Context(), userID)
	if err != nil && !errors.Is(err, subscription.ErrNotFound) {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"connection":   conn,
		"subscription": sub,
	})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if err := s.Subscriptions.Remove(r.Context(), userID); err != nil {
		log.Printf("⚠️ [SUBSCRIBE] Removing subscription for %s failed: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "Failed to remove subscription")
		return
	}
	if err := s.Credentials.Disconnect(r.Context(), userID); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to remove credential")
		return
	}
	log.Printf("🔌 Disconnected Microsoft account for %s", userID)
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	items, err := s.Tasks.List(r.Context(), chi.URLParam(r, "userID"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if items == nil {
		items = []models.WorkItem{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": items})
}

func (s *Server) handleIngestStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Ingest.Snapshot())
}

func (s *Server) handleRenew(w http.ResponseWriter, r *http.Request) {
	report, err := s.Renewer.RunNow(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleGetAPIKey(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"api_key": maskAPIKey(db.GetAPIKey(s.DB)),
		"masked":  true,
	})
}

// handleRegenerateAPIKey returns the new key in full once; later reads are
// masked.
func (s *Server) handleRegenerateAPIKey(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"api_key": db.RegenerateAPIKey(s.DB),
		"masked":  false,
	})
}

func maskAPIKey(key string) string {
	if len(key) <= 10 {
		return "****"
	}
	return key[:6] + "****" + key[len(key)-4:]
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
