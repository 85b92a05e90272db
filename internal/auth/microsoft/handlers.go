package microsoft

import (
	"context"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pysugar/inbox-tasks/internal/upstream/graph"
	"golang.org/x/oauth2"
)

// CredentialStore persists the tokens of a completed authorization.
type CredentialStore interface {
	Store(ctx context.Context, userID, email string, tok *oauth2.Token) error
}

// ProfileFetcher resolves the mailbox address behind an access token.
type ProfileFetcher interface {
	GetMe(ctx context.Context, accessToken string) (*graph.Me, error)
}

// LoginTicketTTL bounds the gap between asking the API for a login link and
// opening it.
const LoginTicketTTL = 5 * time.Minute

// LoginPath is where the consent flow starts.
const LoginPath = "/auth/microsoft/login"

type Handler struct {
	config    *oauth2.Config
	states    *StateStore
	tickets   *StateStore
	store     CredentialStore
	profile   ProfileFetcher
	clientURL string
}

func NewHandler(config *oauth2.Config, states *StateStore, store CredentialStore, profile ProfileFetcher, clientURL string) *Handler {
	if clientURL == "" {
		clientURL = "http://localhost:5173"
	}
	return &Handler{
		config:    config,
		states:    states,
		tickets:   NewStateStore(LoginTicketTTL),
		store:     store,
		profile:   profile,
		clientURL: strings.TrimRight(clientURL, "/"),
	}
}

// LoginLink issues a single-use ticket for userID and returns the login path
// carrying it. Callers must have authenticated the user already.
func (h *Handler) LoginLink(userID string) string {
	return LoginPath + "?ticket=" + url.QueryEscape(h.tickets.Issue(userID))
}

// HandleLogin redirects to the Microsoft consent page for the user bound to
// ?ticket=.
func (h *Handler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	ticket := strings.TrimSpace(r.URL.Query().Get("ticket"))
	if ticket == "" {
		http.Error(w, "Missing login ticket", http.StatusUnauthorized)
		return
	}
	userID, ok := h.tickets.Consume(ticket)
	if !ok {
		log.Printf("⚠️ [OAUTH] Rejected unknown or expired login ticket")
		http.Error(w, "Invalid or expired login ticket", http.StatusUnauthorized)
		return
	}

	state := h.states.Issue(userID)
	authURL := h.config.AuthCodeURL(state, oauth2.SetAuthURLParam("prompt", "select_account"))
	http.Redirect(w, r, authURL, http.StatusFound)
}

// HandleCallback completes the code exchange, records the mailbox address and
// stores the credential, then sends the browser back to the client app.
func (h *Handler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if providerErr := q.Get("error"); providerErr != "" {
		log.Printf("⚠️ [OAUTH] Consent denied or failed: %s %s", providerErr, q.Get("error_description"))
		h.redirectDone(w, r, providerErr)
		return
	}

	code, state := q.Get("code"), q.Get("state")
	if code == "" || state == "" {
		http.Error(w, "Missing code or state", http.StatusBadRequest)
		return
	}
	userID, ok := h.states.Consume(state)
	if !ok {
		http.Error(w, "Invalid state token", http.StatusBadRequest)
		return
	}

	tok, err := h.config.Exchange(r.Context(), code)
	if err != nil {
		log.Printf("❌ [OAUTH] Token exchange failed for %s: %v", userID, err)
		http.Error(w, "Token exchange failed", http.StatusBadRequest)
		return
	}

	me, err := h.profile.GetMe(r.Context(), tok.AccessToken)
	if err != nil {
		log.Printf("❌ [OAUTH] Profile lookup failed for %s: %v", userID, err)
		http.Error(w, "Failed to read mailbox profile", http.StatusBadGateway)
		return
	}

	if err := h.store.Store(r.Context(), userID, me.Address(), tok); err != nil {
		log.Printf("❌ [OAUTH] %v", err)
		http.Error(w, "Failed to save credential", http.StatusInternalServerError)
		return
	}

	log.Printf("✅ [OAUTH] Connected mailbox %s for user %s", me.Address(), userID)
	h.redirectDone(w, r, "")
}

func (h *Handler) redirectDone(w http.ResponseWriter, r *http.Request, errCode string) {
	target := h.clientURL + "/outlook-popup-done"
	if errCode != "" {
		target += "?error=" + url.QueryEscape(errCode)
	}
	http.Redirect(w, r, target, http.StatusFound)
}
