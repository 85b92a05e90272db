package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/pysugar/inbox-tasks/internal/db"
	"gorm.io/gorm"
)

// APIKeyAuth validates the API key from the Authorization header (Bearer) or
// the x-api-key header against the key stored in the settings table.
func APIKeyAuth(database *gorm.DB) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			expectedKey := db.GetAPIKey(database)
			if expectedKey == "" {
				// No key stored yet (first run)
				next.ServeHTTP(w, r)
				return
			}

			if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
				if keyEqual(strings.TrimPrefix(auth, "Bearer "), expectedKey) {
					next.ServeHTTP(w, r)
					return
				}
			}
			if keyEqual(r.Header.Get("x-api-key"), expectedKey) {
				next.ServeHTTP(w, r)
				return
			}

			writeError(w, http.StatusUnauthorized, "Invalid API key")
		})
	}
}

// AdminAuth requires HTTP basic auth with the admin password. An empty
// password disables the check.
func AdminAuth(password string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if password == "" {
				next.ServeHTTP(w, r)
				return
			}
			_, pass, ok := r.BasicAuth()
			if !ok || !keyEqual(pass, password) {
				w.Header().Set("WWW-Authenticate", `Basic realm="Inbox Tasks Admin"`)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func keyEqual(got, want string) bool {
	return got != "" && subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
