// Package microsoft implements the delegated OAuth flow that connects a
// user's Outlook mailbox.
package microsoft

import (
	"github.com/pysugar/inbox-tasks/internal/config"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"
)

// Scopes requested at consent. offline_access yields the refresh token.
var Scopes = []string{"openid", "profile", "email", "offline_access", "Mail.Read"}

// GetOAuthConfig returns the OAuth2 config for the Azure AD app registration.
// Client credentials are sent in the form body so a failed refresh costs a
// single round trip.
func GetOAuthConfig(cfg config.MicrosoftConfig) *oauth2.Config {
	tenant := cfg.Tenant
	if tenant == "" {
		tenant = "common"
	}
	endpoint := microsoft.AzureADEndpoint(tenant)
	endpoint.AuthStyle = oauth2.AuthStyleInParams

	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURI,
		Scopes:       Scopes,
		Endpoint:     endpoint,
	}
}
