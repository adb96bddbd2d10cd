// Package oauth wraps the provider handshakes. Implementations return
// verified identity facts only; linking and merging happen in the app layer.
package oauth

import "context"

// Profile is the normalized result of a successful callback exchange.
type Profile struct {
	Provider    string
	ExternalID  string
	Username    string
	Email       string
	Name        string
	AvatarURL   string
	AccessToken string
}

// Provider is the contract every external auth provider implements.
type Provider interface {
	// Name returns the provider identifier ("github", "google").
	Name() string

	// AuthCodeURL returns the provider authorization URL for the given state.
	AuthCodeURL(state string) string

	// Exchange trades the authorization code for a verified profile.
	Exchange(ctx context.Context, code string) (Profile, error)
}
