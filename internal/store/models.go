package store

import "time"

const (
	ProviderGitHub = "github"
	ProviderGoogle = "google"
)

// Identity is an acting identity: anonymous (addressable only via AnonToken)
// or linked to one or more OAuth providers. AnonToken and a provider id never
// coexist at steady state; linking clears the token.
type Identity struct {
	ID        string
	AnonToken string

	GitHubID          string
	GitHubUsername    string
	GitHubAvatarURL   string
	GitHubAccessToken string

	GoogleID          string
	GoogleEmail       string
	GoogleName        string
	GoogleAvatarURL   string
	GoogleAccessToken string

	// PendingTransferFrom holds the anonymous identity id whose documents
	// still need to be moved here. Non-empty means an interrupted merge.
	PendingTransferFrom string

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (i Identity) IsAuthenticated() bool {
	return i.GitHubID != "" || i.GoogleID != ""
}

// DisplayName derives the owner-facing label: provider username or email,
// falling back to a truncated anonymous token.
func (i Identity) DisplayName() string {
	switch {
	case i.GitHubUsername != "":
		return i.GitHubUsername
	case i.GoogleName != "":
		return i.GoogleName
	case i.GoogleEmail != "":
		return i.GoogleEmail
	case len(i.AnonToken) >= 8:
		return "visitor-" + i.AnonToken[:8]
	}
	return "visitor"
}

// ProviderProfile carries the verified external identity plus mutable profile
// fields refreshed on every login.
type ProviderProfile struct {
	Provider    string
	ExternalID  string
	Username    string
	Email       string
	Name        string
	AvatarURL   string
	AccessToken string
}

type Document struct {
	ID        string
	Content   string
	Title     string
	CanEdit   bool
	OwnerID   string
	CreatedAt time.Time
	UpdatedAt time.Time
}
