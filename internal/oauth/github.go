package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"golang.org/x/oauth2"
	githuboauth "golang.org/x/oauth2/github"
)

const githubUserURL = "https://api.github.com/user"

type GitHubProvider struct {
	config  *oauth2.Config
	userURL string
}

func NewGitHub(clientID, clientSecret, redirectURL string) (*GitHubProvider, error) {
	if clientID == "" || clientSecret == "" || redirectURL == "" {
		return nil, errors.New("github oauth config missing required fields")
	}
	return &GitHubProvider{
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Endpoint:     githuboauth.Endpoint,
			Scopes:       []string{"user:email"},
		},
		userURL: githubUserURL,
	}, nil
}

func (p *GitHubProvider) Name() string {
	return "github"
}

func (p *GitHubProvider) AuthCodeURL(state string) string {
	return p.config.AuthCodeURL(state)
}

// Exchange trades the code for an access token and fetches the user resource.
// GitHub has no OIDC id_token, so the profile comes from the REST API.
func (p *GitHubProvider) Exchange(ctx context.Context, code string) (Profile, error) {
	token, err := p.config.Exchange(ctx, code)
	if err != nil {
		return Profile{}, fmt.Errorf("github token exchange failed: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.userURL, nil)
	if err != nil {
		return Profile{}, fmt.Errorf("build github user request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := p.config.Client(ctx, token).Do(req)
	if err != nil {
		return Profile{}, fmt.Errorf("fetch github user: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Profile{}, fmt.Errorf("fetch github user: status %d", resp.StatusCode)
	}

	var user struct {
		ID        int64  `json:"id"`
		Login     string `json:"login"`
		AvatarURL string `json:"avatar_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return Profile{}, fmt.Errorf("decode github user: %w", err)
	}
	if user.ID == 0 || user.Login == "" {
		return Profile{}, errors.New("github user response missing required fields")
	}

	return Profile{
		Provider:    p.Name(),
		ExternalID:  strconv.FormatInt(user.ID, 10),
		Username:    user.Login,
		AvatarURL:   user.AvatarURL,
		AccessToken: token.AccessToken,
	}, nil
}
