package oauth

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"golang.org/x/oauth2"
)

func newStubGitHub(t *testing.T, userStatus int, userBody string) *GitHubProvider {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/token":
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"access_token":"gho_test","token_type":"bearer"}`)
		case "/user":
			if auth := r.Header.Get("Authorization"); !strings.Contains(auth, "gho_test") {
				t.Errorf("user request missing bearer token, got %q", auth)
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(userStatus)
			fmt.Fprint(w, userBody)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	return &GitHubProvider{
		config: &oauth2.Config{
			ClientID:     "client-id",
			ClientSecret: "client-secret",
			RedirectURL:  "http://localhost:8787/api/auth/github/callback",
			Endpoint: oauth2.Endpoint{
				AuthURL:  srv.URL + "/authorize",
				TokenURL: srv.URL + "/token",
			},
			Scopes: []string{"user:email"},
		},
		userURL: srv.URL + "/user",
	}
}

func TestGitHubExchange(t *testing.T) {
	provider := newStubGitHub(t, http.StatusOK,
		`{"id":42,"login":"octocat","avatar_url":"https://avatars.example/u/42"}`)

	profile, err := provider.Exchange(context.Background(), "code123")
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if profile.Provider != "github" {
		t.Fatalf("provider %q", profile.Provider)
	}
	if profile.ExternalID != "42" {
		t.Fatalf("external id %q, want 42", profile.ExternalID)
	}
	if profile.Username != "octocat" {
		t.Fatalf("username %q", profile.Username)
	}
	if profile.AccessToken != "gho_test" {
		t.Fatalf("access token %q", profile.AccessToken)
	}
}

func TestGitHubExchangeUserFetchFails(t *testing.T) {
	provider := newStubGitHub(t, http.StatusInternalServerError, `{}`)
	if _, err := provider.Exchange(context.Background(), "code123"); err == nil {
		t.Fatalf("expected an error when the user fetch fails")
	}
}

func TestGitHubExchangeRejectsIncompleteUser(t *testing.T) {
	provider := newStubGitHub(t, http.StatusOK, `{"id":0,"login":""}`)
	if _, err := provider.Exchange(context.Background(), "code123"); err == nil {
		t.Fatalf("expected an error for a user payload without id/login")
	}
}

func TestGitHubAuthCodeURLCarriesState(t *testing.T) {
	provider := newStubGitHub(t, http.StatusOK, `{}`)

	authURL, err := url.Parse(provider.AuthCodeURL("state-xyz"))
	if err != nil {
		t.Fatalf("parse auth url: %v", err)
	}
	query := authURL.Query()
	if query.Get("state") != "state-xyz" {
		t.Fatalf("state %q", query.Get("state"))
	}
	if query.Get("client_id") != "client-id" {
		t.Fatalf("client_id %q", query.Get("client_id"))
	}
	if query.Get("redirect_uri") == "" {
		t.Fatalf("redirect_uri missing")
	}
}

func TestNewGitHubValidatesConfig(t *testing.T) {
	if _, err := NewGitHub("", "secret", "http://localhost/cb"); err == nil {
		t.Fatalf("expected an error for missing client id")
	}
	if _, err := NewGitHub("id", "secret", ""); err == nil {
		t.Fatalf("expected an error for missing redirect url")
	}
	provider, err := NewGitHub("id", "secret", "http://localhost/cb")
	if err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	if provider.Name() != "github" {
		t.Fatalf("name %q", provider.Name())
	}
}

func TestNewGoogleValidatesConfig(t *testing.T) {
	if _, err := NewGoogle(context.Background(), "", "secret", "http://localhost/cb"); err == nil {
		t.Fatalf("expected an error for missing client id")
	}
}
